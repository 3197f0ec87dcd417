package toolcache

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	MirrorEnv         = "TAURI_BUNDLER_TOOLS_GITHUB_MIRROR"
	MirrorTemplateEnv = "TAURI_BUNDLER_TOOLS_GITHUB_MIRROR_TEMPLATE"
)

var githubReleaseRe = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/releases/download/([^/]+)/(.*)$`)

// MirrorURL rewrites GitHub download urls when a mirror is configured.
// The template form understands <owner>, <repo>, <version> and <asset>
// placeholders and takes precedence over a plain mirror base url, which
// receives the original path.
func MirrorURL(rawURL string, getenv func(string) string) string {
	if !strings.HasPrefix(rawURL, "https://github.com/") {
		return rawURL
	}

	if tmpl := getenv(MirrorTemplateEnv); tmpl != "" {
		if m := githubReleaseRe.FindStringSubmatch(rawURL); m != nil {
			return strings.NewReplacer(
				"<owner>", m[1],
				"<repo>", m[2],
				"<version>", m[3],
				"<asset>", m[4],
			).Replace(tmpl)
		}
	}

	if base := getenv(MirrorEnv); base != "" {
		mirror, err := url.Parse(base)
		if err != nil || mirror.Host == "" {
			return rawURL
		}
		orig, err := url.Parse(rawURL)
		if err != nil {
			return rawURL
		}
		mirror.Path = orig.Path
		return mirror.String()
	}

	return rawURL
}
