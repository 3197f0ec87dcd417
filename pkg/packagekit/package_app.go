package packagekit

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/applenotarization"
	"github.com/kolide/bundler/pkg/packagekit/codesign"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"howett.net/plist"
)

// appPackager builds <out>/bundle/macos/<Product>.app
//
//	Product.app/Contents/
//	  Info.plist
//	  MacOS/       main binary, other binaries and sidecars
//	  Resources/   icon and bundle resources
//	  Frameworks/  embedded frameworks and dylibs
type appPackager struct {
	*packagerOptions
}

func (p *appPackager) PackageType() settings.PackageType { return settings.MacOsBundle }

func (p *appPackager) HostSupported(goos string) bool { return goos == "darwin" }

func (p *appPackager) Package(ctx context.Context, s *settings.Settings, _ []Bundle) ([]Bundle, error) {
	app, err := p.bundleApp(ctx, s)
	if err != nil {
		return nil, err
	}
	return []Bundle{{PackageType: settings.MacOsBundle, BundlePaths: []string{app}}}, nil
}

// bundleApp creates, signs and notarizes the .app and returns its path.
func (p *appPackager) bundleApp(ctx context.Context, s *settings.Settings) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageApp")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	appPath := filepath.Join(s.BundleDir("macos"), s.ProductName()+".app")
	level.Info(logger).Log("msg", "bundling", "app", appPath)

	if err := resetDir(appPath); err != nil {
		return "", err
	}
	contents := filepath.Join(appPath, "Contents")
	resourcesDir := filepath.Join(contents, "Resources")
	binDir := filepath.Join(contents, "MacOS")

	iconFile, err := copyIcns(s, resourcesDir)
	if err != nil {
		return "", errors.Wrap(err, "copying app icon")
	}

	if err := writeInfoPlist(contents, iconFile, s); err != nil {
		return "", errors.Wrap(err, "creating Info.plist")
	}

	frameworks, err := copyFrameworks(contents, s.MacOS().Frameworks, p.homeDir)
	if err != nil {
		return "", errors.Wrap(err, "bundling frameworks")
	}

	if err := copyResources(s.Resources(), resourcesDir); err != nil {
		return "", errors.Wrap(err, "copying resources")
	}

	executables, err := copySidecars(s, binDir)
	if err != nil {
		return "", errors.Wrap(err, "copying external binaries")
	}

	for _, bin := range s.Binaries() {
		dest := filepath.Join(binDir, bin.Name)
		if err := copyExecutable(bin.Path, dest); err != nil {
			return "", errors.Wrapf(err, "copying binary %s", bin.Name)
		}
		executables = append(executables, dest)
	}

	if err := copyCustomFiles(s.MacOS().Files, contents); err != nil {
		return "", errors.Wrap(err, "copying custom files")
	}

	if err := p.signApp(ctx, s, appPath, frameworks, executables); err != nil {
		return "", err
	}

	return appPath, nil
}

// signApp signs the bundle inside out and then notarizes it. Missing
// identities and credentials only warn; a missing team id is fatal
// because it means the credentials are half configured.
func (p *appPackager) signApp(ctx context.Context, s *settings.Settings, appPath string, frameworks, executables []string) error {
	logger := ctxlog.FromContext(ctx)
	ms := s.MacOS()

	if s.NoSign() {
		level.Warn(logger).Log("msg", "skipping signing due to --no-sign flag")
		return nil
	}

	kc, err := codesign.ResolveKeychain(ctx, ms.SigningIdentity,
		codesign.WithLookupEnv(p.lookupEnv),
		codesign.WithExecCC(p.execCC),
	)
	if err != nil {
		return errors.Wrap(err, "resolving signing identity")
	}
	if kc == nil {
		level.Warn(logger).Log("msg", "no signing identity configured, skipping app signing")
		return nil
	}
	defer kc.Close(ctx)

	if err := kc.StripXattrs(ctx, appPath); err != nil {
		return err
	}

	targets := codesign.SignTargets(appPath, frameworks, executables)
	if err := kc.SignAll(ctx, targets, codesign.EntitlementsFromSettings(ms), ms.HardenedRuntime); err != nil {
		return errors.Wrap(err, "signing app")
	}

	mainBin := filepath.Join(appPath, "Contents", "MacOS", s.MainBinaryName())
	signed, err := codesign.IsSigned(mainBin)
	level.Debug(logger).Log("msg", "checked main binary signature", "path", mainBin, "signed", signed, "err", err)

	if ms.SkipNotarization {
		level.Info(logger).Log("msg", "skipping app notarization")
		return nil
	}

	creds, err := applenotarization.CredentialsFromEnv(p.getenv, p.homeDir)
	switch {
	case errors.Is(err, applenotarization.ErrMissingTeamID):
		return err
	case err != nil:
		level.Warn(logger).Log("msg", "skipping app notarization", "err", err)
		return nil
	}

	n := applenotarization.New(creds, applenotarization.WithExecCC(p.execCC))
	if err := n.Notarize(ctx, appPath, kc, !ms.SkipStapling); err != nil {
		level.Warn(logger).Log("msg", "app notarization failed", "err", err)
	}

	return nil
}

// copyIcns copies the first .icns icon into the resources dir. Icons in
// other formats are not converted.
func copyIcns(s *settings.Settings, resourcesDir string) (string, error) {
	for _, icon := range s.Icons() {
		if !strings.EqualFold(filepath.Ext(icon), ".icns") {
			continue
		}
		name := s.ProductName() + ".icns"
		if err := copyFile(icon, filepath.Join(resourcesDir, name)); err != nil {
			return "", err
		}
		return name, nil
	}
	return "", nil
}

func writeInfoPlist(contents, iconFile string, s *settings.Settings) error {
	ms := s.MacOS()

	info := map[string]interface{}{
		"CFBundleDevelopmentRegion":     "English",
		"CFBundleDisplayName":           s.ProductName(),
		"CFBundleExecutable":            s.MainBinaryName(),
		"CFBundleIdentifier":            s.Identifier(),
		"CFBundleInfoDictionaryVersion": "6.0",
		"CFBundleName":                  s.ProductName(),
		"CFBundlePackageType":           "APPL",
		"CFBundleShortVersionString":    s.Version(),
		"CFBundleVersion":               s.Version(),
		"CSResourcesFileMapped":         true,
		"LSRequiresCarbon":              true,
		"NSHighResolutionCapable":       true,
	}
	if iconFile != "" {
		info["CFBundleIconFile"] = iconFile
	}
	if category := s.Category(); category != "" {
		info["LSApplicationCategoryType"] = appCategoryType(category)
	}
	if ms.MinimumSystemVersion != "" {
		info["LSMinimumSystemVersion"] = ms.MinimumSystemVersion
	}
	if copyright := s.Copyright(); copyright != "" {
		info["NSHumanReadableCopyright"] = copyright
	}
	if ms.ExceptionDomain != "" {
		info["NSAppTransportSecurity"] = map[string]interface{}{
			"NSExceptionDomains": map[string]interface{}{
				ms.ExceptionDomain: map[string]interface{}{
					"NSExceptionAllowsInsecureHTTPLoads": true,
					"NSIncludesSubdomains":               true,
				},
			},
		}
	}

	if ms.InfoPlist != "" {
		raw, err := os.ReadFile(ms.InfoPlist)
		if err != nil {
			return bundleerr.Fs("read", ms.InfoPlist, err)
		}
		var user map[string]interface{}
		if _, err := plist.Unmarshal(raw, &user); err != nil {
			return errors.Wrapf(err, "parsing %s", ms.InfoPlist)
		}
		for k, v := range user {
			info[k] = v
		}
	}

	out, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return errors.Wrap(err, "marshalling Info.plist")
	}
	path := filepath.Join(contents, "Info.plist")
	return bundleerr.Fs("write", path, os.WriteFile(path, out, 0644))
}

// appCategoryType maps a category such as "DeveloperTool" or
// "developer-tools" to its LSApplicationCategoryType UTI.
func appCategoryType(category string) string {
	const prefix = "public.app-category."
	if strings.HasPrefix(category, prefix) {
		return category
	}

	var b strings.Builder
	for i, r := range category {
		switch {
		case r == ' ' || r == '_':
			b.WriteRune('-')
		case r >= 'A' && r <= 'Z':
			if i > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteRune('-')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return prefix + b.String()
}

// copyFrameworks copies frameworks into Contents/Frameworks. Entries
// are a .framework dir, a .dylib, or the bare name of a framework
// installed in one of the system framework directories. The returned
// paths are the copies that need signing.
func copyFrameworks(contents string, frameworks []string, home string) ([]string, error) {
	if len(frameworks) == 0 {
		return nil, nil
	}

	destDir := filepath.Join(contents, "Frameworks")
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, bundleerr.Fs("create dir", destDir, err)
	}

	var searchDirs []string
	if home != "" {
		searchDirs = append(searchDirs, filepath.Join(home, "Library", "Frameworks"))
	}
	searchDirs = append(searchDirs, "/Library/Frameworks", "/Network/Library/Frameworks")

	var signPaths []string
	for _, fw := range frameworks {
		switch {
		case strings.HasSuffix(fw, ".framework"):
			dest := filepath.Join(destDir, filepath.Base(fw))
			if err := copyDir(fw, dest); err != nil {
				return nil, err
			}
			signPaths = append(signPaths, dest)
			continue
		case strings.HasSuffix(fw, ".dylib"):
			if !exists(fw) {
				return nil, errors.Errorf("library not found: %s", fw)
			}
			dest := filepath.Join(destDir, filepath.Base(fw))
			if err := copyFile(fw, dest); err != nil {
				return nil, err
			}
			signPaths = append(signPaths, dest)
			continue
		case strings.Contains(fw, "/"):
			return nil, errors.Errorf("framework path should have .framework extension: %s", fw)
		}

		found := false
		for _, dir := range searchDirs {
			src := filepath.Join(dir, fw+".framework")
			if !exists(src) {
				continue
			}
			if err := copyDir(src, filepath.Join(destDir, fw+".framework")); err != nil {
				return nil, err
			}
			found = true
			break
		}
		if !found {
			return nil, errors.Errorf("could not locate framework: %s", fw)
		}
	}

	return signPaths, nil
}

// copySidecars copies the external binaries into dir, dropping the
// target triple from their names.
func copySidecars(s *settings.Settings, dir string) ([]string, error) {
	var out []string
	suffix := "-" + s.Target().Triple
	for _, src := range s.ExternalBinaries() {
		name := strings.Replace(filepath.Base(src), suffix, "", 1)
		dest := filepath.Join(dir, name)
		if err := copyExecutable(src, dest); err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
	return out, nil
}
