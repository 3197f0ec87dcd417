package packagekit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/semver"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/internal"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/bundler/pkg/toolcache"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/text/encoding/unicode"
)

const (
	nsisTauriUtilsURL  = "https://github.com/tauri-apps/nsis-tauri-utils/releases/download/nsis_tauri_utils-v0.5.2/nsis_tauri_utils.dll"
	nsisTauriUtilsSHA1 = "D0C502F45DF55C0465C9406088FF016C2E7E6817"

	nsisOutFile = "nsis-output.exe"
)

// Plugin dlls that end up inside the installer, relative to
// Plugins/x86-unicode.
var nsisPluginFiles = []string{
	"NSISdl.dll",
	"StartMenu.dll",
	"System.dll",
	"nsDialogs.dll",
	filepath.Join("additional", "nsis_tauri_utils.dll"),
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

type nsisPackager struct {
	*packagerOptions
}

func (p *nsisPackager) PackageType() settings.PackageType { return settings.Nsis }

func (p *nsisPackager) HostSupported(goos string) bool {
	switch goos {
	case "windows", "linux", "darwin":
		return true
	}
	return false
}

func (p *nsisPackager) Package(ctx context.Context, s *settings.Settings, _ []Bundle) ([]Bundle, error) {
	installer, err := p.bundleNsis(ctx, s)
	if err != nil {
		return nil, err
	}
	return []Bundle{{PackageType: settings.Nsis, BundlePaths: []string{installer}}}, nil
}

// nsisFile is a File instruction in the installer script.
type nsisFile struct {
	Source string
	Target string
}

// nsisData is handed to the installer template. Everything the
// template quotes as a string literal goes through esc.
type nsisData struct {
	ProductName             string
	Manufacturer            string
	BundleID                string
	ShortDescription        string
	LongDescription         string
	Homepage                string
	Copyright               string
	Version                 string
	VersionWithBuild        string
	Arch                    string
	InstallMode             string
	Compression             string
	Languages               []string
	DisplayLanguageSelector bool
	StartMenuFolder         string
	InstallerIcon           string
	HeaderImage             string
	SidebarImage            string
	InstallerHooks          string
	AdditionalPluginsPath   string
	UninstallerSignCmd      string
	AllowDowngrades         bool
	MainBinaryName          string
	MainBinaryPath          string
	OutFile                 string
	Binaries                []nsisFile
	Resources               []nsisFile
	ResourceDirs            []string
	ResourceAncestors       []string
	EstimatedSize           int64
}

func nsisArch(a settings.Arch) (string, error) {
	switch a {
	case settings.X86_64:
		return "x64", nil
	case settings.X86:
		return "x86", nil
	case settings.AArch64:
		return "arm64", nil
	}
	return "", errors.Errorf("unsupported architecture for nsis: %s", a)
}

func (p *nsisPackager) bundleNsis(ctx context.Context, s *settings.Settings) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageNsis")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	arch, err := nsisArch(s.Target().Arch)
	if err != nil {
		return "", err
	}
	level.Info(logger).Log("msg", "building nsis installer", "arch", arch)

	outputDir := filepath.Join(s.OutDir(), "nsis", arch)
	if err := resetDir(outputDir); err != nil {
		return "", err
	}

	ws := s.Windows()
	canSign := ws.CanSign()

	tools, err := p.toolCache(s)
	if err != nil {
		return "", err
	}
	utilsDLL, err := tools.Fetch(ctx, toolcache.Tool{
		Name:      "nsis_tauri_utils-v0.5.2.dll",
		URL:       nsisTauriUtilsURL,
		Hash:      nsisTauriUtilsSHA1,
		Algorithm: toolcache.SHA1,
	})
	if err != nil {
		return "", errors.Wrap(err, "fetching nsis_tauri_utils plugin")
	}

	// When signing, the plugins are copied next to the script so the
	// system (or cached) dlls are never modified.
	var pluginsDir, additionalDir string
	if canSign {
		pluginsDir = filepath.Join(outputDir, "Plugins")
		systemPlugins := filepath.Join(p.systemNsisDir(), "Plugins", "x86-unicode")
		if err := copyDir(systemPlugins, filepath.Join(pluginsDir, "x86-unicode")); err != nil {
			return "", errors.Wrap(err, "copying system NSIS plugins")
		}
		additionalDir = filepath.Join(pluginsDir, "x86-unicode", "additional")
	} else {
		additionalDir = filepath.Join(outputDir, "additional")
	}
	if err := copyFile(utilsDLL, filepath.Join(additionalDir, "nsis_tauri_utils.dll")); err != nil {
		return "", err
	}

	data, err := p.nsisTemplateData(ctx, s, arch)
	if err != nil {
		return "", err
	}
	data.AdditionalPluginsPath = additionalDir

	script, err := renderNsisScript(s, data)
	if err != nil {
		return "", err
	}
	scriptPath := filepath.Join(outputDir, "installer.nsi")
	if err := writeUTF8WithBOM(scriptPath, script); err != nil {
		return "", err
	}

	if canSign && pluginsDir != "" {
		level.Info(logger).Log("msg", "signing NSIS plugins")
		for _, dll := range nsisPluginFiles {
			path := filepath.Join(pluginsDir, "x86-unicode", dll)
			if !exists(path) {
				level.Warn(logger).Log("msg", "could not find plugin, skipping signing", "path", path)
				continue
			}
			if err := p.signWindows(ctx, s, path); err != nil {
				return "", err
			}
		}
	}

	installer := filepath.Join(
		s.BundleDir("nsis"),
		fmt.Sprintf("%s_%s_%s-setup.exe", s.ProductName(), s.Version(), arch),
	)
	if err := os.MkdirAll(filepath.Dir(installer), 0755); err != nil {
		return "", bundleerr.Fs("create dir", filepath.Dir(installer), err)
	}

	eo := execOpts{
		dir:   outputDir,
		unset: []string{"NSISDIR", "NSISCONFDIR"},
	}
	if pluginsDir != "" {
		eo.env = []string{"NSISPLUGINS=" + pluginsDir}
	}

	level.Info(logger).Log("msg", "running makensis", "installer", installer)
	if _, err := p.execOut(ctx, eo, p.makensisPath(),
		"-INPUTCHARSET", "UTF8",
		"-OUTPUTCHARSET", "UTF8",
		makensisVerbosity(s.LogLevel()),
		scriptPath,
	); err != nil {
		return "", errors.Wrap(err, "running makensis")
	}

	if err := os.Rename(filepath.Join(outputDir, nsisOutFile), installer); err != nil {
		return "", bundleerr.Fs("rename", installer, err)
	}

	if canSign {
		if err := p.signWindows(ctx, s, installer); err != nil {
			return "", err
		}
	} else if runtime.GOOS != "windows" {
		level.Warn(logger).Log("msg", "signing is only supported on windows hosts unless a sign command is configured, skipping installer signing")
	}

	return installer, nil
}

func (p *nsisPackager) nsisTemplateData(ctx context.Context, s *settings.Settings, arch string) (nsisData, error) {
	logger := ctxlog.FromContext(ctx)
	ws := s.Windows()

	var nsis settings.NsisSettings
	if ws.Nsis != nil {
		nsis = *ws.Nsis
	}

	versionWithBuild, err := numericBuildVersion(logger, s.Version())
	if err != nil {
		return nsisData{}, err
	}

	data := nsisData{
		ProductName:      s.ProductName(),
		Manufacturer:     manufacturer(s),
		BundleID:         s.Identifier(),
		ShortDescription: s.ShortDescription(),
		LongDescription:  s.LongDescription(),
		Homepage:         s.Homepage(),
		Copyright:        s.Copyright(),
		Version:          s.Version(),
		VersionWithBuild: versionWithBuild,
		Arch:             arch,
		InstallMode:      string(nsis.InstallMode),
		Compression:      nsis.Compression,
		Languages:        nsis.Languages,
		StartMenuFolder:  nsis.StartMenuFolder,
		AllowDowngrades:  ws.AllowDowngrades,
		MainBinaryName:   strings.TrimSuffix(s.MainBinaryName(), ".exe"),
		MainBinaryPath:   s.MainBinary().Path,
		OutFile:          nsisOutFile,
	}
	if data.InstallMode == "" {
		data.InstallMode = string(settings.NsisCurrentUser)
	}
	if data.Compression == "" {
		data.Compression = "lzma"
	}
	if len(data.Languages) == 0 {
		data.Languages = []string{"English"}
	}
	data.DisplayLanguageSelector = nsis.DisplayLanguageSelector && len(data.Languages) > 1
	if data.StartMenuFolder == "" {
		data.StartMenuFolder = s.ProductName()
	}

	for dst, src := range map[*string]string{
		&data.InstallerIcon:  nsis.InstallerIcon,
		&data.HeaderImage:    nsis.HeaderImage,
		&data.SidebarImage:   nsis.SidebarImage,
		&data.InstallerHooks: nsis.InstallerHooks,
	} {
		if src == "" {
			continue
		}
		abs, err := filepath.Abs(src)
		if err != nil {
			return nsisData{}, errors.Wrapf(err, "resolving %s", src)
		}
		if !exists(abs) {
			return nsisData{}, errors.Errorf("%s does not exist", abs)
		}
		*dst = abs
	}

	if ws.CanSign() {
		if s.NoSign() {
			level.Warn(logger).Log("msg", "skipping signing for NSIS uninstaller due to no-sign flag")
		} else {
			argv, err := p.windowsSigner.CommandLine("%1", ws)
			if err != nil {
				return nsisData{}, errors.Wrap(err, "building uninstaller sign command")
			}
			data.UninstallerSignCmd = quoteArgs(argv)
		}
	}

	data.Binaries = bundledBinaries(s)

	resources, err := p.nsisResources(ctx, s)
	if err != nil {
		return nsisData{}, err
	}
	data.Resources = resources
	data.ResourceDirs, data.ResourceAncestors = resourceDirs(resources)

	sources := []string{data.MainBinaryPath}
	for _, f := range data.Binaries {
		sources = append(sources, f.Source)
	}
	for _, f := range data.Resources {
		sources = append(sources, f.Source)
	}
	size, err := dirSize(sources...)
	if err != nil {
		return nsisData{}, err
	}
	data.EstimatedSize = size / 1024

	return data, nil
}

// bundledBinaries lists sidecars (with the target triple stripped) and the
// non-main binaries.
func bundledBinaries(s *settings.Settings) []nsisFile {
	var out []nsisFile
	suffix := "-" + s.Target().Triple
	for _, src := range s.ExternalBinaries() {
		name := strings.Replace(filepath.Base(src), suffix, "", 1)
		out = append(out, nsisFile{Source: src, Target: name})
	}
	for _, b := range s.Binaries() {
		if b.Main {
			continue
		}
		out = append(out, nsisFile{Source: b.Path, Target: filepath.Base(b.Path)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// nsisResources converts resource targets to windows separators, and
// signs unsigned PE resources when signing is configured.
func (p *nsisPackager) nsisResources(ctx context.Context, s *settings.Settings) ([]nsisFile, error) {
	ws := s.Windows()
	seen := make(map[string]bool)

	var out []nsisFile
	for _, r := range s.Resources() {
		if seen[r.Source] {
			continue
		}
		seen[r.Source] = true

		if ws.CanSign() && !s.NoSign() && isPE(r.Source) {
			signed, err := p.windowsSigner.IsSigned(r.Source, ws)
			if err != nil {
				return nil, errors.Wrapf(err, "checking signature of %s", r.Source)
			}
			if !signed {
				if err := p.signWindows(ctx, s, r.Source); err != nil {
					return nil, err
				}
			}
		}

		out = append(out, nsisFile{Source: r.Source, Target: windowsPath(r.Target)})
	}
	return out, nil
}

// resourceDirs returns the distinct target directories, and every
// ancestor of them ordered deepest first for removal.
func resourceDirs(resources []nsisFile) ([]string, []string) {
	dirs := make(map[string]bool)
	ancestors := make(map[string]bool)
	for _, r := range resources {
		dir := windowsDir(r.Target)
		if dir == "" {
			continue
		}
		dirs[dir] = true
		for d := dir; d != ""; d = windowsDir(d) {
			ancestors[d] = true
		}
	}

	var dirList, ancestorList []string
	for d := range dirs {
		dirList = append(dirList, d)
	}
	for d := range ancestors {
		ancestorList = append(ancestorList, d)
	}
	sort.Strings(dirList)
	sort.Slice(ancestorList, func(i, j int) bool {
		di, dj := strings.Count(ancestorList[i], `\`), strings.Count(ancestorList[j], `\`)
		if di != dj {
			return di > dj
		}
		return ancestorList[i] < ancestorList[j]
	})
	return dirList, ancestorList
}

func windowsPath(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), "/", `\`)
}

func windowsDir(p string) string {
	i := strings.LastIndex(p, `\`)
	if i < 0 {
		return ""
	}
	return p[:i]
}

func isPE(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exe", ".dll":
		return true
	}
	return false
}

// manufacturer is the publisher, or the second segment of the bundle
// identifier.
func manufacturer(s *settings.Settings) string {
	if s.Publisher() != "" {
		return s.Publisher()
	}
	parts := strings.Split(s.Identifier(), ".")
	if len(parts) > 1 {
		return parts[1]
	}
	return s.Identifier()
}

// numericBuildVersion turns a semver into the four part version windows
// wants. Numeric build metadata becomes the fourth part, anything else
// becomes 0.
func numericBuildVersion(logger log.Logger, version string) (string, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", errors.Wrapf(err, "invalid app version %q", version)
	}

	build := "0"
	if meta := v.Metadata(); meta != "" {
		if _, err := strconv.ParseUint(meta, 10, 64); err == nil {
			build = meta
		} else {
			level.Warn(logger).Log(
				"msg", "version build metadata is not numeric, using 0",
				"build", meta,
			)
		}
	}
	return fmt.Sprintf("%d.%d.%d.%s", v.Major(), v.Minor(), v.Patch(), build), nil
}

func makensisVerbosity(l settings.LogLevel) string {
	switch l {
	case settings.LogError:
		return "-V1"
	case settings.LogWarn:
		return "-V2"
	case settings.LogInfo:
		return "-V3"
	}
	return "-V4"
}

// systemNsisDir is where the installed NSIS keeps its Plugins.
func (p *nsisPackager) systemNsisDir() string {
	if dir := p.getenv("NSIS_PATH"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		return `C:\Program Files (x86)\NSIS`
	}
	return "/usr/share/nsis"
}

func (p *nsisPackager) makensisPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.systemNsisDir(), "makensis.exe")
	}
	return "makensis"
}

// nsisEscape quotes a value for use inside an NSIS string literal.
func nsisEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '"':
			b.WriteString(`$\"`)
		case '$':
			b.WriteString("$$")
		case '`':
			b.WriteString("$\\`")
		case '\n':
			b.WriteString(`$\n`)
		case '\t':
			b.WriteString(`$\t`)
		case '\r':
			b.WriteString(`$\r`)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func renderNsisScript(s *settings.Settings, data nsisData) ([]byte, error) {
	var (
		tmplBytes []byte
		err       error
	)
	if custom := s.Windows().Nsis; custom != nil && custom.Template != "" {
		tmplBytes, err = os.ReadFile(custom.Template)
		if err != nil {
			return nil, bundleerr.Fs("read", custom.Template, err)
		}
	} else {
		tmplBytes, err = internal.InstallerNSI()
		if err != nil {
			return nil, err
		}
	}

	tmpl, err := template.New("installer.nsi").
		Funcs(template.FuncMap{"esc": nsisEscape}).
		Parse(string(tmplBytes))
	if err != nil {
		return nil, errors.Wrap(err, "parsing installer.nsi template")
	}

	out := new(bytes.Buffer)
	if err := tmpl.Execute(out, data); err != nil {
		return nil, errors.Wrap(err, "executing installer.nsi template")
	}
	return out.Bytes(), nil
}

// writeUTF8WithBOM writes content with a single leading byte order
// mark. makensis needs it to read the script as UTF-8.
func writeUTF8WithBOM(path string, content []byte) error {
	encoded, err := unicode.UTF8BOM.NewEncoder().Bytes(bytes.TrimPrefix(content, utf8BOM))
	if err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	return bundleerr.Fs("write", path, os.WriteFile(path, encoded, 0644))
}

// quoteArgs renders argv the way !uninstfinalize expects a command.
func quoteArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
	}
	return strings.Join(quoted, " ")
}
