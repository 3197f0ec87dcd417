package packagekit

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/semver"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/internal"
	"github.com/kolide/bundler/pkg/packagekit/wix"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Windows Installer language ids for the cultures we render.
var msiLanguageIDs = map[string]int{
	"en-US": 1033,
	"en-GB": 2057,
	"de-DE": 1031,
	"es-ES": 3082,
	"fr-FR": 1036,
	"it-IT": 1040,
	"ja-JP": 1041,
	"ko-KR": 1042,
	"nl-NL": 1043,
	"pl-PL": 1045,
	"pt-BR": 1046,
	"ru-RU": 1049,
	"sv-SE": 1053,
	"tr-TR": 1055,
	"zh-CN": 2052,
	"zh-TW": 1028,
}

type msiPackager struct {
	*packagerOptions
}

func (p *msiPackager) PackageType() settings.PackageType { return settings.WindowsMsi }

// HostSupported is true on windows, or anywhere when the wix tools run
// under wine in docker.
func (p *msiPackager) HostSupported(goos string) bool {
	return goos == "windows" || p.wixDocker != ""
}

func (p *msiPackager) Package(ctx context.Context, s *settings.Settings, _ []Bundle) ([]Bundle, error) {
	msi, err := p.bundleMsi(ctx, s)
	if err != nil {
		return nil, err
	}
	return []Bundle{{PackageType: settings.WindowsMsi, BundlePaths: []string{msi}}}, nil
}

type wxsData struct {
	ProductName        string
	Manufacturer       string
	Description        string
	Homepage           string
	Version            string
	ProductCode        string
	UpgradeCode        string
	LanguageID         int
	MainBinaryName     string
	ProgramFilesFolder string
	AllowDowngrades    bool
	Icon               string
	BannerPath         string
	DialogImagePath    string
}

func msiArch(a settings.Arch) (string, error) {
	switch a {
	case settings.X86_64:
		return "x64", nil
	case settings.X86:
		return "x86", nil
	case settings.AArch64:
		return "arm64", nil
	}
	return "", errors.Errorf("unsupported architecture for msi: %s", a)
}

func (p *msiPackager) bundleMsi(ctx context.Context, s *settings.Settings) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageMsi")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	arch, err := msiArch(s.Target().Arch)
	if err != nil {
		return "", err
	}

	ws := s.Windows()
	var wixSettings settings.WixSettings
	if ws.Wix != nil {
		wixSettings = *ws.Wix
	}

	appVersion := s.Version()
	if wixSettings.Version != "" {
		appVersion = wixSettings.Version
	}
	version, err := msiVersion(appVersion)
	if err != nil {
		return "", err
	}

	lang := wixSettings.Language
	if lang == "" {
		lang = "en-US"
	}
	langID, ok := msiLanguageIDs[lang]
	if !ok {
		return "", errors.Errorf("unsupported wix language %q", lang)
	}

	level.Info(logger).Log("msg", "building msi", "arch", arch, "language", lang)

	workDir := filepath.Join(s.OutDir(), "msi", arch)
	if err := resetDir(workDir); err != nil {
		return "", err
	}
	sourceDir := filepath.Join(workDir, "source")

	if err := p.stageMsiFiles(ctx, s, sourceDir); err != nil {
		return "", err
	}

	upgradeCode := wixSettings.UpgradeCode
	if upgradeCode == "" {
		upgradeCode = strings.ToUpper(uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.ProductName()+".exe.app.x64")).String())
	}

	data := wxsData{
		ProductName:        s.ProductName(),
		Manufacturer:       manufacturer(s),
		Description:        s.ShortDescription(),
		Homepage:           s.Homepage(),
		Version:            version,
		ProductCode:        generateMicrosoftProductCode(s.Identifier(), version, arch),
		UpgradeCode:        upgradeCode,
		LanguageID:         langID,
		MainBinaryName:     strings.TrimSuffix(s.MainBinaryName(), ".exe"),
		ProgramFilesFolder: "ProgramFiles64Folder",
		AllowDowngrades:    ws.AllowDowngrades,
	}
	if arch == "x86" {
		data.ProgramFilesFolder = "ProgramFilesFolder"
	}
	for _, icon := range s.Icons() {
		if strings.EqualFold(filepath.Ext(icon), ".ico") {
			data.Icon = icon
			break
		}
	}
	for dst, src := range map[*string]string{
		&data.BannerPath:      wixSettings.BannerPath,
		&data.DialogImagePath: wixSettings.DialogImagePath,
	} {
		if src == "" {
			continue
		}
		abs, err := filepath.Abs(src)
		if err != nil {
			return "", errors.Wrapf(err, "resolving %s", src)
		}
		*dst = abs
	}

	wxs, err := renderWxs(wixSettings.Template, data)
	if err != nil {
		return "", err
	}

	wixOpts := []wix.Opt{
		wix.WithArch(arch),
		wix.WithBuildDir(filepath.Join(workDir, "build")),
		wix.WithCulture(lang),
		wix.WithVariable("ProductVersion", version),
		wix.WithExecCC(p.execCC),
	}
	if dir := p.wixDir(); dir != "" {
		wixOpts = append(wixOpts, wix.WithWix(dir))
	}
	if p.wixDocker != "" {
		// wine can't validate
		wixOpts = append(wixOpts, wix.WithDocker(p.wixDocker), wix.SkipValidation())
	}
	for _, fragment := range wixSettings.FragmentPaths {
		abs, err := filepath.Abs(fragment)
		if err != nil {
			return "", errors.Wrapf(err, "resolving %s", fragment)
		}
		wixOpts = append(wixOpts, wix.WithFragments(abs))
	}

	wixTool, err := wix.New(sourceDir, wxs, wixOpts...)
	if err != nil {
		return "", errors.Wrap(err, "setting up wix")
	}
	defer wixTool.Cleanup()

	built, err := wixTool.Package(ctx)
	if err != nil {
		return "", errors.Wrap(err, "building msi")
	}

	msi := filepath.Join(
		s.BundleDir("msi"),
		fmt.Sprintf("%s_%s_%s_%s.msi", s.ProductName(), s.Version(), arch, lang),
	)
	if err := copyFile(built, msi); err != nil {
		return "", err
	}

	if ws.CanSign() {
		if err := p.signWindows(ctx, s, msi); err != nil {
			return "", err
		}
	}

	return msi, nil
}

// stageMsiFiles lays out the install dir for heat to harvest. Staged
// sidecars and extra binaries are signed when signing is configured.
func (p *msiPackager) stageMsiFiles(ctx context.Context, s *settings.Settings, sourceDir string) error {
	target := s.Target()
	mainBin := s.MainBinary()
	if err := copyFile(mainBin.Path, filepath.Join(sourceDir, target.PlatformBinaryName(mainBin.Name))); err != nil {
		return err
	}

	var staged []string
	for _, f := range bundledBinaries(s) {
		dst := filepath.Join(sourceDir, f.Target)
		if err := copyFile(f.Source, dst); err != nil {
			return err
		}
		staged = append(staged, dst)
	}

	if err := copyResources(s.Resources(), sourceDir); err != nil {
		return err
	}

	ws := s.Windows()
	if !ws.CanSign() || s.NoSign() {
		return nil
	}
	for _, path := range staged {
		if !isPE(path) {
			continue
		}
		signed, err := p.windowsSigner.IsSigned(path, ws)
		if err != nil {
			return errors.Wrapf(err, "checking signature of %s", path)
		}
		if signed {
			continue
		}
		if err := p.signWindows(ctx, s, path); err != nil {
			return err
		}
	}
	return nil
}

// wixDir is where candle and light live. An empty result leaves the
// wix package default.
func (p *msiPackager) wixDir() string {
	if p.wixPath != "" {
		return p.wixPath
	}
	if dir := p.getenv("WIX"); dir != "" {
		return filepath.Join(dir, "bin")
	}
	return ""
}

// msiVersion converts a semver into the version windows installer
// accepts: major and minor up to 255, patch and the optional fourth
// field up to 65535. A numeric pre-release or build becomes the fourth
// field.
func msiVersion(version string) (string, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", errors.Wrapf(err, "invalid app version %q", version)
	}

	if v.Major() > 255 {
		return "", errors.New("app version major number cannot be greater than 255")
	}
	if v.Minor() > 255 {
		return "", errors.New("app version minor number cannot be greater than 255")
	}
	if v.Patch() > 65535 {
		return "", errors.New("app version patch number cannot be greater than 65535")
	}

	base := fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())

	for _, field := range []struct {
		name, value string
	}{
		{"pre-release identifier", v.Prerelease()},
		{"build number", v.Metadata()},
	} {
		if field.value == "" {
			continue
		}
		n, err := strconv.ParseUint(field.value, 10, 64)
		if err != nil || n > 65535 {
			return "", errors.Errorf("optional %s in app version must be numeric-only and cannot be greater than 65535 for msi target", field.name)
		}
		return base + "." + field.value, nil
	}

	return base, nil
}

func renderWxs(customTemplate string, data wxsData) ([]byte, error) {
	var (
		tmplBytes []byte
		err       error
	)
	if customTemplate != "" {
		tmplBytes, err = os.ReadFile(customTemplate)
		if err != nil {
			return nil, bundleerr.Fs("read", customTemplate, err)
		}
	} else {
		tmplBytes, err = internal.MainWXS()
		if err != nil {
			return nil, err
		}
	}

	tmpl, err := template.New("main.wxs").
		Funcs(template.FuncMap{"xml": xmlEscape}).
		Parse(string(tmplBytes))
	if err != nil {
		return nil, errors.Wrap(err, "not able to parse main.wxs template")
	}

	out := new(bytes.Buffer)
	if err := tmpl.Execute(out, data); err != nil {
		return nil, errors.Wrap(err, "executing main.wxs template")
	}
	return out.Bytes(), nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// generateMicrosoftProductCode is a stable guid that is used to
// identify the product / sub product / package / version, and
// whatnot. We need to either store them, or generate them in a
// predictable fasion based on a set of inputs. See
// https://docs.microsoft.com/en-us/windows/desktop/Msi/productcode
func generateMicrosoftProductCode(ident1 string, identN ...string) string {
	h := md5.New()
	io.WriteString(h, ident1)
	for _, s := range identN {
		io.WriteString(h, s)
	}

	hash := h.Sum(nil)

	return fmt.Sprintf("%X-%X-%X-%X-%X", hash[0:4], hash[4:6], hash[6:8], hash[8:10], hash[10:16])
}
