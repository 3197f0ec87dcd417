package packagekit

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/internal"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	rpmutils "github.com/sassoftware/go-rpmutils"
	"go.opencensus.io/trace"
)

// Container side mounts used when fpm runs in docker.
const (
	fpmDockerSrc     = "/pkgsrc"
	fpmDockerScripts = "/pkgscripts"
	fpmDockerOut     = "/out"
)

// fpmPackager builds deb and rpm packages with fpm, either from PATH or
// from a docker image.
type fpmPackager struct {
	*packagerOptions
	pt settings.PackageType
}

func (p *fpmPackager) PackageType() settings.PackageType { return p.pt }

func (p *fpmPackager) HostSupported(goos string) bool {
	return goos == "linux" || p.fpmDocker != ""
}

func (p *fpmPackager) Package(ctx context.Context, s *settings.Settings, _ []Bundle) ([]Bundle, error) {
	path, err := p.bundleFPM(ctx, s)
	if err != nil {
		return nil, err
	}
	return []Bundle{{PackageType: p.pt, BundlePaths: []string{path}}}, nil
}

// fpmOptions is the per package type view of the linux settings.
type fpmOptions struct {
	outputType      string // fpm -t
	arch            string
	version         string
	release         string
	depends         []string
	provides        []string
	conflicts       []string
	replaces        []string
	files           map[string]string
	desktopTemplate string
	scripts         map[string]string // fpm flag -> script path
	extraArgs       []string
}

func fpmArch(pt settings.PackageType, arch settings.Arch) (string, error) {
	deb := map[settings.Arch]string{
		settings.X86_64:  "amd64",
		settings.X86:     "i386",
		settings.AArch64: "arm64",
		settings.Armhf:   "armhf",
		settings.Armel:   "armel",
		settings.Riscv64: "riscv64",
	}
	rpm := map[settings.Arch]string{
		settings.X86_64:  "x86_64",
		settings.X86:     "i386",
		settings.AArch64: "aarch64",
		settings.Armhf:   "armhfp",
		settings.Armel:   "armel",
		settings.Riscv64: "riscv64",
	}

	names := deb
	if pt == settings.Rpm {
		names = rpm
	}
	if name, ok := names[arch]; ok {
		return name, nil
	}
	return "", errors.Errorf("unsupported architecture for %s: %s", pt.ShortName(), arch)
}

func newFPMOptions(s *settings.Settings, pt settings.PackageType) (fpmOptions, error) {
	arch, err := fpmArch(pt, s.Target().Arch)
	if err != nil {
		return fpmOptions{}, err
	}

	switch pt {
	case settings.Deb:
		deb := s.Deb()
		f := fpmOptions{
			outputType:      "deb",
			arch:            arch,
			version:         s.Version(),
			depends:         deb.Depends,
			provides:        deb.Provides,
			conflicts:       deb.Conflicts,
			replaces:        deb.Replaces,
			files:           deb.Files,
			desktopTemplate: deb.DesktopTemplate,
			scripts: map[string]string{
				"--before-install": deb.PreInstall,
				"--after-install":  deb.PostInstall,
				"--before-remove":  deb.PreRemove,
				"--after-remove":   deb.PostRemove,
			},
		}
		if deb.Section != "" {
			f.extraArgs = append(f.extraArgs, "--category", deb.Section)
		}
		if deb.Priority != "" {
			f.extraArgs = append(f.extraArgs, "--deb-priority", deb.Priority)
		}
		if deb.Changelog != "" {
			f.extraArgs = append(f.extraArgs, "--deb-changelog", deb.Changelog)
		}
		for _, r := range deb.Recommends {
			f.extraArgs = append(f.extraArgs, "--deb-recommends", r)
		}
		return f, nil

	case settings.Rpm:
		rpm := s.Rpm()
		release := rpm.Release
		if release == "" {
			release = "1"
		}
		f := fpmOptions{
			outputType: "rpm",
			arch:       arch,
			// rpm versions can't carry dashes, a tilde sorts the same way
			version:         strings.ReplaceAll(s.Version(), "-", "~"),
			release:         release,
			depends:         rpm.Depends,
			provides:        rpm.Provides,
			conflicts:       rpm.Conflicts,
			replaces:        rpm.Obsoletes,
			files:           rpm.Files,
			desktopTemplate: rpm.DesktopTemplate,
			scripts: map[string]string{
				"--before-install": rpm.PreInstall,
				"--after-install":  rpm.PostInstall,
				"--before-remove":  rpm.PreRemove,
				"--after-remove":   rpm.PostRemove,
			},
		}
		f.extraArgs = append(f.extraArgs, "--iteration", release)
		if rpm.Epoch != 0 {
			f.extraArgs = append(f.extraArgs, "--epoch", strconv.Itoa(rpm.Epoch))
		}
		for _, r := range rpm.Recommends {
			f.extraArgs = append(f.extraArgs, "--rpm-tag", "Recommends: "+r)
		}
		return f, nil
	}

	return fpmOptions{}, errors.Errorf("fpm can't build %s", pt)
}

// outputName is the package file name, eg app_1.0.0_amd64.deb or
// app-1.0.0-1.x86_64.rpm.
func (f fpmOptions) outputName(name string) string {
	if f.outputType == "rpm" {
		return fmt.Sprintf("%s-%s-%s.%s.rpm", name, f.version, f.release, f.arch)
	}
	return fmt.Sprintf("%s_%s_%s.deb", name, f.version, f.arch)
}

func (p *fpmPackager) bundleFPM(ctx context.Context, s *settings.Settings) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageFPM")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	f, err := newFPMOptions(s, p.pt)
	if err != nil {
		return "", err
	}

	name := linuxPackageName(s)
	outputName := f.outputName(name)
	level.Info(logger).Log("msg", "building linux package", "type", f.outputType, "package", outputName)

	workDir := filepath.Join(s.OutDir(), f.outputType, strings.TrimSuffix(outputName, "."+f.outputType))
	if err := resetDir(workDir); err != nil {
		return "", err
	}
	dataDir := filepath.Join(workDir, "data")
	scriptsDir := filepath.Join(workDir, "scripts")
	outDir := s.BundleDir(f.outputType)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", bundleerr.Fs("create dir", outDir, err)
	}

	if _, err := stageLinuxRoot(s, dataDir, name, f.desktopTemplate); err != nil {
		return "", err
	}
	if err := copyCustomFiles(f.files, dataDir); err != nil {
		return "", errors.Wrap(err, "copying custom files")
	}

	srcRoot, scriptsRoot, outRoot := dataDir, scriptsDir, outDir
	if p.fpmDocker != "" {
		srcRoot, scriptsRoot, outRoot = fpmDockerSrc, fpmDockerScripts, fpmDockerOut
	}

	args := []string{
		"-s", "dir",
		"-t", f.outputType,
		"-n", name,
		"-v", f.version,
		"-a", f.arch,
		"-p", filepath.ToSlash(filepath.Join(outRoot, outputName)),
		"-C", srcRoot,
		"--force",
	}
	if desc := s.ShortDescription(); desc != "" {
		args = append(args, "--description", desc)
	}
	if s.Homepage() != "" {
		args = append(args, "--url", s.Homepage())
	}
	if authors := s.Authors(); len(authors) > 0 {
		args = append(args, "--maintainer", strings.Join(authors, ", "))
	}
	if s.Publisher() != "" {
		args = append(args, "--vendor", s.Publisher())
	}
	for _, rel := range []struct {
		flag   string
		values []string
	}{
		{"--depends", f.depends},
		{"--provides", f.provides},
		{"--conflicts", f.conflicts},
		{"--replaces", f.replaces},
	} {
		for _, v := range rel.values {
			args = append(args, rel.flag, v)
		}
	}
	args = append(args, f.extraArgs...)

	for _, flag := range []string{"--before-install", "--after-install", "--before-remove", "--after-remove"} {
		src := f.scripts[flag]
		if src == "" {
			continue
		}
		dst := filepath.Join(scriptsDir, strings.TrimPrefix(flag, "--"))
		if err := copyExecutable(src, dst); err != nil {
			return "", errors.Wrapf(err, "copying %s script", flag)
		}
		args = append(args, flag, filepath.ToSlash(filepath.Join(scriptsRoot, filepath.Base(dst))))
	}

	args = append(args, ".")

	argv0 := "fpm"
	if p.fpmDocker != "" {
		if err := os.MkdirAll(scriptsDir, 0755); err != nil {
			return "", bundleerr.Fs("create dir", scriptsDir, err)
		}
		argv0 = "docker"
		args = append([]string{
			"run", "--rm",
			"-v", fmt.Sprintf("%s:%s", dataDir, fpmDockerSrc),
			"-v", fmt.Sprintf("%s:%s", scriptsDir, fpmDockerScripts),
			"-v", fmt.Sprintf("%s:%s", outDir, fpmDockerOut),
			p.fpmDocker,
			"fpm",
		}, args...)
	}

	if _, err := p.execOut(ctx, execOpts{dir: workDir}, argv0, args...); err != nil {
		return "", errors.Wrapf(err, "creating %s package", f.outputType)
	}

	pkgPath := filepath.Join(outDir, outputName)
	if !exists(pkgPath) {
		return "", errors.Errorf("fpm did not produce %s", pkgPath)
	}

	if f.outputType == "rpm" {
		if err := verifyRPM(pkgPath, name, f.version); err != nil {
			return "", err
		}
	}

	return pkgPath, nil
}

// stageLinuxRoot lays out the usr tree shared by deb, rpm and the
// AppImage AppDir: binaries, resources, the desktop entry and icons.
// It returns the largest square icon installed.
func stageLinuxRoot(s *settings.Settings, root, name, desktopTemplate string) (string, error) {
	binDir := filepath.Join(root, "usr", "bin")

	for _, b := range s.Binaries() {
		if err := copyExecutable(b.Path, filepath.Join(binDir, b.Name)); err != nil {
			return "", err
		}
	}
	for _, f := range bundledBinaries(s) {
		if isBinary(s, f.Source) {
			continue
		}
		if err := copyExecutable(f.Source, filepath.Join(binDir, f.Target)); err != nil {
			return "", err
		}
	}

	if err := copyResources(s.Resources(), filepath.Join(root, "usr", "lib", name)); err != nil {
		return "", err
	}

	if err := writeDesktopEntry(s, root, name, desktopTemplate); err != nil {
		return "", err
	}

	return copyLinuxIcons(s, root, name)
}

func isBinary(s *settings.Settings, path string) bool {
	for _, b := range s.Binaries() {
		if b.Path == path {
			return true
		}
	}
	return false
}

// desktopEntry is handed to the .desktop template.
type desktopEntry struct {
	Categories string
	Comment    string
	Exec       string
	Icon       string
	Name       string
}

func writeDesktopEntry(s *settings.Settings, root, name, customTemplate string) error {
	var (
		tmplBytes []byte
		err       error
	)
	if customTemplate != "" {
		tmplBytes, err = os.ReadFile(customTemplate)
		if err != nil {
			return bundleerr.Fs("read", customTemplate, err)
		}
	} else {
		tmplBytes, err = internal.DesktopEntry()
		if err != nil {
			return err
		}
	}

	tmpl, err := template.New("desktop").Parse(string(tmplBytes))
	if err != nil {
		return errors.Wrap(err, "parsing desktop template")
	}

	entry := desktopEntry{
		Categories: freedesktopCategory(s.Category()),
		Comment:    s.ShortDescription(),
		Exec:       s.MainBinaryName(),
		Icon:       name,
		Name:       s.ProductName(),
	}

	out := new(bytes.Buffer)
	if err := tmpl.Execute(out, entry); err != nil {
		return errors.Wrap(err, "executing desktop template")
	}

	path := filepath.Join(root, "usr", "share", "applications", name+".desktop")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return bundleerr.Fs("create dir", filepath.Dir(path), err)
	}
	return bundleerr.Fs("write", path, os.WriteFile(path, out.Bytes(), 0644))
}

// copyLinuxIcons installs the png icons into the hicolor theme, keyed
// by their pixel size. It returns the largest square one.
func copyLinuxIcons(s *settings.Settings, root, name string) (string, error) {
	var largest string
	largestSize := 0
	for _, icon := range s.Icons() {
		if !strings.EqualFold(filepath.Ext(icon), ".png") {
			continue
		}
		fh, err := os.Open(icon)
		if err != nil {
			return "", bundleerr.Fs("open", icon, err)
		}
		cfg, _, err := image.DecodeConfig(fh)
		fh.Close()
		if err != nil {
			return "", errors.Wrapf(err, "reading icon %s", icon)
		}

		dst := filepath.Join(root, "usr", "share", "icons", "hicolor",
			fmt.Sprintf("%dx%d", cfg.Width, cfg.Height), "apps", name+".png")
		if err := copyFile(icon, dst); err != nil {
			return "", err
		}
		if cfg.Width == cfg.Height && cfg.Width > largestSize {
			largest, largestSize = dst, cfg.Width
		}
	}
	return largest, nil
}

// linuxPackageName is the lowercase, dash separated main binary name.
func linuxPackageName(s *settings.Settings) string {
	name := strings.ToLower(s.MainBinaryName())
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '+':
			return r
		}
		return '-'
	}, name)
}

// freedesktopCategory maps an app category to the desktop entry
// Categories value.
func freedesktopCategory(category string) string {
	switch strings.ToLower(strings.ReplaceAll(category, " ", "")) {
	case "developertool", "developer":
		return "Development;"
	case "education":
		return "Education;"
	case "game", "games":
		return "Game;"
	case "graphicsanddesign", "photography":
		return "Graphics;"
	case "music", "video", "audio":
		return "AudioVideo;"
	case "business", "productivity", "finance":
		return "Office;"
	case "socialnetworking":
		return "Network;"
	case "utility", "":
		return "Utility;"
	}
	return "Utility;"
}

// verifyRPM reads back the package header and checks it names what we
// asked fpm to build.
func verifyRPM(path, name, version string) error {
	fh, err := os.Open(path)
	if err != nil {
		return bundleerr.Fs("open", path, err)
	}
	defer fh.Close()

	hdr, err := rpmutils.ReadHeader(fh)
	if err != nil {
		return errors.Wrapf(err, "verifying rpm %s", path)
	}
	nevra, err := hdr.GetNEVRA()
	if err != nil {
		return errors.Wrapf(err, "verifying rpm %s", path)
	}
	if nevra.Name != name || nevra.Version != version {
		return errors.Errorf("verifying rpm %s: built %s-%s, expected %s-%s", path, nevra.Name, nevra.Version, name, version)
	}
	return nil
}
