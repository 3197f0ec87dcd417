package packagekit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/bundler/pkg/toolcache"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const (
	appRunURL            = "https://github.com/tauri-apps/binary-releases/releases/download/apprun-old/AppRun-%s"
	linuxdeployURL       = "https://github.com/tauri-apps/binary-releases/releases/download/linuxdeploy/linuxdeploy-%s.AppImage"
	linuxdeployGtkURL    = "https://raw.githubusercontent.com/tauri-apps/linuxdeploy-plugin-gtk/master/linuxdeploy-plugin-gtk.sh"
	linuxdeployGstURL    = "https://raw.githubusercontent.com/tauri-apps/linuxdeploy-plugin-gstreamer/master/linuxdeploy-plugin-gstreamer.sh"
	linuxdeployOutputURL = "https://github.com/linuxdeploy/linuxdeploy-plugin-appimage/releases/download/continuous/linuxdeploy-plugin-appimage-%s.AppImage"
)

type appImagePackager struct {
	*packagerOptions
}

func (p *appImagePackager) PackageType() settings.PackageType { return settings.AppImage }

func (p *appImagePackager) HostSupported(goos string) bool { return goos == "linux" }

func (p *appImagePackager) Package(ctx context.Context, s *settings.Settings, _ []Bundle) ([]Bundle, error) {
	path, err := p.bundleAppImage(ctx, s)
	if err != nil {
		return nil, err
	}
	return []Bundle{{PackageType: settings.AppImage, BundlePaths: []string{path}}}, nil
}

// appImageArch returns the arch used in the file name, and the one the
// tools are published under.
func appImageArch(t settings.Target) (string, string, error) {
	toolsArch := strings.SplitN(t.Triple, "-", 2)[0]
	switch t.Arch {
	case settings.X86_64:
		return "amd64", toolsArch, nil
	case settings.X86:
		return "i386", toolsArch, nil
	case settings.AArch64:
		return "aarch64", toolsArch, nil
	case settings.Armhf:
		return "armhf", "armhf", nil
	}
	return "", "", errors.Errorf("unsupported architecture for appimage: %s", t.Arch)
}

func (p *appImagePackager) bundleAppImage(ctx context.Context, s *settings.Settings) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageAppImage")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	arch, toolsArch, err := appImageArch(s.Target())
	if err != nil {
		return "", err
	}

	outputDir := s.BundleDir("appimage")
	if err := resetDir(outputDir); err != nil {
		return "", err
	}

	tools, err := p.toolCache(s)
	if err != nil {
		return "", err
	}
	appRun, linuxdeploy, err := p.prepareTools(ctx, tools, toolsArch, s.LogLevel() != settings.LogError)
	if err != nil {
		return "", err
	}

	name := linuxPackageName(s)
	appDir := filepath.Join(outputDir, s.ProductName()+".AppDir")
	appImage := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%s.AppImage", s.ProductName(), s.Version(), arch))

	level.Info(logger).Log("msg", "bundling appimage", "path", appImage)

	icon, err := stageLinuxRoot(s, appDir, name, "")
	if err != nil {
		return "", errors.Wrap(err, "building AppDir")
	}
	if icon == "" {
		return "", errors.New("couldn't find a square png icon to use as the AppImage icon")
	}

	ai := s.AppImage()
	if err := copyCustomFiles(ai.Files, appDir); err != nil {
		return "", errors.Wrap(err, "copying custom files")
	}
	if err := os.MkdirAll(filepath.Join(appDir, "usr", "lib"), 0755); err != nil {
		return "", bundleerr.Fs("create dir", filepath.Join(appDir, "usr", "lib"), err)
	}

	xdgOpen := filepath.Join(appDir, "usr", "bin", "xdg-open")
	if ai.BundleXdgOpen && !exists(xdgOpen) {
		if err := copyExecutable("/usr/bin/xdg-open", xdgOpen); err != nil {
			return "", errors.Wrap(err, "xdg-open binary not found")
		}
	}

	if err := copyExecutable(appRun, filepath.Join(appDir, "AppRun")); err != nil {
		return "", err
	}
	topIcon := filepath.Join(appDir, name+".png")
	if err := copyFile(icon, topIcon); err != nil {
		return "", err
	}
	dirIcon := filepath.Join(appDir, ".DirIcon")
	if err := os.Symlink(topIcon, dirIcon); err != nil {
		return "", bundleerr.Fs("symlink", dirIcon, err)
	}
	desktopLink := filepath.Join(appDir, name+".desktop")
	desktopFile := filepath.Join(appDir, "usr", "share", "applications", name+".desktop")
	if err := os.Symlink(desktopFile, desktopLink); err != nil {
		return "", bundleerr.Fs("symlink", desktopLink, err)
	}

	args := []string{
		"--appimage-extract-and-run",
		"--verbosity", linuxdeployVerbosity(s.LogLevel()),
		"--appdir", appDir,
		"--plugin", "gtk",
	}
	if ai.BundleMediaFramework {
		args = append(args, "--plugin", "gstreamer")
	}
	args = append(args, "--output", "appimage")

	eo := execOpts{
		dir: outputDir,
		env: []string{
			"OUTPUT=" + appImage,
			"ARCH=" + toolsArch,
			"APPIMAGE_EXTRACT_AND_RUN=1",
			// linuxdeploy finds its plugins on PATH
			"PATH=" + tools.Dir() + string(os.PathListSeparator) + p.getenv("PATH"),
		},
	}
	if _, err := p.execOut(ctx, eo, linuxdeploy, args...); err != nil {
		return "", errors.Wrap(err, "running linuxdeploy")
	}

	if !exists(appImage) {
		return "", errors.Errorf("linuxdeploy did not produce %s", appImage)
	}
	return appImage, nil
}

// prepareTools fetches AppRun, linuxdeploy and its plugins into the
// tool cache. The output plugin is optional, linuxdeploy falls back to
// a built in one.
func (p *appImagePackager) prepareTools(ctx context.Context, tools *toolcache.Cache, arch string, verbose bool) (string, string, error) {
	logger := ctxlog.FromContext(ctx)

	appRun, err := tools.Fetch(ctx, toolcache.Tool{
		Name:       "AppRun-" + arch,
		URL:        fmt.Sprintf(appRunURL, arch),
		Executable: true,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "fetching AppRun")
	}

	linuxdeployArch := arch
	if arch == "i686" {
		linuxdeployArch = "i386"
	}
	linuxdeploy, err := tools.Fetch(ctx, toolcache.Tool{
		Name:       fmt.Sprintf("linuxdeploy-%s.AppImage", linuxdeployArch),
		URL:        fmt.Sprintf(linuxdeployURL, linuxdeployArch),
		Executable: true,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "fetching linuxdeploy")
	}

	for _, plugin := range []toolcache.Tool{
		{Name: "linuxdeploy-plugin-gtk.sh", URL: linuxdeployGtkURL, Executable: true},
		{Name: "linuxdeploy-plugin-gstreamer.sh", URL: linuxdeployGstURL, Executable: true},
	} {
		if _, err := tools.Fetch(ctx, plugin); err != nil {
			return "", "", errors.Wrapf(err, "fetching %s", plugin.Name)
		}
	}

	if _, err := tools.Fetch(ctx, toolcache.Tool{
		Name:       "linuxdeploy-plugin-appimage.AppImage",
		URL:        fmt.Sprintf(linuxdeployOutputURL, arch),
		Executable: true,
	}); err != nil {
		level.Error(logger).Log("msg", "download of AppImage plugin failed, using the built in version")
		if verbose {
			level.Debug(logger).Log("msg", "appimage plugin download", "err", err)
		}
	}

	if err := toolcache.ZeroAppImageMagic(linuxdeploy); err != nil {
		return "", "", errors.Wrap(err, "preparing linuxdeploy")
	}

	return appRun, linuxdeploy, nil
}

func linuxdeployVerbosity(l settings.LogLevel) string {
	switch l {
	case settings.LogError:
		return "3"
	case settings.LogWarn:
		return "2"
	case settings.LogInfo:
		return "1"
	}
	return "0"
}
