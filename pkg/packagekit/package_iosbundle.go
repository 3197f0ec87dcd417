package packagekit

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"howett.net/plist"
)

// iosPackager lays out a flat iOS .app: binaries, resources, png icons
// and Info.plist all at the bundle root. Signing and provisioning are
// left to Xcode.
type iosPackager struct {
	*packagerOptions
}

func (p *iosPackager) PackageType() settings.PackageType { return settings.IosBundle }

func (p *iosPackager) HostSupported(goos string) bool { return goos == "darwin" }

func (p *iosPackager) Package(ctx context.Context, s *settings.Settings, _ []Bundle) ([]Bundle, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageIOS")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	appPath := filepath.Join(s.BundleDir("ios"), s.ProductName()+".app")
	level.Info(logger).Log("msg", "bundling", "app", appPath)

	if err := resetDir(appPath); err != nil {
		return nil, err
	}

	var icons []string
	for _, icon := range s.Icons() {
		if !strings.EqualFold(filepath.Ext(icon), ".png") {
			continue
		}
		name := filepath.Base(icon)
		if err := copyFile(icon, filepath.Join(appPath, name)); err != nil {
			return nil, errors.Wrap(err, "copying icon")
		}
		icons = append(icons, name)
	}

	if err := copyResources(s.Resources(), appPath); err != nil {
		return nil, errors.Wrap(err, "copying resources")
	}

	for _, bin := range s.Binaries() {
		if err := copyExecutable(bin.Path, filepath.Join(appPath, bin.Name)); err != nil {
			return nil, errors.Wrapf(err, "copying binary %s", bin.Name)
		}
	}

	info := map[string]interface{}{
		"CFBundleDevelopmentRegion":     "en_US",
		"CFBundleDisplayName":           s.ProductName(),
		"CFBundleExecutable":            s.MainBinaryName(),
		"CFBundleIdentifier":            s.Identifier(),
		"CFBundleInfoDictionaryVersion": "6.0",
		"CFBundleName":                  s.ProductName(),
		"CFBundlePackageType":           "APPL",
		"CFBundleShortVersionString":    s.Version(),
		"CFBundleVersion":               s.Version(),
		"LSRequiresIPhoneOS":            true,
		"UIRequiredDeviceCapabilities":  []string{"arm64"},
	}
	if len(icons) > 0 {
		info["CFBundleIconFiles"] = icons
	}
	if v := s.IOS().MinimumSystemVersion; v != "" {
		info["MinimumOSVersion"] = v
	}

	out, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return nil, errors.Wrap(err, "marshalling Info.plist")
	}
	infoPath := filepath.Join(appPath, "Info.plist")
	if err := os.WriteFile(infoPath, out, 0644); err != nil {
		return nil, bundleerr.Fs("write", infoPath, err)
	}

	return []Bundle{{PackageType: settings.IosBundle, BundlePaths: []string{appPath}}}, nil
}
