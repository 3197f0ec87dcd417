package packagekit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kolide/bundler/pkg/settings"
	"github.com/stretchr/testify/require"
)

func TestBundleIOS(t *testing.T) {
	t.Parallel()

	const iosTriple = "aarch64-apple-ios"

	proj := newTestProject(t, iosTriple)
	s := proj.settings(t, iosTriple, func(b *settings.BundleSettings) {
		b.IOS.MinimumSystemVersion = "13.0"
	})

	p := &iosPackager{newPackagerOptions(nil)}
	bundles, err := p.Package(context.Background(), s, nil)
	require.NoError(t, err)

	app := filepath.Join(proj.outDir, "bundle", "ios", "Example.app")
	require.Equal(t, []Bundle{{PackageType: settings.IosBundle, BundlePaths: []string{app}}}, bundles)

	for _, f := range []string{"app", "helper", "32x32.png", "128x128.png", "assets/readme.txt"} {
		require.FileExists(t, filepath.Join(app, filepath.FromSlash(f)))
	}
	require.NoFileExists(t, filepath.Join(app, "icon.icns"))

	info := readPlist(t, filepath.Join(app, "Info.plist"))
	require.Equal(t, "app", info["CFBundleExecutable"])
	require.Equal(t, "13.0", info["MinimumOSVersion"])
	require.Equal(t, true, info["LSRequiresIPhoneOS"])
	require.Equal(t, []interface{}{"32x32.png", "128x128.png"}, info["CFBundleIconFiles"])
}
