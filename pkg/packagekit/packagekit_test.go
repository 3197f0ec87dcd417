package packagekit

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kolide/bundler/pkg/packagekit/packagekittest"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/bundler/pkg/toolcache"
	"github.com/stretchr/testify/require"
)

func TestHelperProcess(t *testing.T) { packagekittest.RunHelperProcess() }

// testProject is an on disk app: a built binary, a sidecar, two png
// icons and a resources dir.
type testProject struct {
	dir    string
	outDir string
}

func newTestProject(t *testing.T, triple string) testProject {
	target, err := settings.ParseTarget(triple)
	require.NoError(t, err)

	p := testProject{dir: t.TempDir()}
	p.outDir = filepath.Join(p.dir, "target", "release")

	writeTestFile(t, filepath.Join(p.outDir, target.PlatformBinaryName("app")), "main binary")
	writeTestFile(t, filepath.Join(p.outDir, target.PlatformBinaryName("helper")), "helper binary")
	writeTestFile(t, filepath.Join(p.dir, "bin", target.PlatformBinaryName("sidecar-"+triple)), "sidecar")
	writeTestFile(t, filepath.Join(p.dir, "assets", "readme.txt"), "read me")
	writeTestFile(t, filepath.Join(p.dir, "assets", "nested", "data.json"), "{}")
	writeTestPNG(t, filepath.Join(p.dir, "icons", "32x32.png"), 32, 32)
	writeTestPNG(t, filepath.Join(p.dir, "icons", "128x128.png"), 128, 128)
	writeTestFile(t, filepath.Join(p.dir, "icons", "icon.ico"), "ico")
	writeTestFile(t, filepath.Join(p.dir, "icons", "icon.icns"), "icns")

	return p
}

// settings builds settings for the project. configure may adjust the
// bundle settings before Build.
func (p testProject) settings(t *testing.T, triple string, configure func(*settings.BundleSettings)) *settings.Settings {
	bundle := settings.BundleSettings{
		Identifier:       "com.acme.example",
		Copyright:        `Copyright "Acme" $1`,
		Category:         "DeveloperTool",
		ShortDescription: "An example app",
		Icons:            []string{"icons/32x32.png", "icons/128x128.png", "icons/icon.ico", "icons/icon.icns"},
		Resources:        []string{"assets"},
		ExternalBin:      []string{"bin/sidecar"},
	}
	if configure != nil {
		configure(&bundle)
	}

	s, err := settings.NewBuilder().
		Package(settings.PackageSettings{
			ProductName: "Example",
			Version:     "1.2.3",
			Homepage:    "https://example.com",
			Authors:     []string{"Jane Doe"},
		}).
		Bundle(bundle).
		Binaries(
			settings.Binary{Name: "app", Main: true},
			settings.Binary{Name: "helper"},
		).
		Target(triple).
		OutDir(p.outDir).
		ResourceBaseDir(p.dir).
		RequireBinariesExist(true).
		Build()
	require.NoError(t, err)
	return s
}

func writeTestFile(t *testing.T, path, contents string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0755))
}

func writeTestPNG(t *testing.T, path string, width, height int) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	fh, err := os.Create(path)
	require.NoError(t, err)
	defer fh.Close()
	require.NoError(t, png.Encode(fh, image.NewRGBA(image.Rect(0, 0, width, height))))
}

// newTestToolCache returns a cache with the named tools already
// present, so nothing is downloaded.
func newTestToolCache(t *testing.T, tools map[string]string) *toolcache.Cache {
	dir := t.TempDir()
	for name, contents := range tools {
		writeTestFile(t, filepath.Join(dir, name), contents)
	}
	return toolcache.New(dir)
}

// testEnv is a lookupEnv backed by a fixed set of variables.
func testEnv(vars ...string) func(string) (string, bool) {
	m := make(map[string]string)
	for i := 0; i+1 < len(vars); i += 2 {
		m[vars[i]] = vars[i+1]
	}
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

type fakeSigner struct {
	mu     sync.Mutex
	signed []string
	// base names reported as already signed
	presigned map[string]bool
}

func (f *fakeSigner) Sign(_ context.Context, path string, _ settings.WindowsSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed = append(f.signed, filepath.Base(path))
	return nil
}

func (f *fakeSigner) IsSigned(path string, _ settings.WindowsSettings) (bool, error) {
	return f.presigned[filepath.Base(path)], nil
}

func (f *fakeSigner) CommandLine(path string, ws settings.WindowsSettings) ([]string, error) {
	return []string{"signtool.exe", "sign", "/sha1", ws.CertificateThumbprint, path}, nil
}

func (f *fakeSigner) Signed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signed...)
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	require.Equal(t, []settings.PackageType{
		settings.MacOsBundle,
		settings.IosBundle,
		settings.WindowsMsi,
		settings.Nsis,
		settings.Deb,
		settings.Rpm,
		settings.AppImage,
		settings.Dmg,
	}, r.PackageTypes())

	for _, pt := range r.PackageTypes() {
		p, ok := r.Lookup(pt)
		require.True(t, ok)
		require.Equal(t, pt, p.PackageType())
	}

	_, ok := r.Lookup(settings.Updater)
	require.False(t, ok)
}

func TestHostSupported(t *testing.T) {
	t.Parallel()

	plain := DefaultRegistry()
	docker := DefaultRegistry(WithWixDocker("felfert/wix"), WithFPMDocker("kolide/fpm"))

	var tests = []struct {
		pt         settings.PackageType
		goos       string
		plain      bool
		withDocker bool
	}{
		{settings.MacOsBundle, "darwin", true, true},
		{settings.MacOsBundle, "linux", false, false},
		{settings.Dmg, "darwin", true, true},
		{settings.IosBundle, "windows", false, false},
		{settings.Nsis, "linux", true, true},
		{settings.Nsis, "windows", true, true},
		{settings.WindowsMsi, "windows", true, true},
		{settings.WindowsMsi, "linux", false, true},
		{settings.Deb, "linux", true, true},
		{settings.Rpm, "darwin", false, true},
		{settings.AppImage, "linux", true, true},
		{settings.AppImage, "darwin", false, false},
	}

	for _, tt := range tests {
		p, _ := plain.Lookup(tt.pt)
		require.Equal(t, tt.plain, p.HostSupported(tt.goos), "%s on %s", tt.pt, tt.goos)
		p, _ = docker.Lookup(tt.pt)
		require.Equal(t, tt.withDocker, p.HostSupported(tt.goos), "%s on %s with docker", tt.pt, tt.goos)
	}
}
