package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	t.Parallel()

	require.Nil(t, splitList(""))
	require.Equal(t, []string{"deb", "rpm"}, splitList(" deb, ,rpm "))
}

func TestParseBundleOptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts, logFile, err := parseBundleOptions([]string{
		"--dir", dir,
		"--target", "x86_64-unknown-linux-gnu",
		"--bundles", "deb,appimage",
		"--config", `{"version": "2.0.0"}`,
		"--config", "extra.json",
		"--no_sign",
		"--log_file", "bundler.log",
		"--download_retries", "2",
	})
	require.NoError(t, err)

	require.Equal(t, dir, opts.dir)
	require.Equal(t, "x86_64-unknown-linux-gnu", opts.target)
	require.Equal(t, []string{"deb", "appimage"}, opts.bundles)
	require.Equal(t, []string{`{"version": "2.0.0"}`, "extra.json"}, opts.patches)
	require.Equal(t, filepath.Join(dir, "target", "release"), opts.outDir)
	require.True(t, opts.noSign)
	require.Equal(t, "bundler.log", logFile)
	require.Equal(t, 2, opts.retries)
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "target", "release")
	require.NoError(t, os.MkdirAll(outDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "example-app"), []byte("bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundler.conf.json"), []byte(`{
  "productName": "Example App",
  "version": "1.2.3",
  "identifier": "com.acme.example",
  "bundle": {"targets": ["rpm"], "createUpdaterArtifacts": true}
}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundler.linux.conf.json"), []byte(`{"version": "1.2.4"}`), 0644))

	s, err := loadSettings(context.Background(), &bundleOptions{
		dir:     dir,
		target:  "x86_64-unknown-linux-gnu",
		bundles: []string{"deb"},
		outDir:  outDir,
		patches: []string{`{"bundle": {"publisher": "Acme"}}`},
		noSign:  true,
	})
	require.NoError(t, err)

	require.Equal(t, "1.2.4", s.Version())
	require.Equal(t, "Acme", s.Publisher())
	require.Equal(t, []settings.PackageType{settings.Deb, settings.Updater}, s.PackageTypes())
	require.True(t, s.NoSign())
	require.Equal(t, filepath.Join(outDir, "example-app"), s.MainBinary().Path)
}

func TestLoadSettingsMissingBinary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundler.conf.json"), []byte(`{"productName": "a", "version": "1.0.0", "identifier": "com.a.b"}`), 0644))

	_, err := loadSettings(context.Background(), &bundleOptions{
		dir:    dir,
		target: "x86_64-unknown-linux-gnu",
		outDir: filepath.Join(dir, "target"),
	})
	require.Error(t, err)
}

func TestSignerRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "updater.key")

	var out bytes.Buffer
	require.NoError(t, generateKeys(&out, "hunter2", keyPath, false))
	require.FileExists(t, keyPath)
	require.FileExists(t, keyPath+".pub")

	require.Error(t, generateKeys(&out, "hunter2", keyPath, false), "refuses to overwrite")
	require.NoError(t, generateKeys(&out, "hunter2", keyPath, true))

	artifact := filepath.Join(dir, "app.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("payload"), 0644))

	out.Reset()
	require.NoError(t, signFile(&out, "", keyPath, "hunter2", artifact))
	require.FileExists(t, artifact+".sig")
	require.Contains(t, out.String(), artifact+".sig")

	require.Error(t, signFile(&out, "", keyPath, "wrong", artifact))
	require.Error(t, signFile(&out, "x", keyPath, "hunter2", artifact))
	require.Error(t, signFile(&out, "", "", "", artifact))
}

func TestGenerateKeysPrints(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, generateKeys(&out, "", "", false))
	require.Contains(t, out.String(), "Private: (Keep it secret!)")
	require.Contains(t, out.String(), "Public:")
}

func TestListTargets(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, listTargets(&out, packagekit.DefaultRegistry(), "linux"))

	lines := strings.Split(out.String(), "\n")
	find := func(name string) []string {
		for _, l := range lines {
			fields := strings.Fields(l)
			if len(fields) == 3 && fields[0] == name {
				return fields
			}
		}
		return nil
	}

	require.Equal(t, []string{"deb", "linux", "yes"}, find("deb"))
	require.Equal(t, []string{"app", "darwin", "no"}, find("app"))
	require.Equal(t, []string{"updater", "any", "yes"}, find("updater"))
}
