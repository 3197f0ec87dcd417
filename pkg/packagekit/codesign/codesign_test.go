package codesign

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kolide/bundler/pkg/packagekit/packagekittest"
	"github.com/stretchr/testify/require"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

func TestHelperProcess(t *testing.T) { packagekittest.RunHelperProcess() }

func lookupIn(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestSignTargetsOrder(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "Test.app")
	fw := filepath.Join(app, "Contents", "Frameworks", "Foo.framework")
	versionA := filepath.Join(fw, "Versions", "A")

	for path, content := range map[string]string{
		filepath.Join(versionA, "Libraries", "libbar.dylib"):                            "dylib",
		filepath.Join(versionA, "Libraries", ".DS_Store"):                               "junk",
		filepath.Join(versionA, "Libraries", "README.txt"):                              "ignored",
		filepath.Join(versionA, "Helpers", "Helper.app", "Contents", "MacOS", "helper"): "exe",
		filepath.Join(app, "Contents", "MacOS", "test"):                                 "exe",
	} {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	}
	require.NoError(t, os.Symlink("A", filepath.Join(fw, "Versions", "Current")))
	require.NoError(t, os.Symlink("libbar.dylib", filepath.Join(versionA, "Libraries", "libbar.1.dylib")))

	current := filepath.Join(fw, "Versions", "Current")
	mainExe := filepath.Join(app, "Contents", "MacOS", "test")

	expected := []SignTarget{
		{Path: filepath.Join(current, "Helpers", "Helper.app", "Contents", "MacOS", "helper"), IsAnExecutable: true},
		{Path: filepath.Join(current, "Helpers", "Helper.app"), IsAnExecutable: true},
		{Path: filepath.Join(current, "Libraries", "libbar.dylib")},
		{Path: fw},
		{Path: mainExe, IsAnExecutable: true},
		{Path: app, IsAnExecutable: true},
	}

	require.Equal(t, expected, SignTargets(app, []string{fw}, []string{mainExe}))
}

func TestSignTargetsDylibAndFlatFramework(t *testing.T) {
	t.Parallel()

	app := filepath.Join(t.TempDir(), "Flat.app")
	fw := filepath.Join(app, "Contents", "Frameworks", "Flat.framework")
	dylib := filepath.Join(app, "Contents", "Frameworks", "libz.dylib")

	require.NoError(t, os.MkdirAll(filepath.Join(fw, "Libraries"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fw, "Libraries", "libflat.dylib"), nil, 0644))
	require.NoError(t, os.WriteFile(dylib, nil, 0644))

	targets := SignTargets(app, []string{dylib, fw}, nil)
	require.Equal(t, []SignTarget{
		{Path: dylib},
		{Path: filepath.Join(fw, "Libraries", "libflat.dylib")},
		{Path: fw},
		{Path: app, IsAnExecutable: true},
	}, targets)
}

func TestResolveKeychainWithoutCertificate(t *testing.T) {
	t.Parallel()

	kc, err := ResolveKeychain(context.TODO(), "", WithLookupEnv(lookupIn(nil)))
	require.NoError(t, err)
	require.Nil(t, kc)

	kc, err = ResolveKeychain(context.TODO(), "Developer ID Application: Acme", WithLookupEnv(lookupIn(nil)))
	require.NoError(t, err)
	require.NotNil(t, kc)
	require.Equal(t, "Developer ID Application: Acme", kc.Identity())

	// only one of the pair set
	kc, err = ResolveKeychain(context.TODO(), "", WithLookupEnv(lookupIn(map[string]string{"APPLE_CERTIFICATE": "abc"})))
	require.NoError(t, err)
	require.Nil(t, kc)
}

func TestResolveKeychainImportsCertificate(t *testing.T) {
	t.Parallel()

	p12 := testP12(t, "Developer ID Application: Acme Corp (ABCDE12345)", "ABCDE12345", "hunter2")
	env := map[string]string{
		"APPLE_CERTIFICATE":          base64.StdEncoding.EncodeToString(p12),
		"APPLE_CERTIFICATE_PASSWORD": "hunter2",
	}

	fake := packagekittest.New()
	kc, err := ResolveKeychain(context.TODO(), "Acme Corp", WithLookupEnv(lookupIn(env)), WithExecCC(fake.CommandContext))
	require.NoError(t, err)
	require.NotNil(t, kc)
	defer kc.Close(context.TODO())

	require.Equal(t, "Developer ID Application: Acme Corp (ABCDE12345)", kc.Identity())
	require.Equal(t, "ABCDE12345", kc.TeamID())

	var verbs []string
	for _, args := range fake.CallsTo("security") {
		verbs = append(verbs, args[0])
	}
	require.Equal(t, []string{"create-keychain", "unlock-keychain", "import", "set-keychain-settings", "set-key-partition-list"}, verbs)

	require.NoError(t, kc.Sign(context.TODO(), "/tmp/Acme.app", Entitlements{}, true))
	require.Equal(t, [][]string{{"--force", "-s", kc.Identity(), "--keychain", kc.path, "--options", "runtime", "/tmp/Acme.app"}}, fake.CallsTo("codesign"))
}

func TestResolveKeychainIdentityMismatch(t *testing.T) {
	t.Parallel()

	p12 := testP12(t, "Developer ID Application: Acme Corp (ABCDE12345)", "ABCDE12345", "pw")
	env := map[string]string{
		"APPLE_CERTIFICATE":          base64.StdEncoding.EncodeToString(p12),
		"APPLE_CERTIFICATE_PASSWORD": "pw",
	}

	fake := packagekittest.New()
	_, err := ResolveKeychain(context.TODO(), "Someone Else", WithLookupEnv(lookupIn(env)), WithExecCC(fake.CommandContext))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not match provided identity")

	calls := fake.CallsTo("security")
	require.Equal(t, "delete-keychain", calls[len(calls)-1][0])
}

func TestSignWithInlineEntitlements(t *testing.T) {
	t.Parallel()

	var written []byte
	fake := packagekittest.New().Handle("codesign", func(args []string) packagekittest.Result {
		for i, a := range args {
			if a == "--entitlements" {
				written, _ = os.ReadFile(args[i+1])
			}
		}
		return packagekittest.Result{}
	})

	kc := &Keychain{identity: "-", execCC: fake.CommandContext}
	ent := Entitlements{Inline: map[string]interface{}{"com.apple.security.app-sandbox": true}}

	targets := []SignTarget{
		{Path: "/b/lib.dylib"},
		{Path: "/b/App.app", IsAnExecutable: true},
	}
	require.NoError(t, kc.SignAll(context.TODO(), targets, ent, true))

	calls := fake.CallsTo("codesign")
	require.Len(t, calls, 2)
	require.NotContains(t, calls[0], "runtime")
	require.Contains(t, calls[1], "runtime")
	require.Contains(t, string(written), "<key>com.apple.security.app-sandbox</key>")

	// temp entitlements are removed after each call
	for _, call := range calls {
		for i, a := range call {
			if a == "--entitlements" {
				_, err := os.Stat(call[i+1])
				require.True(t, os.IsNotExist(err))
			}
		}
	}

	require.NoError(t, kc.StripXattrs(context.TODO(), "/b/App.app"))
	require.Equal(t, [][]string{{"-crs", "/b/App.app"}}, fake.CallsTo("xattr"))
}

func TestIsSigned(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// thin x86_64 executable header with no load commands
	hdr := make([]byte, 32)
	binary.LittleEndian.PutUint32(hdr[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(hdr[4:], 0x01000007)
	binary.LittleEndian.PutUint32(hdr[8:], 3)
	binary.LittleEndian.PutUint32(hdr[12:], 2)

	unsigned := filepath.Join(dir, "unsigned")
	require.NoError(t, os.WriteFile(unsigned, hdr, 0755))

	signed, err := IsSigned(unsigned)
	require.NoError(t, err)
	require.False(t, signed)

	script := filepath.Join(dir, "script")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0755))
	_, err = IsSigned(script)
	require.Error(t, err)
}

func testP12(t *testing.T, cn, ou, password string) []byte {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject: pkix.Name{
			CommonName:         cn,
			OrganizationalUnit: []string{ou},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	p12, err := gop12.Modern.Encode(key, cert, nil, password)
	require.NoError(t, err)
	return p12
}
