// Package codesign drives Apple's codesign and security tools. It
// resolves a signing identity, either one already present in the
// user's keychains or one imported from the APPLE_CERTIFICATE
// environment into a throwaway keychain, and signs bundles inside out.
package codesign

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SignTarget is a path to sign. IsAnExecutable governs whether the
// hardened runtime applies to it.
type SignTarget struct {
	Path           string
	IsAnExecutable bool
}

type options struct {
	lookupEnv func(string) (string, bool)
	execCC    func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type Opt func(*options)

func WithLookupEnv(fn func(string) (string, bool)) Opt {
	return func(o *options) {
		o.lookupEnv = fn
	}
}

func WithExecCC(fn func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(o *options) {
		if fn != nil {
			o.execCC = fn
		}
	}
}

// Keychain is a resolved signing identity.
type Keychain struct {
	identity string
	teamID   string

	// set when the identity was imported from APPLE_CERTIFICATE
	path     string
	password string
	tmpDir   string

	execCC func(context.Context, string, ...string) *exec.Cmd
}

// ResolveKeychain picks the signing identity. APPLE_CERTIFICATE and
// APPLE_CERTIFICATE_PASSWORD win over identity; identity, when also
// given, must then be part of the certificate's name. A nil Keychain
// and nil error mean signing is not configured.
func ResolveKeychain(ctx context.Context, identity string, opts ...Opt) (*Keychain, error) {
	o := &options{
		lookupEnv: os.LookupEnv,
		execCC:    exec.CommandContext,
	}
	for _, opt := range opts {
		opt(o)
	}

	encoded, haveCert := o.lookupEnv("APPLE_CERTIFICATE")
	password, havePassword := o.lookupEnv("APPLE_CERTIFICATE_PASSWORD")

	switch {
	case haveCert && havePassword:
		kc, err := withCertificate(ctx, encoded, password, o)
		if err != nil {
			return nil, err
		}
		if identity != "" && !strings.Contains(kc.identity, identity) {
			kc.Close(ctx)
			return nil, errors.Errorf("certificate from APPLE_CERTIFICATE %q does not match provided identity %q", kc.identity, identity)
		}
		return kc, nil
	case identity != "":
		return &Keychain{identity: identity, execCC: o.execCC}, nil
	default:
		return nil, nil
	}
}

// withCertificate imports a base64 PKCS#12 blob into a new keychain
// that codesign may use without prompting.
func withCertificate(ctx context.Context, encoded, certPassword string, o *options) (*Keychain, error) {
	// CI secrets are frequently wrapped
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return nil, errors.Wrap(err, "decoding APPLE_CERTIFICATE")
	}

	_, cert, _, err := gop12.DecodeChain(der, certPassword)
	if err != nil {
		return nil, errors.Wrap(err, "decoding APPLE_CERTIFICATE as pkcs12")
	}
	if cert.Subject.CommonName == "" {
		return nil, errors.New("certificate from APPLE_CERTIFICATE has no common name")
	}

	tmpDir, err := os.MkdirTemp("", "bundler-keychain")
	if err != nil {
		return nil, bundleerr.Fs("create temp dir", os.TempDir(), err)
	}

	certPath := filepath.Join(tmpDir, "cert.p12")
	if err := os.WriteFile(certPath, der, 0600); err != nil {
		os.RemoveAll(tmpDir)
		return nil, bundleerr.Fs("write", certPath, err)
	}

	pw := make([]byte, 16)
	if _, err := rand.Read(pw); err != nil {
		os.RemoveAll(tmpDir)
		return nil, errors.Wrap(err, "generating keychain password")
	}

	kc := &Keychain{
		identity: cert.Subject.CommonName,
		path:     filepath.Join(tmpDir, "bundler.keychain-db"),
		password: hex.EncodeToString(pw),
		tmpDir:   tmpDir,
		execCC:   o.execCC,
	}
	if len(cert.Subject.OrganizationalUnit) > 0 {
		kc.teamID = cert.Subject.OrganizationalUnit[0]
	}

	steps := [][]string{
		{"create-keychain", "-p", kc.password, kc.path},
		{"unlock-keychain", "-p", kc.password, kc.path},
		{"import", certPath, "-k", kc.path, "-P", certPassword, "-T", "/usr/bin/codesign", "-T", "/usr/bin/pkgbuild", "-T", "/usr/bin/productbuild"},
		{"set-keychain-settings", "-t", "3600", "-u", kc.path},
		{"set-key-partition-list", "-S", "apple-tool:,apple:,codesign:", "-s", "-k", kc.password, kc.path},
	}
	for _, args := range steps {
		if _, err := kc.execOut(ctx, "security", args...); err != nil {
			kc.Close(ctx)
			return nil, errors.Wrapf(err, "security %s", args[0])
		}
	}

	level.Debug(ctxlog.FromContext(ctx)).Log("msg", "imported signing certificate", "identity", kc.identity, "keychain", kc.path)
	return kc, nil
}

// Identity is the signing identity passed to codesign -s.
func (kc *Keychain) Identity() string { return kc.identity }

// TeamID is the certificate's organizational unit, when known.
func (kc *Keychain) TeamID() string { return kc.teamID }

// Close deletes an imported keychain. It is a no-op otherwise.
func (kc *Keychain) Close(ctx context.Context) {
	if kc == nil || kc.tmpDir == "" {
		return
	}
	if _, err := kc.execOut(ctx, "security", "delete-keychain", kc.path); err != nil {
		level.Debug(ctxlog.FromContext(ctx)).Log("msg", "deleting keychain", "err", err)
	}
	os.RemoveAll(kc.tmpDir)
}

// Sign signs path in place.
func (kc *Keychain) Sign(ctx context.Context, path string, ent Entitlements, hardenedRuntime bool) error {
	entPath, cleanup, err := ent.resolve()
	if err != nil {
		return errors.Wrap(err, "resolving entitlements")
	}
	defer cleanup()

	args := []string{"--force", "-s", kc.identity}
	if kc.path != "" {
		args = append(args, "--keychain", kc.path)
	}
	if hardenedRuntime {
		args = append(args, "--options", "runtime")
	}
	if entPath != "" {
		args = append(args, "--entitlements", entPath)
	}
	args = append(args, path)

	level.Info(ctxlog.FromContext(ctx)).Log("msg", "signing", "path", path, "identity", kc.identity)
	if _, err := kc.execOut(ctx, "codesign", args...); err != nil {
		return errors.Wrapf(err, "signing %s", path)
	}
	return nil
}

// SignAll signs targets in order. Hardened runtime only applies to
// executables.
func (kc *Keychain) SignAll(ctx context.Context, targets []SignTarget, ent Entitlements, hardenedRuntime bool) error {
	for _, t := range targets {
		if err := kc.Sign(ctx, t.Path, ent, t.IsAnExecutable && hardenedRuntime); err != nil {
			return err
		}
	}
	return nil
}

// StripXattrs removes extended attributes that make codesign fail.
func (kc *Keychain) StripXattrs(ctx context.Context, path string) error {
	if _, err := kc.execOut(ctx, "xattr", "-crs", path); err != nil {
		return errors.Wrap(err, "removing extra attributes")
	}
	return nil
}

func (kc *Keychain) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	cmd := kc.execCC(ctx, argv0, args...)

	level.Debug(ctxlog.FromContext(ctx)).Log(
		"msg", "execing",
		"cmd", redact(strings.Join(cmd.Args, " "), kc.password),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", &bundleerr.CommandError{
			Command: strings.Fields(redact(strings.Join(append([]string{argv0}, args...), " "), kc.password)),
			Output:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "<redacted>")
}
