// Package updatersig writes the detached minisign signatures the
// auto updater checks before installing an artifact.
//
// Keys travel base64 encoded: the secret key is base64 of a minisign
// encrypted secret key box, the public key base64 of a public key box.
// Signatures are written next to the artifact as <name>.sig holding
// base64 of the signature box.
package updatersig

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aead.dev/minisign"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const untrustedComment = "signature from tauri secret key"

var ErrMissingPrivateKey = errors.New("a public key has been found, but no private key. Make sure to set the TAURI_SIGNING_PRIVATE_KEY environment variable")

// KeyPair holds base64 encoded key boxes.
type KeyPair struct {
	PublicKey string
	SecretKey string
}

// GenerateKey creates a new key pair. The secret key is encrypted with
// password, which may be empty.
func GenerateKey(password string) (KeyPair, error) {
	pub, priv, err := minisign.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "generating key")
	}

	skBox, err := minisign.EncryptKey(password, priv)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "encrypting secret key")
	}

	pkBox, err := pub.MarshalText()
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "encoding public key")
	}

	return KeyPair{
		PublicKey: base64.StdEncoding.EncodeToString(pkBox),
		SecretKey: base64.StdEncoding.EncodeToString(skBox),
	}, nil
}

// DecodeSecretKey decodes and decrypts a base64 secret key box.
func DecodeSecretKey(encoded, password string) (minisign.PrivateKey, error) {
	box, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return minisign.PrivateKey{}, errors.Wrap(err, "failed to decode base64 secret key")
	}
	key, err := minisign.DecryptKey(password, box)
	if err != nil {
		return minisign.PrivateKey{}, errors.Wrap(err, "incorrect updater private key password")
	}
	return key, nil
}

func DecodePublicKey(encoded string) (minisign.PublicKey, error) {
	var pub minisign.PublicKey

	box, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return pub, errors.Wrap(err, "failed to decode base64 pubkey")
	}
	if err := pub.UnmarshalText(box); err != nil {
		return pub, errors.Wrap(err, "failed to load updater pubkey")
	}
	return pub, nil
}

// SignFile signs path and writes path.sig. The trusted comment records
// the signing time and the file name.
func SignFile(key minisign.PrivateKey, path string) (string, minisign.Signature, error) {
	var sig minisign.Signature

	f, err := os.Open(path)
	if err != nil {
		return "", sig, bundleerr.Fs("open data file", path, err)
	}
	defer f.Close()

	r := minisign.NewReader(f)
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", sig, bundleerr.Fs("read data file", path, err)
	}

	trusted := fmt.Sprintf("timestamp:%d\tfile:%s", time.Now().Unix(), filepath.Base(path))
	box := r.SignWithComments(key, trusted, untrustedComment)

	if err := sig.UnmarshalText(box); err != nil {
		return "", sig, errors.Wrap(err, "failed to sign file")
	}

	sigPath := path + ".sig"
	if err := os.WriteFile(sigPath, []byte(base64.StdEncoding.EncodeToString(box)), 0644); err != nil {
		return "", sig, bundleerr.Fs("write signature file", sigPath, err)
	}

	return sigPath, sig, nil
}

// Eligible reports whether artifacts of pt are signed for the updater.
func Eligible(pt settings.PackageType) bool {
	switch pt {
	case settings.Updater, settings.Nsis, settings.WindowsMsi, settings.AppImage, settings.Deb:
		return true
	}
	return false
}

// SignBundles signs every updater eligible artifact in bundles and
// returns the signature paths.
func SignBundles(ctx context.Context, s *settings.Settings, bundles []packagekit.Bundle, getenv func(string) string) ([]string, error) {
	ctx, span := trace.StartSpan(ctx, "updatersig.SignBundles")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	updater, ok := s.Updater()
	if !ok {
		return nil, nil
	}

	var eligible []packagekit.Bundle
	for _, b := range bundles {
		if Eligible(b.PackageType) {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	if s.NoSign() {
		level.Warn(logger).Log("msg", "updater signing is skipped due to --no-sign flag")
		return nil, nil
	}

	pubkey, err := readMaybePath(updater.Pubkey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pubkey from file")
	}

	privateKey := getenv("TAURI_SIGNING_PRIVATE_KEY")
	if privateKey == "" {
		return nil, ErrMissingPrivateKey
	}
	privateKey, err = readMaybePath(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read private key from file")
	}

	password := getenv("TAURI_SIGNING_PRIVATE_KEY_PASSWORD")
	if password == "" && getenv("CI") == "" {
		level.Debug(logger).Log("msg", "no TAURI_SIGNING_PRIVATE_KEY_PASSWORD set, using an empty password")
	}

	key, err := DecodeSecretKey(privateKey, password)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode secret key")
	}
	pub, err := DecodePublicKey(pubkey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode pubkey")
	}

	var signed []string
	for _, b := range eligible {
		for _, path := range b.BundlePaths {
			sigPath, sig, err := SignFile(key, path)
			if err != nil {
				return signed, err
			}
			if sig.KeyID != pub.ID() {
				level.Warn(logger).Log(
					"msg", "the updater secret key from TAURI_SIGNING_PRIVATE_KEY does not match the configured updater pubkey. If you are not rotating keys, updates signed with it will be rejected at runtime",
					"path", path,
				)
			}
			signed = append(signed, sigPath)
		}
	}

	level.Info(logger).Log("msg", "signed updater artifacts", "count", len(signed))
	return signed, nil
}

// readMaybePath returns the contents of v when it names an existing
// file, and v itself otherwise.
func readMaybePath(v string) (string, error) {
	if _, err := os.Stat(v); err != nil {
		return v, nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return "", bundleerr.Fs("read", v, err)
	}
	return string(data), nil
}
