package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kolide/bundler/pkg/updatersig"
	"github.com/kolide/kit/env"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

func runSigner(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: bundler signer <generate|sign> [flags]")
	}

	switch args[0] {
	case "generate":
		return runSignerGenerate(args[1:])
	case "sign":
		return runSignerSign(args[1:])
	default:
		return errors.Errorf("unknown signer command %q", args[0])
	}
}

func runSignerGenerate(args []string) error {
	flagset := flag.NewFlagSet("signer generate", flag.ContinueOnError)
	var (
		flPassword = flagset.String(
			"password",
			env.String("TAURI_SIGNING_PRIVATE_KEY_PASSWORD", ""),
			"password protecting the secret key",
		)
		flWriteKeys = flagset.String(
			"write_keys",
			"",
			"write the secret key here and the public key next to it with a .pub suffix",
		)
		flForce = flagset.Bool(
			"force",
			false,
			"overwrite existing keys",
		)
	)
	flagset.Usage = usageFor(flagset, "bundler signer generate [flags]")
	if err := ff.Parse(flagset, args, ff.WithEnvVarPrefix("BUNDLER")); err != nil {
		return errors.Wrap(err, "parsing flags")
	}

	return generateKeys(os.Stdout, *flPassword, *flWriteKeys, *flForce)
}

// generateKeys creates a key pair. With no path, both keys are printed.
func generateKeys(w io.Writer, password, path string, force bool) error {
	keys, err := updatersig.GenerateKey(password)
	if err != nil {
		return err
	}

	if path == "" {
		fmt.Fprintf(w, "Private: (Keep it secret!)\n%s\n\n", keys.SecretKey)
		fmt.Fprintf(w, "Public:\n%s\n", keys.PublicKey)
		return nil
	}

	pubPath := path + ".pub"
	if !force {
		for _, p := range []string{path, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return errors.Errorf("key %s already exists, use --force to overwrite", p)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating key directory")
	}
	if err := os.WriteFile(path, []byte(keys.SecretKey), 0600); err != nil {
		return errors.Wrap(err, "writing secret key")
	}
	if err := os.WriteFile(pubPath, []byte(keys.PublicKey), 0644); err != nil {
		return errors.Wrap(err, "writing public key")
	}

	fmt.Fprintf(w, "Your keypair was generated successfully\nPrivate: %s (Keep it secret!)\nPublic: %s\n", path, pubPath)
	return nil
}

func runSignerSign(args []string) error {
	flagset := flag.NewFlagSet("signer sign", flag.ContinueOnError)
	var (
		flPrivateKey = flagset.String(
			"private_key",
			env.String("TAURI_SIGNING_PRIVATE_KEY", ""),
			"the base64 secret key",
		)
		flPrivateKeyPath = flagset.String(
			"private_key_path",
			env.String("TAURI_SIGNING_PRIVATE_KEY_PATH", ""),
			"file holding the base64 secret key",
		)
		flPassword = flagset.String(
			"password",
			env.String("TAURI_SIGNING_PRIVATE_KEY_PASSWORD", ""),
			"password protecting the secret key",
		)
	)
	flagset.Usage = usageFor(flagset, "bundler signer sign [flags] <file>")
	if err := ff.Parse(flagset, args, ff.WithEnvVarPrefix("BUNDLER")); err != nil {
		return errors.Wrap(err, "parsing flags")
	}
	if flagset.NArg() != 1 {
		return errors.New("exactly one file to sign is required")
	}

	return signFile(os.Stdout, *flPrivateKey, *flPrivateKeyPath, *flPassword, flagset.Arg(0))
}

func signFile(w io.Writer, privateKey, privateKeyPath, password, path string) error {
	if privateKey != "" && privateKeyPath != "" {
		return errors.New("private_key and private_key_path are mutually exclusive")
	}
	if privateKeyPath != "" {
		data, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return errors.Wrap(err, "reading private key")
		}
		privateKey = string(data)
	}
	if privateKey == "" {
		return errors.New("a private key is required, set --private_key or --private_key_path")
	}

	key, err := updatersig.DecodeSecretKey(privateKey, password)
	if err != nil {
		return err
	}

	sigPath, sig, err := updatersig.SignFile(key, path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Your file was signed successfully, the signature is at %s\n", sigPath)
	fmt.Fprintf(w, "Key ID: %X\n", sig.KeyID)
	return nil
}
