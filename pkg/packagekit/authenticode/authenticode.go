// Package authenticode is a light wrapper around signing windows
// binaries. It drives signtool.exe, or a user supplied sign command,
// and can tell whether a PE file already carries a signature.
//
// See
//
// https://docs.microsoft.com/en-us/dotnet/framework/tools/signtool-exe
package authenticode

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
)

// signtoolOptions are the options for how we call signtool.exe. These
// are *not* the tool options, but instead our own representation of
// the arguments.
type signtoolOptions struct {
	extraArgs    []string
	signtoolPath string
	thumbprint   string // If present, use this as the `/sha1` argument
	digest       string
	timestampURL string
	tsp          bool // RFC 3161 timestamping (/tr) instead of authenticode (/t)
	signCommand  *settings.CustomSignCommand

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type SigntoolOpt func(*signtoolOptions)

// WithExtraArgs set additional arguments for signtool. Common ones may be {`/n`, "subject name"}
func WithExtraArgs(args []string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.extraArgs = args
	}
}

func WithSigntoolPath(path string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.signtoolPath = path
	}
}

func WithThumbprint(thumbprint string) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.thumbprint = thumbprint
	}
}

func WithDigestAlgorithm(digest string) SigntoolOpt {
	return func(so *signtoolOptions) {
		if digest != "" {
			so.digest = digest
		}
	}
}

// WithTimestampURL sets the timestamp server. tsp selects RFC 3161.
func WithTimestampURL(url string, tsp bool) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.timestampURL = url
		so.tsp = tsp
	}
}

// WithSignCommand replaces signtool with a custom command. "%1" in its
// arguments is replaced by the file being signed.
func WithSignCommand(cmd *settings.CustomSignCommand) SigntoolOpt {
	return func(so *signtoolOptions) {
		so.signCommand = cmd
	}
}

func WithExecCC(fn func(context.Context, string, ...string) *exec.Cmd) SigntoolOpt {
	return func(so *signtoolOptions) {
		if fn != nil {
			so.execCC = fn
		}
	}
}

// OptsFromSettings translates the windows settings into signtool
// options.
func OptsFromSettings(ws settings.WindowsSettings) []SigntoolOpt {
	opts := []SigntoolOpt{
		WithDigestAlgorithm(ws.DigestAlgorithm),
		WithThumbprint(ws.CertificateThumbprint),
	}
	if ws.TimestampURL != "" {
		opts = append(opts, WithTimestampURL(ws.TimestampURL, ws.TSP))
	}
	if ws.SignCommand != nil {
		opts = append(opts, WithSignCommand(ws.SignCommand))
	}
	return opts
}

// Sign signs file in place.
func Sign(ctx context.Context, file string, opts ...SigntoolOpt) error {
	so := newSigntoolOptions(opts)
	logger := ctxlog.FromContext(ctx)

	argv, err := so.commandLine(file)
	if err != nil {
		return err
	}

	if so.signCommand != nil {
		level.Info(logger).Log("msg", "signing with custom sign command", "file", file)
		if _, err := so.execOut(ctx, argv[0], argv[1:]...); err != nil {
			return errors.Wrap(err, "running custom sign command")
		}
		return nil
	}

	level.Info(logger).Log("msg", "signing with signtool", "file", file)
	if _, err := so.execOut(ctx, argv[0], argv[1:]...); err != nil {
		return errors.Wrap(err, "calling signtool")
	}

	return nil
}

// CommandLine returns the argv Sign would run for file. Installers
// that sign their own payloads (the NSIS uninstaller) embed it with
// file set to a placeholder.
func CommandLine(file string, opts ...SigntoolOpt) ([]string, error) {
	return newSigntoolOptions(opts).commandLine(file)
}

func newSigntoolOptions(opts []SigntoolOpt) *signtoolOptions {
	so := &signtoolOptions{
		digest: "sha256",
		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(so)
	}
	return so
}

func (so *signtoolOptions) commandLine(file string) ([]string, error) {
	if so.signCommand != nil {
		argv := []string{so.signCommand.Cmd}
		for _, arg := range so.signCommand.Args {
			argv = append(argv, strings.ReplaceAll(arg, "%1", file))
		}
		return argv, nil
	}

	if so.signtoolPath == "" {
		path, err := signtoolPath()
		if err != nil {
			return nil, errors.Wrap(err, "locating signtool")
		}
		so.signtoolPath = path
	}

	argv := []string{so.signtoolPath, "sign", "/fd", so.digest}
	if so.thumbprint != "" {
		argv = append(argv, "/sha1", so.thumbprint)
	}
	if so.timestampURL != "" {
		if so.tsp {
			argv = append(argv, "/tr", so.timestampURL, "/td", so.digest)
		} else {
			argv = append(argv, "/t", so.timestampURL)
		}
	}
	argv = append(argv, so.extraArgs...)
	return append(argv, file), nil
}

func (so *signtoolOptions) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := so.execCC(ctx, argv0, args...)

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", &bundleerr.CommandError{
			Command: append([]string{argv0}, args...),
			Output:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Signer binds signing to the windows settings of a bundle run.
type Signer struct {
	opts []SigntoolOpt
}

func NewSigner(opts ...SigntoolOpt) *Signer {
	return &Signer{opts: opts}
}

func (s *Signer) Sign(ctx context.Context, path string, ws settings.WindowsSettings) error {
	return Sign(ctx, path, append(OptsFromSettings(ws), s.opts...)...)
}

// CommandLine is the package level CommandLine with the signer's
// settings applied.
func (s *Signer) CommandLine(path string, ws settings.WindowsSettings) ([]string, error) {
	return CommandLine(path, append(OptsFromSettings(ws), s.opts...)...)
}

// IsSigned reports whether path already has any authenticode signature.
func (s *Signer) IsSigned(path string, _ settings.WindowsSettings) (bool, error) {
	return IsSigned(path, "")
}
