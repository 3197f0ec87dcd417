// Package applenotarization is a wrapper around the apple
// notarization tools.
//
// It supports the full zip, submit, wait and staple flow, as well as
// submitting without waiting and checking on the status later.
package applenotarization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/codesign"
	"github.com/pkg/errors"
)

// Signer signs the submission zip.
type Signer interface {
	Sign(ctx context.Context, path string, ent codesign.Entitlements, hardenedRuntime bool) error
}

type Notarizer struct {
	creds  Credentials
	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type Opt func(*Notarizer)

func WithExecCC(fn func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(n *Notarizer) {
		if fn != nil {
			n.execCC = fn
		}
	}
}

func New(creds Credentials, opts ...Opt) *Notarizer {
	n := &Notarizer{
		creds:  creds,
		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Notarize zips app with ditto, signs the zip and submits it. With wait
// set it blocks until apple answers and staples the ticket on success.
// A rejected submission returns an error carrying notarytool's log.
func (n *Notarizer) Notarize(ctx context.Context, app string, signer Signer, wait bool) error {
	logger := log.With(ctxlog.FromContext(ctx), "app", app)

	tmpDir, err := os.MkdirTemp("", "notarize")
	if err != nil {
		return bundleerr.Fs("create temp dir", os.TempDir(), err)
	}
	defer os.RemoveAll(tmpDir)

	stem := strings.TrimSuffix(filepath.Base(app), filepath.Ext(app))
	zipPath := filepath.Join(tmpDir, stem+".zip")

	// ditto builds the same zip Finder would, which avoids false positives
	if _, err := n.execOut(ctx, "", "ditto", "-c", "-k", "--keepParent", "--sequesterRsrc", app, zipPath); err != nil {
		return errors.Wrap(err, "zipping app with ditto")
	}

	if err := signer.Sign(ctx, zipPath, codesign.Entitlements{}, false); err != nil {
		return errors.Wrap(err, "signing notarization zip")
	}

	var extra []string
	if wait {
		extra = append(extra, "--wait")
	}

	level.Info(logger).Log("msg", "notarizing", "wait", wait)
	rawResp, err := n.runNotarytool(ctx, "submit", zipPath, extra)
	if err != nil {
		return errors.Wrap(err, "failed to upload app to apple's notarization servers")
	}

	var r submitResponse
	if err := json.Unmarshal(rawResp, &r); err != nil {
		return errors.Errorf("failed to parse notarytool output as JSON: %s", rawResp)
	}

	status := r.Status
	if status == "" {
		status = "Pending"
	}
	verb := "Submitted"
	if wait {
		verb = "Finished"
	}
	summary := fmt.Sprintf("%s with status %s for id %s (%s)", verb, status, r.ID, r.Message)

	// status is empty when notarytool did not wait
	accepted := r.Status == "Accepted" || (r.Status == "" && !wait)
	if !accepted {
		notaryLog, err := n.runNotarytool(ctx, "log", r.ID, nil)
		if err != nil {
			return errors.Errorf("failed to notarize app: %s", summary)
		}
		return errors.Errorf("failed to notarize app: %s\nLog:\n%s", summary, notaryLog)
	}

	level.Info(logger).Log("msg", "notarized", "result", summary)

	if !wait {
		level.Info(logger).Log(
			"msg", "not waiting for notarization to finish. Check progress with `xcrun notarytool log`, then staple with `xcrun stapler staple`",
			"id", r.ID,
		)
		return nil
	}

	return n.Staple(ctx, app)
}

// Staple attaches the notarization ticket to app.
func (n *Notarizer) Staple(ctx context.Context, app string) error {
	level.Info(ctxlog.FromContext(ctx)).Log("msg", "stapling app", "app", app)
	if _, err := n.execOut(ctx, filepath.Dir(app), "xcrun", "stapler", "staple", "-v", filepath.Base(app)); err != nil {
		return errors.Wrap(err, "stapling")
	}
	return nil
}

// Submit an file to apple's notarization service. Returns the uuid of
// the submission
func (n *Notarizer) Submit(ctx context.Context, filePath string) (string, error) {
	rawResp, err := n.runNotarytool(ctx, "submit", filePath, []string{"--no-wait", "--timeout", "3m"})
	if err != nil {
		return "", fmt.Errorf("could not run notarytool submit: %w", err)
	}

	var r submitResponse
	if err := json.Unmarshal(rawResp, &r); err != nil {
		return "", fmt.Errorf("could not unmarshal notarization response: %w", err)
	}

	return r.ID, nil
}

// Check the notarization status of a uuid
func (n *Notarizer) Check(ctx context.Context, uuid string) (string, error) {
	logger := log.With(ctxlog.FromContext(ctx),
		"caller", "applenotarization.Check",
		"request-uuid", uuid,
	)

	rawResp, err := n.runNotarytool(ctx, "info", uuid, nil)
	if err != nil {
		return "", fmt.Errorf("fetching notarization info: %w", err)
	}

	var r infoResponse
	if err := json.Unmarshal(rawResp, &r); err != nil {
		return "", fmt.Errorf("could not unmarshal notarization info response: %w", err)
	}

	if r.ID != uuid {
		return "", fmt.Errorf("something went wrong. Expected response for %s, but got %s", uuid, r.ID)
	}

	if r.Status != "Accepted" {
		level.Info(logger).Log(
			"msg", "Not successful. Examine log",
			"status", r.Status,
		)
	}

	return r.Status, nil
}

func (n *Notarizer) runNotarytool(ctx context.Context, command string, target string, additionalArgs []string) ([]byte, error) {
	args := []string{"notarytool", command, target}
	args = append(args, n.creds.notarytoolArgs()...)
	if command != "log" {
		args = append(args, "--output-format", "json")
	}
	args = append(args, additionalArgs...)

	out, err := n.execOut(ctx, "", "xcrun", args...)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (n *Notarizer) execOut(ctx context.Context, dir string, argv0 string, args ...string) (string, error) {
	cmd := n.execCC(ctx, argv0, args...)
	cmd.Dir = dir

	level.Debug(ctxlog.FromContext(ctx)).Log(
		"msg", "execing",
		"cmd", n.redact(strings.Join(cmd.Args, " ")),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", &bundleerr.CommandError{
			Command: strings.Fields(n.redact(strings.Join(append([]string{argv0}, args...), " "))),
			Output:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (n *Notarizer) redact(s string) string {
	if c, ok := n.creds.(AppleIDCredentials); ok && c.Password != "" {
		return strings.ReplaceAll(s, c.Password, "<redacted>")
	}
	return s
}
