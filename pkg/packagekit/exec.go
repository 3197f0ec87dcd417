package packagekit

import (
	"bytes"
	"context"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
)

// execOpts tweak a single command run.
type execOpts struct {
	dir   string
	env   []string
	unset []string // variables removed from the inherited environment
}

// execOut runs argv0 and returns its trimmed stdout. A failure is a
// *bundleerr.CommandError carrying stderr.
func (po *packagerOptions) execOut(ctx context.Context, eo execOpts, argv0 string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := po.execCC(ctx, argv0, args...)
	cmd.Dir = eo.dir
	if len(eo.env) > 0 || len(eo.unset) > 0 {
		cmd.Env = append(filterEnv(cmd.Environ(), eo.unset), eo.env...)
	}

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
		"dir", eo.dir,
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

func filterEnv(environ []string, unset []string) []string {
	if len(unset) == 0 {
		return environ
	}
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		drop := false
		for _, u := range unset {
			if name == u {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}
