// Package bundleerr holds the error kinds shared across the bundler.
// Package specific sentinels (binary format, notarization credentials)
// live next to the code that returns them; the types here carry the
// filesystem and command context that lets an operator rerun a failed
// step by hand.
package bundleerr

import (
	"fmt"
	"os/exec"
	"strings"
)

// FsError is a filesystem failure with the operation and path that
// caused it.
type FsError struct {
	Op   string
	Path string
	Err  error
}

func (e *FsError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FsError) Unwrap() error { return e.Err }

// Fs wraps err as an *FsError. A nil err returns nil.
func Fs(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FsError{Op: op, Path: path, Err: err}
}

// CommandError is an external tool that failed to start or exited
// non-zero.
type CommandError struct {
	Command []string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("failed to run %s: %v", strings.Join(e.Command, " "), e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the exit status of the command, or -1 when it never
// ran to completion.
func (e *CommandError) ExitCode() int {
	if ee, ok := e.Err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
