// Package packagekittest fakes the external tools packagers shell out
// to. Each test package wires it up with
//
//	func TestHelperProcess(t *testing.T) { packagekittest.RunHelperProcess() }
//
// and passes FakeExec.CommandContext wherever an execCC is accepted.
package packagekittest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const helperEnv = "GO_WANT_HELPER_PROCESS"

// Result is what a faked command prints and how it exits.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handler runs in the test process when the command is built, so it
// can create whatever files the real tool would have produced.
type Handler func(args []string) Result

type FakeExec struct {
	mu       sync.Mutex
	calls    [][]string
	handlers map[string]Handler
}

func New() *FakeExec {
	return &FakeExec{handlers: make(map[string]Handler)}
}

// Handle registers h for commands whose base name is name. Commands
// without a handler succeed silently.
func (f *FakeExec) Handle(name string, h Handler) *FakeExec {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	return f
}

func (f *FakeExec) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	f.mu.Lock()
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	h := f.handlers[filepath.Base(name)]
	f.mu.Unlock()

	var res Result
	if h != nil {
		res = h(args)
	}

	cs := append([]string{"-test.run=TestHelperProcess", "--"}, call...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(),
		helperEnv+"=1",
		"HELPER_STDOUT="+res.Stdout,
		"HELPER_STDERR="+res.Stderr,
		"HELPER_EXIT="+strconv.Itoa(res.ExitCode),
	)
	return cmd
}

// Calls returns every command line seen so far.
func (f *FakeExec) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the argument lists (without argv0) of calls to name.
func (f *FakeExec) CallsTo(name string) [][]string {
	var out [][]string
	for _, c := range f.Calls() {
		if filepath.Base(c[0]) == name {
			out = append(out, c[1:])
		}
	}
	return out
}

// CommandLines renders calls as space joined strings, which makes
// ordering assertions easier to read.
func (f *FakeExec) CommandLines() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, filepath.Base(c[0])+" "+strings.Join(c[1:], " "))
	}
	return out
}

// RunHelperProcess is the body of a test package's TestHelperProcess.
// It is a no-op unless the process was started by CommandContext.
func RunHelperProcess() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	fmt.Fprint(os.Stdout, os.Getenv("HELPER_STDOUT"))
	fmt.Fprint(os.Stderr, os.Getenv("HELPER_STDERR"))
	code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT"))
	os.Exit(code)
}
