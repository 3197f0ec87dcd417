package wix

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
)

const (
	mainWxsName = "main.wxs"
	harvestName = "AppFiles.wxs"
	outputName  = "out.msi"
)

type Tool struct {
	wixPath        string            // Where the wix binaries live
	sourceDir      string            // Staged files to install
	buildDir       string            // The wix tools want to work in a build dir.
	msArch         string            // x86, x64 or arm64
	dockerImage    string            // If in docker, what image?
	culture        string            // light -cultures
	skipValidation bool              // Skip light validation. Needed for wine environments.
	fragments      []string          // extra wxs sources compiled alongside main.wxs
	variables      map[string]string // preprocessor variables for candle and light
	cleanDirs      []string          // directories to rm on cleanup

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type Opt func(*Tool)

// WithArch sets the microsoft architecture name (x86, x64, arm64).
func WithArch(msArch string) Opt {
	return func(t *Tool) {
		t.msArch = msArch
	}
}

// If you're running this in a virtual win environment, you probably
// need to skip validation. LGHT0216 is a common error.
func SkipValidation() Opt {
	return func(t *Tool) {
		t.skipValidation = true
	}
}

func WithWix(path string) Opt {
	return func(t *Tool) {
		t.wixPath = path
	}
}

func WithBuildDir(path string) Opt {
	return func(t *Tool) {
		t.buildDir = path
	}
}

func WithDocker(image string) Opt {
	return func(t *Tool) {
		t.dockerImage = image
	}
}

func WithCulture(culture string) Opt {
	return func(t *Tool) {
		t.culture = culture
	}
}

// WithFragments adds wxs files compiled and linked with the product.
func WithFragments(paths ...string) Opt {
	return func(t *Tool) {
		t.fragments = append(t.fragments, paths...)
	}
}

// WithVariable defines a -d preprocessor variable.
func WithVariable(name, value string) Opt {
	return func(t *Tool) {
		t.variables[name] = value
	}
}

func WithExecCC(fn func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(t *Tool) {
		t.execCC = fn
	}
}

// New takes a sourceDir of staged files, and the product wxs, and will
// return a Tool suitable for building packages with.
func New(sourceDir string, mainWxsContent []byte, opts ...Opt) (*Tool, error) {
	t := &Tool{
		wixPath:   `C:\Program Files (x86)\WiX Toolset v3.14\bin`,
		sourceDir: sourceDir,
		msArch:    "x64",
		culture:   "en-US",
		variables: make(map[string]string),

		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.buildDir == "" {
		dir, err := os.MkdirTemp("", "wix-build-dir")
		if err != nil {
			return nil, errors.Wrap(err, "making temp wix-build-dir")
		}
		t.buildDir = dir
		t.cleanDirs = append(t.cleanDirs, dir)
	} else if err := os.MkdirAll(t.buildDir, 0755); err != nil {
		return nil, bundleerr.Fs("create dir", t.buildDir, err)
	}

	mainWxsPath := filepath.Join(t.buildDir, mainWxsName)
	if err := os.WriteFile(mainWxsPath, mainWxsContent, 0644); err != nil {
		return nil, bundleerr.Fs("write", mainWxsPath, err)
	}

	// Fragments are copied into the build dir so docker sees them.
	for i, src := range t.fragments {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, bundleerr.Fs("read", src, err)
		}
		name := fmt.Sprintf("fragment%d.wxs", i)
		if err := os.WriteFile(filepath.Join(t.buildDir, name), data, 0644); err != nil {
			return nil, bundleerr.Fs("write", name, err)
		}
		t.fragments[i] = name
	}

	return t, nil
}

// Cleanup removes temp directories. Meant to be called in a defer.
func (t *Tool) Cleanup() {
	for _, d := range t.cleanDirs {
		os.RemoveAll(d)
	}
}

// BuildDir is where the intermediate files and the msi are written.
func (t *Tool) BuildDir() string {
	return t.buildDir
}

// Package runs through the wix steps, and returns the path of the
// resulting msi inside the build dir.
func (t *Tool) Package(ctx context.Context) (string, error) {
	if err := t.heat(ctx); err != nil {
		return "", errors.Wrap(err, "running heat")
	}

	if err := t.candle(ctx); err != nil {
		return "", errors.Wrap(err, "running candle")
	}

	if err := t.light(ctx); err != nil {
		return "", errors.Wrap(err, "running light")
	}

	out := filepath.Join(t.buildDir, outputName)
	if _, err := os.Stat(out); err != nil {
		return "", bundleerr.Fs("stat", out, err)
	}
	return out, nil
}

// heat invokes wix's heat command. This examines a directory and
// "harvests" the files into an xml structure. See
// http://wixtoolset.org/documentation/manual/v3/overview/heat.html
func (t *Tool) heat(ctx context.Context) error {
	_, err := t.execOut(ctx,
		t.tool("heat.exe"),
		"dir", t.sourceDir,
		"-nologo",
		"-gg", "-g1",
		"-srd",
		"-sfrag",
		"-ke",
		"-cg", "AppFiles",
		"-template", "fragment",
		"-dr", "INSTALLDIR",
		"-var", "var.SourceDir",
		"-out", harvestName,
	)
	return err
}

// candle invokes wix's candle command. This is the wix compiler, It
// preprocesses and compiles WiX source files into object files
// (.wixobj).
func (t *Tool) candle(ctx context.Context) error {
	args := []string{
		"-nologo",
		"-arch", t.msArch,
		"-ext", "WixUIExtension",
		"-ext", "WixUtilExtension",
	}
	args = append(args, t.defines()...)
	args = append(args, t.sources()...)

	_, err := t.execOut(ctx, t.tool("candle.exe"), args...)
	return err
}

// light invokes wix's light command. This links and binds one or more
// .wixobj files and creates a Windows Installer database (.msi or
// .msm). See http://wixtoolset.org/documentation/manual/v3/overview/light.html for options
func (t *Tool) light(ctx context.Context) error {
	args := []string{
		"-nologo",
		"-ext", "WixUIExtension",
		"-ext", "WixUtilExtension",
		"-cultures:" + t.culture,
		"-dcl:high", // compression level
	}
	args = append(args, t.defines()...)
	for _, src := range t.sources() {
		args = append(args, strings.TrimSuffix(src, ".wxs")+".wixobj")
	}
	args = append(args, "-out", outputName)

	if t.skipValidation {
		args = append(args, "-sval")
	}

	_, err := t.execOut(ctx, t.tool("light.exe"), args...)
	return err
}

func (t *Tool) sources() []string {
	return append([]string{mainWxsName, harvestName}, t.fragments...)
}

func (t *Tool) defines() []string {
	defines := []string{"-dSourceDir=" + t.sourceDir}
	names := make([]string, 0, len(t.variables))
	for name := range t.variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		defines = append(defines, fmt.Sprintf("-d%s=%s", name, t.variables[name]))
	}
	return defines
}

func (t *Tool) tool(name string) string {
	return filepath.Join(t.wixPath, name)
}

func (t *Tool) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	if t.dockerImage != "" {
		dockerArgs := []string{
			"run", "--rm",
			"--entrypoint", "",
			"-v", fmt.Sprintf("%s:%s", t.sourceDir, t.sourceDir),
			"-v", fmt.Sprintf("%s:%s", t.buildDir, t.buildDir),
			"-w", t.buildDir,
			t.dockerImage,
			"wine",
			argv0,
		}
		argv0 = "docker"
		args = append(dockerArgs, args...)
	}

	cmd := t.execCC(ctx, argv0, args...)

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
	)

	cmd.Dir = t.buildDir
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
