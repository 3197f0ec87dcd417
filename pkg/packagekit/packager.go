// Package packagekit turns a built application into the distributable
// formats of each platform. Every format is a Packager; the bundler
// looks them up in a Registry by package type and runs them in
// priority order.
package packagekit

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/authenticode"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/bundler/pkg/toolcache"
	"github.com/pkg/errors"
)

// Bundle is what one package type produced.
type Bundle struct {
	PackageType settings.PackageType
	BundlePaths []string
}

// Packager builds one package type. built holds the bundles produced
// earlier in the same run, so wrappers such as dmg can reuse the .app.
// The returned bundles may include more than one package type.
type Packager interface {
	PackageType() settings.PackageType
	HostSupported(goos string) bool
	Package(ctx context.Context, s *settings.Settings, built []Bundle) ([]Bundle, error)
}

// WindowsSigner signs PE files. authenticode.Signer is the real one.
type WindowsSigner interface {
	Sign(ctx context.Context, path string, ws settings.WindowsSettings) error
	IsSigned(path string, ws settings.WindowsSettings) (bool, error)
	CommandLine(path string, ws settings.WindowsSettings) ([]string, error)
}

type Registry struct {
	packagers map[settings.PackageType]Packager
}

func NewRegistry() *Registry {
	return &Registry{packagers: make(map[settings.PackageType]Packager)}
}

// Register adds p, replacing any packager already registered for its
// package type.
func (r *Registry) Register(p Packager) {
	r.packagers[p.PackageType()] = p
}

func (r *Registry) Lookup(pt settings.PackageType) (Packager, bool) {
	p, ok := r.packagers[pt]
	return p, ok
}

// PackageTypes lists the registered types in priority order.
func (r *Registry) PackageTypes() []settings.PackageType {
	var types []settings.PackageType
	for pt := range r.packagers {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	settings.SortByPriority(types)
	return types
}

type packagerOptions struct {
	execCC        func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
	getenv        func(string) string
	lookupEnv     func(string) (string, bool)
	homeDir       string
	windowsSigner WindowsSigner
	tools         *toolcache.Cache
	toolOpts      []toolcache.Opt
	wixPath       string
	wixDocker     string
	fpmDocker     string
}

type Opt func(*packagerOptions)

func WithExecCC(fn func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(po *packagerOptions) {
		if fn != nil {
			po.execCC = fn
		}
	}
}

// WithEnv overrides environment lookups. Credentials and signing
// secrets are all read through it.
func WithEnv(lookupEnv func(string) (string, bool)) Opt {
	return func(po *packagerOptions) {
		po.lookupEnv = lookupEnv
		po.getenv = func(k string) string {
			v, _ := lookupEnv(k)
			return v
		}
	}
}

func WithHomeDir(dir string) Opt {
	return func(po *packagerOptions) {
		po.homeDir = dir
	}
}

func WithWindowsSigner(s WindowsSigner) Opt {
	return func(po *packagerOptions) {
		po.windowsSigner = s
	}
}

// WithToolCache sets where linuxdeploy and the NSIS plugins are
// downloaded to.
func WithToolCache(c *toolcache.Cache) Opt {
	return func(po *packagerOptions) {
		po.tools = c
	}
}

// WithToolCacheOpts adds options to the tool cache built from the
// settings. Ignored when WithToolCache is used.
func WithToolCacheOpts(opts ...toolcache.Opt) Opt {
	return func(po *packagerOptions) {
		po.toolOpts = append(po.toolOpts, opts...)
	}
}

// WithWix sets the directory holding candle and light.
func WithWix(path string) Opt {
	return func(po *packagerOptions) {
		po.wixPath = path
	}
}

// WithWixDocker runs the wix tools under wine in the named image, which
// makes msi builds possible off windows.
func WithWixDocker(image string) Opt {
	return func(po *packagerOptions) {
		po.wixDocker = image
	}
}

// WithFPMDocker runs fpm in the named image instead of from PATH.
func WithFPMDocker(image string) Opt {
	return func(po *packagerOptions) {
		po.fpmDocker = image
	}
}

func newPackagerOptions(opts []Opt) *packagerOptions {
	home, _ := os.UserHomeDir()
	po := &packagerOptions{
		execCC:    exec.CommandContext,
		getenv:    os.Getenv,
		lookupEnv: os.LookupEnv,
		homeDir:   home,
	}
	for _, opt := range opts {
		opt(po)
	}
	if po.windowsSigner == nil {
		po.windowsSigner = authenticode.NewSigner(authenticode.WithExecCC(po.execCC))
	}
	return po
}

// toolCache returns the configured cache, or one under the local tools
// directory (falling back to the user cache dir).
func (po *packagerOptions) toolCache(s *settings.Settings) (*toolcache.Cache, error) {
	if po.tools != nil {
		return po.tools, nil
	}
	opts := append([]toolcache.Opt{toolcache.WithGetenv(po.getenv)}, po.toolOpts...)
	dir := s.LocalToolsDir()
	if dir != "" {
		return toolcache.New(filepath.Join(dir, ".bundler"), opts...), nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return nil, errors.Wrap(err, "finding user cache dir")
	}
	return toolcache.New(filepath.Join(cacheDir, "kolide-bundler"), opts...), nil
}

// signWindows signs a PE file with the configured signer. no_sign only
// warns.
func (po *packagerOptions) signWindows(ctx context.Context, s *settings.Settings, path string) error {
	logger := ctxlog.FromContext(ctx)

	if s.NoSign() {
		level.Warn(logger).Log("msg", "skipping signing due to no-sign flag", "path", path)
		return nil
	}
	if err := po.windowsSigner.Sign(ctx, path, s.Windows()); err != nil {
		return errors.Wrapf(err, "signing %s", path)
	}
	return nil
}

// DefaultRegistry registers every packager this module ships, all
// sharing opts.
func DefaultRegistry(opts ...Opt) *Registry {
	po := newPackagerOptions(opts)

	r := NewRegistry()
	r.Register(&appPackager{po})
	r.Register(&dmgPackager{po})
	r.Register(&iosPackager{po})
	r.Register(&nsisPackager{po})
	r.Register(&msiPackager{po})
	r.Register(&fpmPackager{po, settings.Deb})
	r.Register(&fpmPackager{po, settings.Rpm})
	r.Register(&appImagePackager{po})
	return r
}

// bundlePaths returns the paths of the first bundle of type pt.
func bundlePaths(built []Bundle, pt settings.PackageType) []string {
	for _, b := range built {
		if b.PackageType == pt {
			return b.BundlePaths
		}
	}
	return nil
}
