package settings

import (
	"os"
	"path/filepath"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

var (
	ErrMissingProductName   = errors.New("product name is required")
	ErrMissingIdentifier    = errors.New("bundle identifier is required")
	ErrMissingVersion       = errors.New("version is required")
	ErrNoBinaries           = errors.New("no binaries configured")
	ErrNoMainBinary         = errors.New("no main binary configured")
	ErrMultipleMainBinaries = errors.New("more than one main binary configured")
	ErrMissingOutDir        = errors.New("project output directory is required")
)

// Builder collects the inputs to a Settings value. Calls may be
// chained; nothing is validated until Build.
type Builder struct {
	pkg                  PackageSettings
	bundle               BundleSettings
	outDir               string
	triple               string
	packageTypes         []PackageType
	binaries             []Binary
	localToolsDir        string
	resourceBaseDir      string
	requireBinariesExist bool
	noSign               bool
	logLevel             LogLevel
}

func NewBuilder() *Builder {
	return &Builder{logLevel: LogInfo}
}

func (b *Builder) OutDir(dir string) *Builder {
	b.outDir = dir
	return b
}

func (b *Builder) PackageTypes(types ...PackageType) *Builder {
	b.packageTypes = append(b.packageTypes, types...)
	return b
}

func (b *Builder) Package(p PackageSettings) *Builder {
	b.pkg = p
	return b
}

func (b *Builder) Bundle(bs BundleSettings) *Builder {
	b.bundle = bs
	return b
}

func (b *Builder) Binaries(bins ...Binary) *Builder {
	b.binaries = append(b.binaries, bins...)
	return b
}

// Target sets the target triple. When unset the host is targeted.
func (b *Builder) Target(triple string) *Builder {
	b.triple = triple
	return b
}

// LocalToolsDir is where downloaded tools (linuxdeploy, nsis) are cached.
func (b *Builder) LocalToolsDir(dir string) *Builder {
	b.localToolsDir = dir
	return b
}

// ResourceBaseDir is the directory relative resource patterns, icons
// and sidecars are resolved against. Defaults to the working directory.
func (b *Builder) ResourceBaseDir(dir string) *Builder {
	b.resourceBaseDir = dir
	return b
}

// RequireBinariesExist makes Build check every binary is on disk.
func (b *Builder) RequireBinariesExist(v bool) *Builder {
	b.requireBinariesExist = v
	return b
}

func (b *Builder) NoSign(v bool) *Builder {
	b.noSign = v
	return b
}

func (b *Builder) LogLevel(l LogLevel) *Builder {
	b.logLevel = l
	return b
}

// Build validates the collected inputs and returns the Settings.
func (b *Builder) Build() (*Settings, error) {
	if b.pkg.ProductName == "" {
		return nil, ErrMissingProductName
	}
	if b.pkg.Version == "" {
		return nil, ErrMissingVersion
	}
	if _, err := semver.NewVersion(b.pkg.Version); err != nil {
		return nil, errors.Wrapf(err, "invalid version %q", b.pkg.Version)
	}
	if b.bundle.Identifier == "" {
		return nil, ErrMissingIdentifier
	}
	if b.outDir == "" {
		return nil, ErrMissingOutDir
	}

	target := HostTarget()
	if b.triple != "" {
		var err error
		if target, err = ParseTarget(b.triple); err != nil {
			return nil, errors.Wrap(err, "parsing target")
		}
	}

	baseDir := b.resourceBaseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "getting working directory")
		}
		baseDir = wd
	}

	binaries, err := b.resolveBinaries(target)
	if err != nil {
		return nil, err
	}

	resources, err := expandResources(baseDir, b.bundle.Resources, b.bundle.ResourcesMap)
	if err != nil {
		return nil, errors.Wrap(err, "expanding resources")
	}

	var externalBins []string
	for _, name := range b.bundle.ExternalBin {
		externalBins = append(externalBins, sidecarPath(baseDir, name, target))
	}

	bundle := b.bundle
	bundle.Icons = nil
	for _, icon := range b.bundle.Icons {
		bundle.Icons = append(bundle.Icons, absJoin(baseDir, icon))
	}

	s := &Settings{
		pkg:           b.pkg,
		bundle:        bundle,
		outDir:        b.outDir,
		target:        target,
		packageTypes:  Dedup(b.packageTypes),
		binaries:      binaries,
		externalBins:  externalBins,
		resources:     resources,
		localToolsDir: b.localToolsDir,
		noSign:        b.noSign,
		logLevel:      b.logLevel,
	}

	return s, nil
}

func (b *Builder) resolveBinaries(target Target) ([]Binary, error) {
	if len(b.binaries) == 0 {
		return nil, ErrNoBinaries
	}

	bins := make([]Binary, len(b.binaries))
	copy(bins, b.binaries)

	mains := 0
	for _, bin := range bins {
		if bin.Main {
			mains++
		}
	}
	switch {
	case mains == 0 && len(bins) == 1:
		bins[0].Main = true
	case mains == 0:
		return nil, ErrNoMainBinary
	case mains > 1:
		return nil, ErrMultipleMainBinaries
	}

	for i := range bins {
		if bins[i].Path == "" {
			bins[i].Path = filepath.Join(b.outDir, target.PlatformBinaryName(bins[i].Name))
		}
		if !b.requireBinariesExist {
			continue
		}
		if _, err := os.Stat(bins[i].Path); err != nil {
			return nil, errors.Wrapf(err, "binary %s", bins[i].Name)
		}
	}

	return bins, nil
}

// sidecarPath is where an external binary is expected: the configured
// name suffixed with the target triple.
func sidecarPath(baseDir, name string, target Target) string {
	return absJoin(baseDir, target.PlatformBinaryName(name+"-"+target.Triple))
}

func absJoin(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
