// Package settings is the configuration shared by every packager. A
// Settings value is assembled once by a Builder, validated, and then
// treated as read-only for the rest of the bundle run. Only the
// no-sign flag and the log level can change afterwards.
package settings

import (
	"path/filepath"
	"sync"
)

// LogLevel is the verbosity passed down to external tools.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// PackageSettings is the application metadata, usually from the
// project manifest.
type PackageSettings struct {
	ProductName string
	Version     string
	Description string
	Homepage    string
	Authors     []string
}

// BundleSettings is everything about how the application is packaged.
type BundleSettings struct {
	Identifier       string
	Publisher        string
	Copyright        string
	Category         string
	ShortDescription string
	LongDescription  string
	Icons            []string
	Resources        []string
	ResourcesMap     map[string]string
	ExternalBin      []string

	MacOS    MacOSSettings
	Dmg      DmgSettings
	IOS      IOSSettings
	Windows  WindowsSettings
	Deb      DebSettings
	Rpm      RpmSettings
	AppImage AppImageSettings
	Updater  *UpdaterSettings
}

// Binary is a compiled executable shipped in the bundle.
type Binary struct {
	Name string
	Path string
	Main bool
}

// Resource is a file copied into the bundle. Target is relative to the
// bundle's resource directory.
type Resource struct {
	Source string
	Target string
}

type Settings struct {
	pkg           PackageSettings
	bundle        BundleSettings
	outDir        string
	target        Target
	packageTypes  []PackageType
	binaries      []Binary
	externalBins  []string
	resources     []Resource
	localToolsDir string

	mu       sync.RWMutex
	noSign   bool
	logLevel LogLevel
}

func (s *Settings) ProductName() string { return s.pkg.ProductName }
func (s *Settings) Version() string { return s.pkg.Version }
func (s *Settings) Description() string { return s.pkg.Description }
func (s *Settings) Homepage() string { return s.pkg.Homepage }
func (s *Settings) Authors() []string { return s.pkg.Authors }
func (s *Settings) Identifier() string { return s.bundle.Identifier }
func (s *Settings) Publisher() string { return s.bundle.Publisher }
func (s *Settings) Copyright() string { return s.bundle.Copyright }
func (s *Settings) Category() string { return s.bundle.Category }
func (s *Settings) Icons() []string { return s.bundle.Icons }
func (s *Settings) OutDir() string { return s.outDir }
func (s *Settings) Target() Target { return s.target }
func (s *Settings) Binaries() []Binary { return s.binaries }
func (s *Settings) ExternalBinaries() []string { return s.externalBins }
func (s *Settings) Resources() []Resource { return s.resources }
func (s *Settings) LocalToolsDir() string { return s.localToolsDir }

func (s *Settings) MacOS() MacOSSettings { return s.bundle.MacOS }
func (s *Settings) Dmg() DmgSettings { return s.bundle.Dmg }
func (s *Settings) IOS() IOSSettings { return s.bundle.IOS }
func (s *Settings) Windows() WindowsSettings { return s.bundle.Windows }
func (s *Settings) Deb() DebSettings { return s.bundle.Deb }
func (s *Settings) Rpm() RpmSettings { return s.bundle.Rpm }
func (s *Settings) AppImage() AppImageSettings { return s.bundle.AppImage }

// Updater returns the updater settings, and false when the updater is
// not configured.
func (s *Settings) Updater() (UpdaterSettings, bool) {
	if s.bundle.Updater == nil {
		return UpdaterSettings{}, false
	}
	return *s.bundle.Updater, true
}

// ShortDescription falls back to the package description.
func (s *Settings) ShortDescription() string {
	if s.bundle.ShortDescription != "" {
		return s.bundle.ShortDescription
	}
	return s.pkg.Description
}

func (s *Settings) LongDescription() string {
	return s.bundle.LongDescription
}

// MainBinary returns the binary flagged as the application entrypoint.
// Build guarantees there is exactly one.
func (s *Settings) MainBinary() Binary {
	for _, b := range s.binaries {
		if b.Main {
			return b
		}
	}
	return Binary{}
}

// MainBinaryName is the executable name without any platform suffix.
func (s *Settings) MainBinaryName() string {
	return s.MainBinary().Name
}

// BundleDir is where a given output format is written, eg
// <out>/bundle/nsis.
func (s *Settings) BundleDir(format string) string {
	return filepath.Join(s.outDir, "bundle", format)
}

// PackageTypes returns the package types to build, restricted to what
// the target platform can produce. With nothing requested, the
// platform defaults are used.
func (s *Settings) PackageTypes() []PackageType {
	requested := s.packageTypes
	if len(requested) == 0 {
		requested = s.target.DefaultPackageTypes()
		if s.bundle.Updater != nil {
			requested = append(requested, Updater)
		}
	}

	var out []PackageType
	for _, pt := range requested {
		if s.target.Supports(pt) {
			out = append(out, pt)
		}
	}
	return out
}

func (s *Settings) NoSign() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.noSign
}

func (s *Settings) SetNoSign(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSign = v
}

func (s *Settings) LogLevel() LogLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logLevel
}

func (s *Settings) SetLogLevel(l LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLevel = l
}
