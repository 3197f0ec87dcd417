package settings

import (
	"fmt"
	"sort"
	"strings"
)

// PackageType is a distributable format the bundler can produce.
type PackageType int

const (
	MacOsBundle PackageType = iota
	IosBundle
	WindowsMsi
	Nsis
	Deb
	Rpm
	AppImage
	Dmg
	Updater
)

var allPackageTypes = []PackageType{
	MacOsBundle,
	IosBundle,
	WindowsMsi,
	Nsis,
	Deb,
	Rpm,
	AppImage,
	Dmg,
	Updater,
}

var shortNames = map[PackageType]string{
	MacOsBundle: "app",
	IosBundle:   "ios",
	WindowsMsi:  "msi",
	Nsis:        "nsis",
	Deb:         "deb",
	Rpm:         "rpm",
	AppImage:    "appimage",
	Dmg:         "dmg",
	Updater:     "updater",
}

// AllPackageTypes returns every known package type.
func AllPackageTypes() []PackageType {
	return append([]PackageType(nil), allPackageTypes...)
}

// PackageTypeFromShortName maps a user supplied name (as used in
// config files and on the command line) to a PackageType.
func PackageTypeFromShortName(name string) (PackageType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for pt, short := range shortNames {
		if short == name {
			return pt, true
		}
	}
	return 0, false
}

// ShortName is the config and CLI spelling of the package type.
func (pt PackageType) ShortName() string {
	if s, ok := shortNames[pt]; ok {
		return s
	}
	return fmt.Sprintf("PackageType(%d)", int(pt))
}

func (pt PackageType) String() string {
	return pt.ShortName()
}

// Priority orders the build. Lower values are built first; a type
// that packages the output of another must have a higher priority
// than the type it wraps.
func (pt PackageType) Priority() int {
	switch pt {
	case Dmg:
		return 1
	case Updater:
		return 2
	default:
		return 0
	}
}

func (pt PackageType) MarshalText() ([]byte, error) {
	if _, ok := shortNames[pt]; !ok {
		return nil, fmt.Errorf("unknown package type %d", int(pt))
	}
	return []byte(pt.ShortName()), nil
}

func (pt *PackageType) UnmarshalText(text []byte) error {
	parsed, ok := PackageTypeFromShortName(string(text))
	if !ok {
		return fmt.Errorf("unknown package type %q", string(text))
	}
	*pt = parsed
	return nil
}

// SortByPriority sorts package types in place, keeping the relative
// order of types that share a priority.
func SortByPriority(types []PackageType) {
	sort.SliceStable(types, func(i, j int) bool {
		return types[i].Priority() < types[j].Priority()
	})
}

// Dedup returns types with repeated entries removed, keeping the first
// occurrence of each.
func Dedup(types []PackageType) []PackageType {
	seen := make(map[PackageType]bool, len(types))
	out := make([]PackageType, 0, len(types))
	for _, pt := range types {
		if seen[pt] {
			continue
		}
		seen[pt] = true
		out = append(out, pt)
	}
	return out
}

// ParsePackageTypes parses a list of short names, such as a
// comma separated --bundles flag split into parts.
func ParsePackageTypes(names []string) ([]PackageType, error) {
	var out []PackageType
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		pt, ok := PackageTypeFromShortName(name)
		if !ok {
			return nil, fmt.Errorf("unsupported bundle format %q", name)
		}
		out = append(out, pt)
	}
	return out, nil
}
