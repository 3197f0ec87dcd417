// Package binpatch records the package type that wrapped an
// executable by rewriting a three byte marker inside the compiled
// binary. The running application reads the marker back to learn how
// it was installed, which the updater needs to pick the right
// artifact.
//
// Windows binaries carry a pointer to the marker in a dedicated
// .taubndl section; Linux binaries export it as the
// __TAURI_BUNDLE_TYPE symbol.
package binpatch

import (
	"bytes"
	"fmt"
	"os"

	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
)

const (
	markerSection = ".taubndl"
	rdataSection  = ".rdata"
	markerSymbol  = "__TAURI_BUNDLE_TYPE"

	// markerPrefix precedes the three byte code in the marker string.
	// It is only searched for when an ELF binary has no symbols left.
	markerPrefix = "__TAURI_BUNDLE_TYPE_VAR_"

	codeLen = 3
)

var (
	ErrMissingBundleTypeVar   = errors.New("__TAURI_BUNDLE_TYPE variable not found in binary; make sure the runtime and bundler are up to date and that symbol stripping is disabled")
	ErrBinaryOffsetOutOfRange = errors.New("binary offset out of range")
	ErrInvalidPackageType     = errors.New("package type cannot be recorded in this binary format")
)

// BinaryParseError is returned when the input is not a PE or ELF file
// we can make sense of.
type BinaryParseError struct {
	Format string
	Err    error
}

func (e *BinaryParseError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("failed to parse binary: %v", e.Err)
	}
	return fmt.Sprintf("failed to parse %s binary: %v", e.Format, e.Err)
}

func (e *BinaryParseError) Unwrap() error { return e.Err }

var (
	peMagic  = []byte("MZ")
	elfMagic = []byte("\x7fELF")
)

// PatchBytes returns a copy of data with the marker set for pt. data
// is not modified.
func PatchBytes(data []byte, pt settings.PackageType) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, peMagic):
		code, err := peCode(pt)
		if err != nil {
			return nil, err
		}
		return patchPE(data, code)
	case bytes.HasPrefix(data, elfMagic):
		code, err := elfCode(pt)
		if err != nil {
			return nil, err
		}
		return patchELF(data, code)
	default:
		return nil, &BinaryParseError{Err: errors.New("unrecognized executable format")}
	}
}

// PatchFile patches the binary at path in place.
func PatchFile(path string, pt settings.PackageType) error {
	info, err := os.Stat(path)
	if err != nil {
		return bundleerr.Fs("stat binary", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return bundleerr.Fs("read binary", path, err)
	}

	patched, err := PatchBytes(data, pt)
	if err != nil {
		return errors.Wrapf(err, "patching %s", path)
	}

	if err := os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		return bundleerr.Fs("write binary", path, err)
	}
	return nil
}

// Supports reports whether the patcher has anything to do for pt.
func Supports(pt settings.PackageType) bool {
	_, peErr := peCode(pt)
	_, elfErr := elfCode(pt)
	return peErr == nil || elfErr == nil
}

func peCode(pt settings.PackageType) (string, error) {
	switch pt {
	case settings.Nsis:
		return "NSS", nil
	case settings.WindowsMsi:
		return "MSI", nil
	}
	return "", errors.Wrapf(ErrInvalidPackageType, "%s on PE", pt)
}

func elfCode(pt settings.PackageType) (string, error) {
	switch pt {
	case settings.Deb:
		return "DEB", nil
	case settings.Rpm:
		return "RPM", nil
	case settings.AppImage:
		return "APP", nil
	}
	return "", errors.Wrapf(ErrInvalidPackageType, "%s on ELF", pt)
}

// writeCode copies data and writes code at off.
func writeCode(data []byte, off uint64, code string) ([]byte, error) {
	if off > uint64(len(data)) || uint64(len(data))-off < codeLen {
		return nil, errors.Wrapf(ErrBinaryOffsetOutOfRange, "offset %#x in %d byte file", off, len(data))
	}
	out := make([]byte, len(data))
	copy(out, data)
	copy(out[off:off+codeLen], code)
	return out, nil
}
