package codesign

import (
	"bytes"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/pkg/errors"
)

// IsSigned reports whether the Mach-O at path carries an
// LC_CODE_SIGNATURE. A universal binary counts as signed only when
// every slice is.
func IsSigned(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", path)
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err == nil {
		defer m.Close()
		return hasSignature(m), nil
	}

	fat, fatErr := macho.NewFatFile(bytes.NewReader(data))
	if fatErr != nil {
		return false, errors.Wrapf(err, "parsing %s as mach-o", path)
	}
	defer fat.Close()

	if len(fat.Arches) == 0 {
		return false, nil
	}
	for _, arch := range fat.Arches {
		if !hasSignature(arch.File) {
			return false, nil
		}
	}
	return true, nil
}

func hasSignature(m *macho.File) bool {
	for _, l := range m.Loads {
		if _, ok := l.(*macho.CodeSignature); ok {
			return true
		}
	}
	return false
}
