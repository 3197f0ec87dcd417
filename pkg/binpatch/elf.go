package binpatch

import (
	"bytes"
	"debug/elf"

	"github.com/kolide/bundler/pkg/kmp"
	"github.com/pkg/errors"
)

// patchELF writes the code at the file offset of the marker symbol,
// computed from the section that holds it. Binaries stripped of their
// symbol tables fall back to searching read-only data for the marker
// string.
func patchELF(data []byte, code string) ([]byte, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &BinaryParseError{Format: "ELF", Err: err}
	}
	defer f.Close()

	if off, ok, err := symbolOffset(f); err != nil {
		return nil, err
	} else if ok {
		return writeCode(data, off, code)
	}

	if off, ok := searchMarker(f, data); ok {
		return writeCode(data, off, code)
	}

	return nil, ErrMissingBundleTypeVar
}

func symbolOffset(f *elf.File) (uint64, bool, error) {
	var syms []elf.Symbol
	if s, err := f.Symbols(); err == nil {
		syms = append(syms, s...)
	}
	if s, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, s...)
	}

	for _, sym := range syms {
		if sym.Name != markerSymbol {
			continue
		}
		idx := int(sym.Section)
		if idx <= 0 || idx >= len(f.Sections) {
			return 0, false, errors.Wrapf(ErrBinaryOffsetOutOfRange, "symbol section index %d", idx)
		}
		sec := f.Sections[idx]
		if sym.Value < sec.Addr {
			return 0, false, errors.Wrapf(ErrBinaryOffsetOutOfRange, "symbol address %#x below section %s", sym.Value, sec.Name)
		}
		return sym.Value - sec.Addr + sec.Offset, true, nil
	}

	return 0, false, nil
}

func searchMarker(f *elf.File, data []byte) (uint64, bool) {
	prefix := []byte(markerPrefix)
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR != 0 {
			continue
		}
		end := sec.Offset + sec.Size
		if end > uint64(len(data)) {
			continue
		}
		if idx := kmp.IndexOf(prefix, data[sec.Offset:end]); idx >= 0 {
			return sec.Offset + uint64(idx) + uint64(len(prefix)), true
		}
	}
	return 0, false
}
