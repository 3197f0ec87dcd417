package binpatch

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/saferwall/pe"
)

// patchPE follows the pointer stored in the marker section to the
// marker string in .rdata:
//
//	rva    = pointer - ImageBase
//	offset = rdata.PointerToRawData + (rva - rdata.VirtualAddress)
func patchPE(data []byte, code string) ([]byte, error) {
	// NewBytes does not map a file, so there is nothing to Close.
	f, err := pe.NewBytes(data, &pe.Options{Fast: true})
	if err != nil {
		return nil, &BinaryParseError{Format: "PE", Err: err}
	}
	if err := f.Parse(); err != nil {
		return nil, &BinaryParseError{Format: "PE", Err: err}
	}

	var marker, rdata *pe.ImageSectionHeader
	for i := range f.Sections {
		switch f.Sections[i].String() {
		case markerSection:
			marker = &f.Sections[i].Header
		case rdataSection:
			rdata = &f.Sections[i].Header
		}
	}
	if marker == nil {
		return nil, ErrMissingBundleTypeVar
	}
	if rdata == nil {
		return nil, errors.Wrap(ErrMissingBundleTypeVar, "no .rdata section")
	}

	imageBase, err := peImageBase(f)
	if err != nil {
		return nil, err
	}

	ptrOff := uint64(marker.PointerToRawData)
	var ptr uint64
	if f.Is64 {
		if ptrOff+8 > uint64(len(data)) {
			return nil, errors.Wrap(ErrBinaryOffsetOutOfRange, "reading marker pointer")
		}
		ptr = binary.LittleEndian.Uint64(data[ptrOff:])
	} else {
		if ptrOff+4 > uint64(len(data)) {
			return nil, errors.Wrap(ErrBinaryOffsetOutOfRange, "reading marker pointer")
		}
		ptr = uint64(binary.LittleEndian.Uint32(data[ptrOff:]))
	}

	if ptr < imageBase {
		return nil, errors.Wrapf(ErrBinaryOffsetOutOfRange, "marker pointer %#x below image base %#x", ptr, imageBase)
	}
	rva := ptr - imageBase
	if rva < uint64(rdata.VirtualAddress) {
		return nil, errors.Wrapf(ErrBinaryOffsetOutOfRange, "marker rva %#x outside .rdata", rva)
	}

	return writeCode(data, uint64(rdata.PointerToRawData)+(rva-uint64(rdata.VirtualAddress)), code)
}

func peImageBase(f *pe.File) (uint64, error) {
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader64:
		return oh.ImageBase, nil
	case *pe.ImageOptionalHeader64:
		return oh.ImageBase, nil
	case pe.ImageOptionalHeader32:
		return uint64(oh.ImageBase), nil
	case *pe.ImageOptionalHeader32:
		return uint64(oh.ImageBase), nil
	}
	return 0, &BinaryParseError{Format: "PE", Err: errors.New("missing optional header")}
}
