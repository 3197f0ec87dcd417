package authenticode

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/saferwall/pe"
	"go.mozilla.org/pkcs7"
)

const (
	securityDirectory         = 4 // IMAGE_DIRECTORY_ENTRY_SECURITY
	winCertTypePKCSSignedData = 0x0002
)

// IsSigned reports whether the PE file at path has an embedded
// authenticode signature. With a thumbprint, one of the signature's
// certificates must also match it. The signature itself is not
// validated against a trust store.
func IsSigned(path string, thumbprint string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", path)
	}

	// NewBytes does not map a file, so there is nothing to Close.
	f, err := pe.NewBytes(data, &pe.Options{Fast: true})
	if err != nil {
		return false, errors.Wrapf(err, "opening %s", path)
	}
	if err := f.Parse(); err != nil {
		return false, errors.Wrapf(err, "parsing %s", path)
	}

	var va, size uint32
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader64:
		va, size = oh.DataDirectory[securityDirectory].VirtualAddress, oh.DataDirectory[securityDirectory].Size
	case *pe.ImageOptionalHeader64:
		va, size = oh.DataDirectory[securityDirectory].VirtualAddress, oh.DataDirectory[securityDirectory].Size
	case pe.ImageOptionalHeader32:
		va, size = oh.DataDirectory[securityDirectory].VirtualAddress, oh.DataDirectory[securityDirectory].Size
	case *pe.ImageOptionalHeader32:
		va, size = oh.DataDirectory[securityDirectory].VirtualAddress, oh.DataDirectory[securityDirectory].Size
	default:
		return false, errors.Errorf("%s: unexpected optional header", path)
	}

	// The security directory is addressed by file offset, not rva.
	if va == 0 || size < 8 {
		return false, nil
	}
	start, end := uint64(va), uint64(va)+uint64(size)
	if end > uint64(len(data)) {
		return false, errors.Errorf("%s: certificate table out of range", path)
	}
	table := data[start:end]

	length := binary.LittleEndian.Uint32(table[0:4])
	certType := binary.LittleEndian.Uint16(table[6:8])
	if certType != winCertTypePKCSSignedData || length < 8 || uint64(length) > uint64(len(table)) {
		return false, nil
	}

	p7, err := pkcs7.Parse(table[8:length])
	if err != nil {
		return false, errors.Wrapf(err, "%s: parsing signature", path)
	}

	if thumbprint == "" {
		return len(p7.Certificates) > 0, nil
	}

	for _, cert := range p7.Certificates {
		sum := sha1.Sum(cert.Raw)
		if strings.EqualFold(hex.EncodeToString(sum[:]), strings.ReplaceAll(thumbprint, " ", "")) {
			return true, nil
		}
	}
	return false, nil
}
