package toolcache

import (
	"io"
	"os"

	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/kmp"
	"github.com/pkg/errors"
)

// appImageMagic marks a type 2 AppImage. It lives in the ELF identity
// padding, at offset 8.
var appImageMagic = []byte{0x41, 0x49, 0x02}

const appImageMagicOffset = 8

// ZeroAppImageMagic clears the AppImage magic in the file at path, so
// AppImage integration tools leave it alone and it runs as a plain
// ELF. Files without the magic are not modified.
func ZeroAppImageMagic(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return bundleerr.Fs("open", path, err)
	}
	defer f.Close()

	header := make([]byte, 16)
	if _, err := io.ReadFull(f, header); err != nil {
		return errors.Wrapf(err, "reading header of %s", path)
	}

	if kmp.IndexOf(appImageMagic, header) != appImageMagicOffset {
		return nil
	}

	if _, err := f.WriteAt(make([]byte, len(appImageMagic)), appImageMagicOffset); err != nil {
		return bundleerr.Fs("write", path, err)
	}
	return nil
}
