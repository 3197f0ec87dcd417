package codesign

import (
	"os"

	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"howett.net/plist"
)

// Entitlements is either a plist on disk or an inline dictionary that
// gets written to a temp file for each codesign call.
type Entitlements struct {
	Path   string
	Inline map[string]interface{}
}

func EntitlementsFromSettings(ms settings.MacOSSettings) Entitlements {
	return Entitlements{Path: ms.Entitlements, Inline: ms.InlineEntitlements}
}

func (e Entitlements) resolve() (string, func(), error) {
	noop := func() {}

	if e.Path != "" {
		return e.Path, noop, nil
	}
	if len(e.Inline) == 0 {
		return "", noop, nil
	}

	data, err := plist.MarshalIndent(e.Inline, plist.XMLFormat, "\t")
	if err != nil {
		return "", noop, errors.Wrap(err, "encoding entitlements")
	}

	f, err := os.CreateTemp("", "entitlements-*.plist")
	if err != nil {
		return "", noop, bundleerr.Fs("create temp file", os.TempDir(), err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", noop, bundleerr.Fs("write", f.Name(), err)
	}

	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
