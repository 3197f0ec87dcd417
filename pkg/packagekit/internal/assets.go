// Package internal holds the installer templates packagekit renders.
package internal

import (
	"embed"

	"github.com/pkg/errors"
)

//go:embed assets
var assets embed.FS

func asset(name string) ([]byte, error) {
	data, err := assets.ReadFile("assets/" + name)
	if err != nil {
		return nil, errors.Wrapf(err, "getting embedded %s", name)
	}
	return data, nil
}

// InstallerNSI is the default NSIS script template.
func InstallerNSI() ([]byte, error) {
	return asset("installer.nsi")
}

// MainWXS is the default WiX product template.
func MainWXS() ([]byte, error) {
	return asset("main.wxs")
}

// DesktopEntry is the default freedesktop .desktop template.
func DesktopEntry() ([]byte, error) {
	return asset("app.desktop")
}
