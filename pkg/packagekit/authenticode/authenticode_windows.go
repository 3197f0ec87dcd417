//go:build windows
// +build windows

package authenticode

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows/registry"
)

// signtoolPath finds the newest signtool.exe shipped with the Windows
// 10 SDK, falling back to whatever is on PATH.
func signtoolPath() (string, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows Kits\Installed Roots`, registry.QUERY_VALUE|registry.WOW64_32KEY)
	if err != nil {
		return "signtool.exe", nil
	}
	defer key.Close()

	kitsRoot, _, err := key.GetStringValue("KitsRoot10")
	if err != nil {
		return "signtool.exe", nil
	}

	arch := map[string]string{
		"amd64": "x64",
		"386":   "x86",
		"arm64": "arm64",
	}[runtime.GOARCH]

	candidates, err := filepath.Glob(filepath.Join(kitsRoot, "bin", "10.*", arch, "signtool.exe"))
	if err != nil {
		return "", errors.Wrap(err, "globbing for signtool")
	}
	if len(candidates) == 0 {
		if _, err := os.Stat(filepath.Join(kitsRoot, "App Certification Kit", "signtool.exe")); err == nil {
			return filepath.Join(kitsRoot, "App Certification Kit", "signtool.exe"), nil
		}
		return "signtool.exe", nil
	}

	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}
