//go:build !windows
// +build !windows

package authenticode

// signtoolPath on non windows hosts relies on a signtool compatible
// binary on PATH. Most cross builds use a custom sign command instead.
func signtoolPath() (string, error) {
	return "signtool", nil
}
