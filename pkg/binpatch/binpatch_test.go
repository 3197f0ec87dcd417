package binpatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPatchPE(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		pt   settings.PackageType
		code string
	}{
		{pt: settings.Nsis, code: "NSS"},
		{pt: settings.WindowsMsi, code: "MSI"},
	}

	for _, tt := range tests {
		orig := buildPE(peFixture{withMarkerSection: true})
		patched, err := PatchBytes(orig, tt.pt)
		require.NoError(t, err)

		require.Equal(t, tt.code, string(patched[peCodeOffset:peCodeOffset+3]))
		require.Equal(t, "UNK", string(orig[peCodeOffset:peCodeOffset+3]), "input must not be modified")

		// Everything but the three code bytes is untouched.
		require.Equal(t, orig[:peCodeOffset], patched[:peCodeOffset])
		require.Equal(t, orig[peCodeOffset+3:], patched[peCodeOffset+3:])
	}
}

func TestPatchIsIdempotent(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name string
		data []byte
		pt   settings.PackageType
	}{
		{name: "pe", data: buildPE(peFixture{withMarkerSection: true}), pt: settings.Nsis},
		{name: "elf", data: buildELF(true), pt: settings.Deb},
		{name: "stripped elf", data: buildELF(false), pt: settings.AppImage},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			once, err := PatchBytes(tt.data, tt.pt)
			require.NoError(t, err)

			twice, err := PatchBytes(once, tt.pt)
			require.NoError(t, err)
			require.Equal(t, once, twice)
		})
	}
}

func TestPatchOverwritesPreviousType(t *testing.T) {
	t.Parallel()

	data := buildPE(peFixture{withMarkerSection: true})

	msi, err := PatchBytes(data, settings.WindowsMsi)
	require.NoError(t, err)

	nsis, err := PatchBytes(msi, settings.Nsis)
	require.NoError(t, err)

	direct, err := PatchBytes(data, settings.Nsis)
	require.NoError(t, err)
	require.Equal(t, direct, nsis)
}

func TestPatchELF(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		pt   settings.PackageType
		code string
	}{
		{pt: settings.Deb, code: "DEB"},
		{pt: settings.Rpm, code: "RPM"},
		{pt: settings.AppImage, code: "APP"},
	}

	for _, withSymbols := range []bool{true, false} {
		for _, tt := range tests {
			patched, err := PatchBytes(buildELF(withSymbols), tt.pt)
			require.NoError(t, err)
			require.Equal(t, tt.code, string(patched[elfCodeOffset:elfCodeOffset+3]), "symbols=%v", withSymbols)
		}
	}
}

func TestPatchErrors(t *testing.T) {
	t.Parallel()

	_, err := PatchBytes(buildPE(peFixture{}), settings.Nsis)
	require.True(t, errors.Is(err, ErrMissingBundleTypeVar), "got %v", err)

	_, err = PatchBytes(buildPE(peFixture{withMarkerSection: true, pointer: 0x10}), settings.Nsis)
	require.True(t, errors.Is(err, ErrBinaryOffsetOutOfRange), "got %v", err)

	_, err = PatchBytes(buildPE(peFixture{withMarkerSection: true, pointer: fixtureImageBase + peRdataRVA + 0x10000}), settings.Nsis)
	require.True(t, errors.Is(err, ErrBinaryOffsetOutOfRange), "got %v", err)

	_, err = PatchBytes(buildPE(peFixture{withMarkerSection: true}), settings.Deb)
	require.True(t, errors.Is(err, ErrInvalidPackageType), "got %v", err)

	_, err = PatchBytes(buildELF(true), settings.WindowsMsi)
	require.True(t, errors.Is(err, ErrInvalidPackageType), "got %v", err)

	_, err = PatchBytes([]byte("#!/bin/sh\necho hi\n"), settings.Deb)
	var parseErr *BinaryParseError
	require.True(t, errors.As(err, &parseErr), "got %v", err)

	_, err = PatchBytes([]byte("MZ not really"), settings.Nsis)
	require.True(t, errors.As(err, &parseErr), "got %v", err)
}

func TestPatchFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.exe")
	require.NoError(t, os.WriteFile(path, buildPE(peFixture{withMarkerSection: true}), 0755))

	require.NoError(t, PatchFile(path, settings.WindowsMsi))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "MSI", string(data[peCodeOffset:peCodeOffset+3]))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())

	require.Error(t, PatchFile(filepath.Join(t.TempDir(), "missing.exe"), settings.Nsis))
}

func TestSupports(t *testing.T) {
	t.Parallel()

	require.True(t, Supports(settings.Nsis))
	require.True(t, Supports(settings.AppImage))
	require.False(t, Supports(settings.Dmg))
	require.False(t, Supports(settings.Updater))
}
