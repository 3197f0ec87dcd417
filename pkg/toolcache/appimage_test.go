package toolcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroAppImageMagic(t *testing.T) {
	t.Parallel()

	elfIdent := []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}

	var tests = []struct {
		name   string
		in     []byte
		out    []byte
		errors bool
	}{
		{
			name: "appimage",
			in:   append(append(append([]byte{}, elfIdent...), 0x41, 0x49, 0x02), 0, 0, 0, 0, 0, 0xaa),
			out:  append(append([]byte{}, elfIdent...), 0, 0, 0, 0, 0, 0, 0, 0, 0xaa),
		},
		{
			name: "already cleared",
			in:   append(append([]byte{}, elfIdent...), 0, 0, 0, 0, 0, 0, 0, 0, 0xaa),
			out:  append(append([]byte{}, elfIdent...), 0, 0, 0, 0, 0, 0, 0, 0, 0xaa),
		},
		{
			name: "magic elsewhere",
			in:   append(append([]byte{}, elfIdent...), 0, 0x41, 0x49, 0x02, 0, 0, 0, 0, 0xaa),
			out:  append(append([]byte{}, elfIdent...), 0, 0x41, 0x49, 0x02, 0, 0, 0, 0, 0xaa),
		},
		{
			name:   "short",
			in:     elfIdent,
			errors: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "linuxdeploy.AppImage")
			require.NoError(t, os.WriteFile(path, tt.in, 0755))

			err := ZeroAppImageMagic(path)
			if tt.errors {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Equal(t, tt.out, got)
		})
	}
}

func TestZeroAppImageMagicMissing(t *testing.T) {
	t.Parallel()

	require.Error(t, ZeroAppImageMagic(filepath.Join(t.TempDir(), "nope")))
}
