package settings

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func setupResourceTree(t *testing.T) string {
	base := filepath.Join(t.TempDir(), "project")
	files := []string{
		"assets/logo.png",
		"assets/banner.png",
		"assets/readme.txt",
		"assets/nested/deep.png",
		"locales/en.json",
	}
	for _, f := range files {
		path := filepath.Join(base, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(f), 0644))
	}

	outside := filepath.Join(filepath.Dir(base), "shared", "license.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(outside), 0755))
	require.NoError(t, os.WriteFile(outside, []byte("MIT"), 0644))

	return base
}

func targets(rs []Resource) []string {
	var out []string
	for _, r := range rs {
		out = append(out, filepath.ToSlash(r.Target))
	}
	sort.Strings(out)
	return out
}

func TestExpandResourcesList(t *testing.T) {
	t.Parallel()

	base := setupResourceTree(t)

	rs, err := expandResources(base, []string{"assets/*.png", "locales", "../shared/license.txt"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"_up_/shared/license.txt",
		"assets/banner.png",
		"assets/logo.png",
		"locales/en.json",
	}, targets(rs))
}

func TestExpandResourcesRecursiveGlob(t *testing.T) {
	t.Parallel()

	base := setupResourceTree(t)

	rs, err := expandResources(base, []string{"assets/**.png"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		"assets/banner.png",
		"assets/logo.png",
		"assets/nested/deep.png",
	}, targets(rs))
}

func TestExpandResourcesMap(t *testing.T) {
	t.Parallel()

	base := setupResourceTree(t)

	rs, err := expandResources(base, nil, map[string]string{
		"assets/*.txt":          "docs",
		"assets/nested":         "images",
		"locales/en.json":       "i18n/english.json",
		"../shared/license.txt": "",
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"docs/readme.txt",
		"i18n/english.json",
		"images/deep.png",
		"license.txt",
	}, targets(rs))
}

func TestExpandResourcesErrors(t *testing.T) {
	t.Parallel()

	base := setupResourceTree(t)

	_, err := expandResources(base, []string{"missing.txt"}, nil)
	require.True(t, errors.Is(err, ErrResourceNotFound))

	_, err = expandResources(base, []string{"assets/*.gif"}, nil)
	require.True(t, errors.Is(err, ErrResourceNotFound))

	_, err = expandResources(base, []string{"nowhere/*.png"}, nil)
	require.True(t, errors.Is(err, ErrResourceNotFound))
}

func TestResourceRelpath(t *testing.T) {
	t.Parallel()

	require.Equal(t, filepath.Join("_up_", "_up_", "a", "b.txt"), resourceRelpath(filepath.Join("..", "..", "a", "b.txt")))
	require.Equal(t, filepath.Join("a", "b.txt"), resourceRelpath(filepath.Join(".", "a", "b.txt")))
}
