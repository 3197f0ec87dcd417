package packagekit

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"
)

// copyFile copies src to dst, creating dst's parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return bundleerr.Fs("create dir", filepath.Dir(dst), err)
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	return nil
}

// copyExecutable copies src to dst and marks it executable.
func copyExecutable(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return bundleerr.Fs("chmod", dst, os.Chmod(dst, 0755))
}

// copyDir copies the tree at src to dst. Symlinks are recreated rather
// than followed, which keeps framework Versions/Current links intact.
func copyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return bundleerr.Fs("stat", src, err)
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return bundleerr.Fs("readlink", path, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return bundleerr.Fs("create dir", filepath.Dir(target), err)
			}
			return bundleerr.Fs("symlink", target, os.Symlink(link, target))
		case d.IsDir():
			return bundleerr.Fs("create dir", target, os.MkdirAll(target, 0755))
		default:
			return copyFile(path, target)
		}
	})
}

// copyCustomFiles copies a destination to source map under root.
// Sources may be files or directories.
func copyCustomFiles(files map[string]string, root string) error {
	for dest, src := range files {
		info, err := os.Stat(src)
		if err != nil {
			return errors.Wrapf(err, "%s does not exist", src)
		}
		target := filepath.Join(root, filepath.Clean(string(filepath.Separator)+dest))
		if info.IsDir() {
			if err := copyDir(src, target); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(src, target); err != nil {
			return err
		}
	}
	return nil
}

// copyResources copies the expanded resources under dir.
func copyResources(resources []settings.Resource, dir string) error {
	for _, r := range resources {
		if err := copyFile(r.Source, filepath.Join(dir, r.Target)); err != nil {
			return err
		}
	}
	return nil
}

// resetDir removes dir and recreates it empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return bundleerr.Fs("remove", dir, err)
	}
	return bundleerr.Fs("create dir", dir, os.MkdirAll(dir, 0755))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// dirSize sums the sizes of regular files under paths.
func dirSize(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return 0, bundleerr.Fs("size", p, err)
		}
	}
	return total, nil
}
