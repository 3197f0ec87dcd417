package settings

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// ErrResourceNotFound is returned for a resource path that does not
// exist, or a glob that matches nothing.
var ErrResourceNotFound = errors.New("resource path not found")

const globMeta = "*?[{"

// expandResources turns the configured resource patterns into concrete
// source/target pairs. List entries keep their path relative to the
// project; map entries are placed under their configured destination.
func expandResources(baseDir string, patterns []string, mapping map[string]string) ([]Resource, error) {
	var out []Resource

	for _, pattern := range patterns {
		rs, err := expandPattern(baseDir, pattern, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, pattern := range keys {
		dest := mapping[pattern]
		rs, err := expandPattern(baseDir, pattern, &dest)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}

	return out, nil
}

func expandPattern(baseDir, pattern string, dest *string) ([]Resource, error) {
	abs := absJoin(baseDir, pattern)

	if strings.ContainsAny(pattern, globMeta) {
		return expandGlob(baseDir, pattern, abs, dest)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(ErrResourceNotFound, "%s", pattern)
	}

	if !info.IsDir() {
		return []Resource{{Source: abs, Target: fileTarget(baseDir, abs, dest, false)}}, nil
	}

	var out []Resource
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		target := resourceRelpath(relTo(baseDir, path))
		if dest != nil {
			rel, _ := filepath.Rel(abs, path)
			target = filepath.Join(*dest, rel)
		}
		out = append(out, Resource{Source: path, Target: target})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking resource dir %s", abs)
	}
	return out, nil
}

func expandGlob(baseDir, pattern, abs string, dest *string) ([]Resource, error) {
	g, err := glob.Compile(filepath.ToSlash(abs), '/')
	if err != nil {
		return nil, errors.Wrapf(err, "compiling resource glob %s", pattern)
	}

	root := abs[:strings.IndexAny(abs, globMeta)]
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root = filepath.Dir(root)
	}

	var out []Resource
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !g.Match(filepath.ToSlash(path)) {
			return nil
		}
		out = append(out, Resource{Source: path, Target: fileTarget(baseDir, path, dest, true)})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking for resource glob %s", pattern)
	}

	if len(out) == 0 {
		return nil, errors.Wrapf(ErrResourceNotFound, "glob %s matched nothing", pattern)
	}
	return out, nil
}

func fileTarget(baseDir, path string, dest *string, fromGlob bool) string {
	switch {
	case dest == nil:
		return resourceRelpath(relTo(baseDir, path))
	case *dest == "":
		return filepath.Base(path)
	case fromGlob:
		return filepath.Join(*dest, filepath.Base(path))
	default:
		return *dest
	}
}

func relTo(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}

// resourceRelpath makes a path safe to place under the bundle's
// resource dir. Parent references become "_up_" and any root or volume
// is dropped.
func resourceRelpath(p string) string {
	p = strings.TrimPrefix(p, filepath.VolumeName(p))
	var parts []string
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		switch part {
		case "", ".":
		case "..":
			parts = append(parts, "_up_")
		default:
			parts = append(parts, part)
		}
	}
	return filepath.Join(parts...)
}
