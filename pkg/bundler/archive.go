package bundler

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// createUpdaterArchives compresses the built bundles into what the
// updater downloads. The .app is always archived; the v1 format also
// wants archives of the linux and windows installers.
func createUpdaterArchives(ctx context.Context, bundles []packagekit.Bundle, v1Compatible bool) ([]string, error) {
	ctx, span := trace.StartSpan(ctx, "bundler.createUpdaterArchives")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	var archives []string
	for _, bundle := range bundles {
		var ext string
		switch bundle.PackageType {
		case settings.MacOsBundle:
			ext = ".tar.gz"
		case settings.AppImage:
			if !v1Compatible {
				continue
			}
			ext = ".tar.gz"
		case settings.Nsis:
			if !v1Compatible {
				continue
			}
			ext = ".nsis.zip"
		case settings.WindowsMsi:
			if !v1Compatible {
				continue
			}
			ext = ".msi.zip"
		default:
			continue
		}

		for _, path := range bundle.BundlePaths {
			var archive string
			var err error
			if ext == ".tar.gz" {
				archive = path + ext
				err = tarGz(path, archive)
			} else {
				archive = trimExt(path) + ext
				err = zipFile(path, archive)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "archiving %s", path)
			}
			level.Info(logger).Log("msg", "created updater archive", "path", archive)
			archives = append(archives, archive)
		}
	}

	return archives, nil
}

func trimExt(path string) string {
	return path[:len(path)-len(filepath.Ext(path))]
}

// tarGz writes src, a file or a directory, to a gzipped tarball whose
// single top level entry is src's base name.
func tarGz(src, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return bundleerr.Fs("create archive", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	parent := filepath.Dir(src)
	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return errors.Wrapf(err, "tar header for %s", path)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar")
	}
	return errors.Wrap(gw.Close(), "closing gzip")
}

// zipFile writes a zip holding just src.
func zipFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return bundleerr.Fs("open", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return bundleerr.Fs("stat", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return bundleerr.Fs("create archive", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(out)
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrapf(err, "zip header for %s", src)
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrap(err, "adding zip entry")
	}
	if _, err := io.Copy(w, in); err != nil {
		return errors.Wrap(err, "writing zip entry")
	}
	return errors.Wrap(zw.Close(), "closing zip")
}
