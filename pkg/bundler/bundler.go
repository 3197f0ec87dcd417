// Package bundler drives a whole bundle run: it decides which package
// types to build, keeps the main binary patched and signed for each of
// them, runs the packagers in priority order and finally produces the
// updater artifacts.
package bundler

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/binpatch"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/packagekit/authenticode"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/bundler/pkg/updatersig"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const skipSidecarSignatureCheckEnv = "TAURI_SKIP_SIDECAR_SIGNATURE_CHECK"

type Bundler struct {
	registry *packagekit.Registry
	signer   packagekit.WindowsSigner
	getenv   func(string) string
	hostOS   string
	patch    func(path string, pt settings.PackageType) error
}

type Opt func(*Bundler)

// WithRegistry replaces the default set of packagers.
func WithRegistry(r *packagekit.Registry) Opt {
	return func(b *Bundler) {
		b.registry = r
	}
}

// WithWindowsSigner sets what signs the main binary and the sidecars.
// It should be the same signer the packagers were given.
func WithWindowsSigner(s packagekit.WindowsSigner) Opt {
	return func(b *Bundler) {
		b.signer = s
	}
}

func WithGetenv(getenv func(string) string) Opt {
	return func(b *Bundler) {
		b.getenv = getenv
	}
}

// WithHostOS overrides the GOOS the bundler believes it runs on.
func WithHostOS(goos string) Opt {
	return func(b *Bundler) {
		b.hostOS = goos
	}
}

func New(opts ...Opt) *Bundler {
	b := &Bundler{
		getenv: os.Getenv,
		hostOS: runtime.GOOS,
		patch:  binpatch.PatchFile,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.signer == nil {
		b.signer = authenticode.NewSigner()
	}
	if b.registry == nil {
		b.registry = packagekit.DefaultRegistry(packagekit.WithWindowsSigner(b.signer))
	}
	return b
}

// BundleProject builds every package type s asks for and returns what
// was produced. Packager failures abort the run; problems that only
// degrade the result (a failed patch, skipped signing) are logged.
func (b *Bundler) BundleProject(ctx context.Context, s *settings.Settings) ([]packagekit.Bundle, error) {
	ctx, span := trace.StartSpan(ctx, "bundler.BundleProject")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	packageTypes := settings.Dedup(s.PackageTypes())
	if len(packageTypes) == 0 {
		return nil, nil
	}
	settings.SortByPriority(packageTypes)

	target := s.Target()
	if target.Platform != settings.PlatformFromGOOS(b.hostOS) {
		level.Warn(logger).Log(
			"msg", "cross-platform compilation is experimental and does not support all features. Please use a matching host system for full compatibility",
			"host", b.hostOS,
			"target", target.Triple,
		)
	}

	// Sign before bundling, in case neither msi nor nsis is requested.
	if err := b.signBinariesIfNeeded(ctx, s); err != nil {
		return nil, err
	}

	mainBinary := s.MainBinary().Path
	canSignWindows := target.Platform == settings.Windows && s.Windows().CanSign()

	var snap *snapshot
	if canSignWindows && len(packageTypes) > 1 {
		var err error
		if snap, err = takeSnapshot(mainBinary); err != nil {
			return nil, err
		}
		defer snap.Remove()
	}

	var bundles []packagekit.Bundle
	mainBinarySigned := false
	for _, pt := range packageTypes {
		// eg the dmg packager already built the .app
		if hasPackageType(bundles, pt) {
			continue
		}

		if pt == settings.Updater {
			continue
		}

		// Signing an already signed binary stacks signatures, and
		// patching a signed one breaks its checksum. Start over from
		// the unsigned copy before patching again.
		if canSignWindows && mainBinarySigned && snap != nil {
			if err := snap.Restore(); err != nil {
				return nil, err
			}
		}

		if binpatch.Supports(pt) {
			level.Debug(logger).Log("msg", "patching binary", "path", mainBinary, "type", pt.ShortName())
			if err := b.patch(mainBinary, pt); err != nil {
				level.Warn(logger).Log(
					"msg", "failed to add bundle type to the binary. The updater may not be able to update this package",
					"type", pt.ShortName(),
					"err", err,
				)
			}
		}

		if canSignWindows {
			if err := b.signWindows(ctx, s, mainBinary); err != nil {
				return nil, err
			}
			mainBinarySigned = true
		}

		p, ok := b.registry.Lookup(pt)
		if !ok || !p.HostSupported(b.hostOS) {
			level.Warn(logger).Log("msg", fmt.Sprintf("ignoring %s", pt.ShortName()))
			continue
		}

		level.Info(logger).Log("msg", "bundling", "type", pt.ShortName())
		produced, err := p.Package(ctx, s, bundles)
		if err != nil {
			return nil, errors.Wrapf(err, "bundling %s", pt.ShortName())
		}
		bundles = append(bundles, produced...)
	}

	if updater, ok := s.Updater(); ok {
		updaterBundle, err := b.bundleUpdater(ctx, s, updater, packageTypes, bundles)
		if err != nil {
			return nil, err
		}
		if updaterBundle != nil {
			bundles = append(bundles, *updaterBundle)
		}
	}

	if target.Platform == settings.Darwin && !containsPackageType(packageTypes, settings.MacOsBundle) {
		var err error
		if bundles, err = removeAppBundles(ctx, bundles); err != nil {
			return nil, err
		}
	}

	if len(bundles) == 0 {
		return bundles, nil
	}

	logSummary(ctx, bundles)
	return bundles, nil
}

// bundleUpdater creates the updater archives when an updater capable
// type was built. It returns nil when there is nothing to add.
func (b *Bundler) bundleUpdater(ctx context.Context, s *settings.Settings, updater settings.UpdaterSettings, packageTypes []settings.PackageType, bundles []packagekit.Bundle) (*packagekit.Bundle, error) {
	logger := ctxlog.FromContext(ctx)

	defer func() {
		if updater.V1Compatible {
			level.Warn(logger).Log("msg", "legacy v1 compatible updater is deprecated and will be removed in a future release. Switch to the v2 updater artifacts once your users run a version with the v2 updater")
		}
	}()

	if anyPackageType(packageTypes, updaterEligible(updater.V1Compatible)) {
		paths, err := createUpdaterArchives(ctx, bundles, updater.V1Compatible)
		if err != nil {
			return nil, errors.Wrap(err, "creating updater artifacts")
		}
		return &packagekit.Bundle{PackageType: settings.Updater, BundlePaths: paths}, nil
	}

	selfContained := []settings.PackageType{settings.AppImage, settings.Nsis, settings.WindowsMsi, settings.Deb}
	if updater.V1Compatible || !anyPackageType(packageTypes, selfContained) {
		level.Warn(logger).Log("msg", "the bundler was configured to create updater artifacts but no updater-enabled targets were built. Please enable one of these targets: app, appimage, msi, nsis")
	}
	return nil, nil
}

func updaterEligible(v1Compatible bool) []settings.PackageType {
	if v1Compatible {
		return []settings.PackageType{settings.AppImage, settings.MacOsBundle, settings.Nsis, settings.WindowsMsi, settings.Deb}
	}
	return []settings.PackageType{settings.MacOsBundle}
}

// SignUpdaters writes minisign signatures next to every updater
// eligible artifact in bundles.
func (b *Bundler) SignUpdaters(ctx context.Context, s *settings.Settings, bundles []packagekit.Bundle) ([]string, error) {
	return updatersig.SignBundles(ctx, s, bundles, b.getenv)
}

// signBinariesIfNeeded signs every binary except the main one, plus
// the sidecars, when targeting windows. The main binary is signed
// per package type after patching.
func (b *Bundler) signBinariesIfNeeded(ctx context.Context, s *settings.Settings) error {
	logger := ctxlog.FromContext(ctx)

	if s.Target().Platform != settings.Windows {
		return nil
	}

	if !s.Windows().CanSign() {
		if b.hostOS != "windows" {
			level.Warn(logger).Log("msg", "signing, by default, is only supported on windows hosts. A custom sign command can be set in the windows settings. Skipping signing")
		}
		return nil
	}

	if s.NoSign() {
		level.Warn(logger).Log("msg", "skipping binary signing due to no-sign flag")
		return nil
	}

	for _, bin := range s.Binaries() {
		if bin.Main {
			continue
		}
		if err := b.signWindows(ctx, s, bin.Path); err != nil {
			return err
		}
	}

	for _, path := range s.ExternalBinaries() {
		if b.getenv(skipSidecarSignatureCheckEnv) == "true" {
			continue
		}

		if b.hostOS == "windows" {
			signed, err := b.signer.IsSigned(path, s.Windows())
			if err != nil {
				return errors.Wrapf(err, "checking signature of %s", path)
			}
			if signed {
				level.Info(logger).Log("msg", "sidecar already signed, skipping", "path", path)
				continue
			}
		}

		if err := b.signWindows(ctx, s, path); err != nil {
			return err
		}
	}

	return nil
}

func (b *Bundler) signWindows(ctx context.Context, s *settings.Settings, path string) error {
	logger := ctxlog.FromContext(ctx)

	if s.NoSign() {
		level.Warn(logger).Log("msg", "skipping signing due to no-sign flag", "path", path)
		return nil
	}

	level.Info(logger).Log("msg", "signing", "path", path)
	if err := b.signer.Sign(ctx, path, s.Windows()); err != nil {
		return errors.Wrapf(err, "signing %s", path)
	}
	return nil
}

// CheckIcons reports whether s has icons configured. Every configured
// icon must exist.
func CheckIcons(s *settings.Settings) (bool, error) {
	icons := s.Icons()
	if len(icons) == 0 {
		return false, nil
	}
	for _, icon := range icons {
		if _, err := os.Stat(icon); err != nil {
			return false, bundleerr.Fs("stat icon", icon, err)
		}
	}
	return true, nil
}

// removeAppBundles drops the .app from the results, and from disk,
// when it was only built as an input to the dmg or updater.
func removeAppBundles(ctx context.Context, bundles []packagekit.Bundle) ([]packagekit.Bundle, error) {
	logger := ctxlog.FromContext(ctx)

	out := bundles[:0]
	for _, bundle := range bundles {
		if bundle.PackageType != settings.MacOsBundle {
			out = append(out, bundle)
			continue
		}
		for _, path := range bundle.BundlePaths {
			level.Info(logger).Log("msg", "cleaning", "path", path)
			if err := os.RemoveAll(path); err != nil {
				return nil, bundleerr.Fs("clean app bundle", path, err)
			}
		}
	}
	return out, nil
}

func logSummary(ctx context.Context, bundles []packagekit.Bundle) {
	logger := ctxlog.FromContext(ctx)

	finished := 0
	var paths strings.Builder
	for _, bundle := range bundles {
		note := ""
		if bundle.PackageType == settings.Updater {
			note = " (updater)"
		} else {
			finished++
		}
		for _, path := range bundle.BundlePaths {
			fmt.Fprintf(&paths, "        %s%s\n", path, note)
		}
	}

	noun := "bundles"
	if finished == 1 {
		noun = "bundle"
	}
	level.Info(logger).Log("msg", fmt.Sprintf("Finished %d %s at:\n%s", finished, noun, paths.String()))
}

func hasPackageType(bundles []packagekit.Bundle, pt settings.PackageType) bool {
	for _, b := range bundles {
		if b.PackageType == pt {
			return true
		}
	}
	return false
}

func containsPackageType(types []settings.PackageType, pt settings.PackageType) bool {
	for _, t := range types {
		if t == pt {
			return true
		}
	}
	return false
}

func anyPackageType(types []settings.PackageType, want []settings.PackageType) bool {
	for _, pt := range want {
		if containsPackageType(types, pt) {
			return true
		}
	}
	return false
}

// snapshot is an unsigned copy of the main binary. Windows signing
// tools don't cope with re-signing, so each package type starts from
// the unsigned binary again.
type snapshot struct {
	path string
	copy string
}

func takeSnapshot(path string) (*snapshot, error) {
	tmp, err := os.CreateTemp("", "bundler-unsigned-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating unsigned binary snapshot")
	}
	defer tmp.Close()

	src, err := os.Open(path)
	if err != nil {
		os.Remove(tmp.Name())
		return nil, bundleerr.Fs("open main binary", path, err)
	}
	defer src.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, "copying main binary to snapshot")
	}

	return &snapshot{path: path, copy: tmp.Name()}, nil
}

// Restore overwrites the main binary with the unsigned copy.
func (s *snapshot) Restore() error {
	src, err := os.Open(s.copy)
	if err != nil {
		return bundleerr.Fs("open snapshot", s.copy, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(s.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return bundleerr.Fs("open main binary", s.path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrap(err, "restoring unsigned main binary")
	}
	return dst.Close()
}

func (s *snapshot) Remove() {
	os.Remove(s.copy)
}
