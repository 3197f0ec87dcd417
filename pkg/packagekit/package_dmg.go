package packagekit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/codesign"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// dmgPackager wraps the .app in a disk image with an Applications
// shortcut. When the .app was not built earlier in the run it is built
// here and reported as well.
type dmgPackager struct {
	*packagerOptions
}

func (p *dmgPackager) PackageType() settings.PackageType { return settings.Dmg }

func (p *dmgPackager) HostSupported(goos string) bool { return goos == "darwin" }

func (p *dmgPackager) Package(ctx context.Context, s *settings.Settings, built []Bundle) ([]Bundle, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageDmg")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	var out []Bundle
	var app string
	if paths := bundlePaths(built, settings.MacOsBundle); len(paths) > 0 {
		app = paths[0]
	} else {
		var err error
		if app, err = (&appPackager{p.packagerOptions}).bundleApp(ctx, s); err != nil {
			return nil, err
		}
		out = append(out, Bundle{PackageType: settings.MacOsBundle, BundlePaths: []string{app}})
	}

	dmgDir := s.BundleDir("dmg")
	if err := os.MkdirAll(dmgDir, 0755); err != nil {
		return nil, bundleerr.Fs("create dir", dmgDir, err)
	}
	dmgPath := filepath.Join(dmgDir, fmt.Sprintf("%s_%s_%s.dmg", s.ProductName(), s.Version(), dmgArch(s.Target().Arch)))
	if err := os.RemoveAll(dmgPath); err != nil {
		return nil, bundleerr.Fs("remove", dmgPath, err)
	}

	level.Info(logger).Log("msg", "bundling", "dmg", dmgPath)

	tmpDir, err := os.MkdirTemp("", "bundler-dmg")
	if err != nil {
		return nil, bundleerr.Fs("create temp dir", os.TempDir(), err)
	}
	defer os.RemoveAll(tmpDir)

	staging := filepath.Join(tmpDir, "staging")
	if err := copyDir(app, filepath.Join(staging, filepath.Base(app))); err != nil {
		return nil, errors.Wrap(err, "staging app")
	}
	if err := os.Symlink("/Applications", filepath.Join(staging, "Applications")); err != nil {
		return nil, bundleerr.Fs("symlink", filepath.Join(staging, "Applications"), err)
	}

	dmg := s.Dmg()
	if dmg.Background != "" {
		if err := copyFile(dmg.Background, filepath.Join(staging, ".background", filepath.Base(dmg.Background))); err != nil {
			return nil, errors.Wrap(err, "copying dmg background")
		}
	}

	rwPath := filepath.Join(tmpDir, "rw.dmg")
	if _, err := p.execOut(ctx, execOpts{}, "hdiutil", "create",
		"-volname", s.ProductName(),
		"-srcfolder", staging,
		"-fs", "HFS+",
		"-format", "UDRW",
		"-ov", rwPath,
	); err != nil {
		return nil, errors.Wrap(err, "creating disk image")
	}

	p.layout(ctx, rwPath, filepath.Base(app), dmg)

	if _, err := p.execOut(ctx, execOpts{}, "hdiutil", "convert", rwPath,
		"-format", "UDZO",
		"-imagekey", "zlib-level=9",
		"-o", dmgPath,
	); err != nil {
		return nil, errors.Wrap(err, "compressing disk image")
	}

	if err := p.signDmg(ctx, s, dmgPath); err != nil {
		return nil, err
	}

	return append(out, Bundle{PackageType: settings.Dmg, BundlePaths: []string{dmgPath}}), nil
}

// layout mounts the image and has Finder arrange its window. Finder is
// not always scriptable (headless CI), so failures only warn.
func (p *dmgPackager) layout(ctx context.Context, image, appName string, dmg settings.DmgSettings) {
	logger := ctxlog.FromContext(ctx)

	out, err := p.execOut(ctx, execOpts{}, "hdiutil", "attach", "-readwrite", "-noverify", "-noautoopen", image)
	if err != nil {
		level.Warn(logger).Log("msg", "could not mount disk image for layout", "err", err)
		return
	}
	mount := mountPoint(out)
	if mount == "" {
		level.Warn(logger).Log("msg", "could not find disk image mount point", "output", out)
		return
	}
	defer func() {
		if _, err := p.execOut(ctx, execOpts{}, "hdiutil", "detach", mount); err != nil {
			level.Warn(logger).Log("msg", "detaching disk image", "err", err)
		}
	}()

	script, err := dmgLayoutScript(filepath.Base(mount), appName, dmg)
	if err != nil {
		level.Warn(logger).Log("msg", "rendering layout script", "err", err)
		return
	}
	if _, err := p.execOut(ctx, execOpts{}, "osascript", "-e", script); err != nil {
		level.Warn(logger).Log("msg", "dmg window layout failed, the image keeps the default layout", "err", err)
	}
}

func (p *dmgPackager) signDmg(ctx context.Context, s *settings.Settings, dmgPath string) error {
	if s.NoSign() {
		return nil
	}
	kc, err := codesign.ResolveKeychain(ctx, s.MacOS().SigningIdentity,
		codesign.WithLookupEnv(p.lookupEnv),
		codesign.WithExecCC(p.execCC),
	)
	if err != nil {
		return errors.Wrap(err, "resolving signing identity")
	}
	if kc == nil {
		return nil
	}
	defer kc.Close(ctx)

	return kc.Sign(ctx, dmgPath, codesign.Entitlements{}, false)
}

// mountPoint finds the /Volumes path in hdiutil attach output.
func mountPoint(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if i := strings.Index(line, "/Volumes/"); i >= 0 {
			return strings.TrimSpace(line[i:])
		}
	}
	return ""
}

func dmgArch(a settings.Arch) string {
	switch a {
	case settings.X86_64:
		return "x64"
	case settings.AArch64:
		return "aarch64"
	case settings.Universal:
		return "universal"
	}
	return string(a)
}

var dmgLayoutTemplate = template.Must(template.New("layout").Parse(`tell application "Finder"
	tell disk "{{.Volume}}"
		open
		set current view of container window to icon view
		set toolbar visible of container window to false
		set statusbar visible of container window to false
		set the bounds of container window to {100, 100, {{.Right}}, {{.Bottom}}}
		set opts to the icon view options of container window
		set icon size of opts to 128
		set arrangement of opts to not arranged
{{- if .Background}}
		set background picture of opts to file ".background:{{.Background}}"
{{- end}}
		set position of item "{{.App}}" to { {{- .AppX}}, {{.AppY -}} }
		set position of item "Applications" to { {{- .ApplicationsX}}, {{.ApplicationsY -}} }
		close
		open
		update without registering applications
		delay 2
	end tell
end tell
`))

func dmgLayoutScript(volume, appName string, dmg settings.DmgSettings) (string, error) {
	def := func(v, d int) int {
		if v == 0 {
			return d
		}
		return v
	}

	width, height := def(dmg.WindowWidth, 660), def(dmg.WindowHeight, 400)
	data := struct {
		Volume, App, Background      string
		Right, Bottom                int
		AppX, AppY                   int
		ApplicationsX, ApplicationsY int
	}{
		Volume:        volume,
		App:           appName,
		Right:         100 + width,
		Bottom:        100 + height,
		AppX:          def(dmg.AppX, 180),
		AppY:          def(dmg.AppY, 170),
		ApplicationsX: def(dmg.ApplicationFolderX, 480),
		ApplicationsY: def(dmg.ApplicationFolderY, 170),
	}
	if dmg.Background != "" {
		data.Background = filepath.Base(dmg.Background)
	}

	var buf bytes.Buffer
	if err := dmgLayoutTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
