package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/backoff"
	"github.com/kolide/bundler/pkg/bundleconfig"
	"github.com/kolide/bundler/pkg/bundler"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/log/locallogger"
	"github.com/kolide/bundler/pkg/log/teelogger"
	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/kolide/bundler/pkg/toolcache"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/kolide/kit/ulid"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

// stringSlice is a repeatable string flag.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type bundleOptions struct {
	dir        string
	target     string
	bundles    []string
	outDir     string
	toolsDir   string
	patches    []string
	noSign     bool
	debug      bool
	wixPath    string
	wixDocker  string
	fpmDocker  string
	skipUpdSig bool
	retries    int
}

func parseBundleOptions(args []string) (*bundleOptions, string, error) {
	flagset := flag.NewFlagSet("bundle", flag.ContinueOnError)
	var (
		flDir = flagset.String(
			"dir",
			".",
			"the project directory holding bundler.conf.{json,yaml,toml}",
		)
		flTarget = flagset.String(
			"target",
			settings.HostTarget().Triple,
			"the target triple to bundle for",
		)
		flBundles = flagset.String(
			"bundles",
			"",
			"comma separated package types to build, overriding bundle.targets (see list-targets)",
		)
		flOutDir = flagset.String(
			"out_dir",
			"",
			"where the compiled binaries are, and where bundles are written (default <dir>/target/release)",
		)
		flToolsDir = flagset.String(
			"tools_dir",
			"",
			"directory to cache downloaded tools in (default the user cache dir)",
		)
		flNoSign = flagset.Bool(
			"no_sign",
			false,
			"skip code signing",
		)
		flSkipUpdaterSig = flagset.Bool(
			"skip_updater_signature",
			false,
			"do not sign updater artifacts after bundling",
		)
		flDebug = flagset.Bool(
			"debug",
			env.Bool("BUNDLER_DEBUG", false),
			"enable debug logging",
		)
		flLogFile = flagset.String(
			"log_file",
			"",
			"also write JSON logs to this file",
		)
		flWix = flagset.String(
			"wix",
			env.String("WIX", ""),
			"directory holding the wix toolset",
		)
		flWixDocker = flagset.String(
			"wix_docker",
			"",
			"run wix in this docker image",
		)
		flFPMDocker = flagset.String(
			"fpm_docker",
			"",
			"run fpm in this docker image",
		)
		flRetries = flagset.Int(
			"download_retries",
			0,
			"retry tool downloads this many times on server errors",
		)
		flPatches stringSlice
	)
	flagset.Var(&flPatches, "config", "JSON merge patch, inline or a file path, applied over the config. May be repeated")
	flagset.String("flagfile", "", "file to read flags from")

	flagset.Usage = usageFor(flagset, "bundler bundle [flags]")

	ffOpts := []ff.Option{
		ff.WithEnvVarPrefix("BUNDLER"),
		ff.WithConfigFileFlag("flagfile"),
		ff.WithConfigFileParser(ff.PlainParser),
	}
	if err := ff.Parse(flagset, args, ffOpts...); err != nil {
		return nil, "", errors.Wrap(err, "parsing flags")
	}

	dir, err := filepath.Abs(*flDir)
	if err != nil {
		return nil, "", errors.Wrap(err, "resolving project dir")
	}

	opts := &bundleOptions{
		dir:        dir,
		target:     *flTarget,
		bundles:    splitList(*flBundles),
		outDir:     *flOutDir,
		toolsDir:   *flToolsDir,
		patches:    flPatches,
		noSign:     *flNoSign,
		debug:      *flDebug,
		wixPath:    *flWix,
		wixDocker:  *flWixDocker,
		fpmDocker:  *flFPMDocker,
		skipUpdSig: *flSkipUpdaterSig,
		retries:    *flRetries,
	}
	if opts.outDir == "" {
		opts.outDir = filepath.Join(dir, "target", "release")
	}

	return opts, *flLogFile, nil
}

func runBundle(args []string) error {
	opts, logFile, err := parseBundleOptions(args)
	if err != nil {
		return err
	}

	var logger log.Logger = logutil.NewCLILogger(opts.debug)
	if logFile != "" {
		fileLogger := locallogger.NewKitLogger(logFile)
		defer fileLogger.Close()
		logger = teelogger.New(logger, fileLogger)
	}
	logger = log.With(logger, "run_id", ulid.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = ctxlog.NewContext(ctx, logger)

	s, err := loadSettings(ctx, opts)
	if err != nil {
		logutil.Fatal(logger, "msg", "loading project settings", "err", err)
	}

	var registryOpts []packagekit.Opt
	if opts.wixPath != "" {
		registryOpts = append(registryOpts, packagekit.WithWix(opts.wixPath))
	}
	if opts.wixDocker != "" {
		registryOpts = append(registryOpts, packagekit.WithWixDocker(opts.wixDocker))
	}
	if opts.fpmDocker != "" {
		registryOpts = append(registryOpts, packagekit.WithFPMDocker(opts.fpmDocker))
	}
	if opts.retries > 0 {
		retry := backoff.New(backoff.WithMaxAttempts(opts.retries + 1))
		registryOpts = append(registryOpts, packagekit.WithToolCacheOpts(toolcache.WithRetry(retry)))
	}
	b := bundler.New(bundler.WithRegistry(packagekit.DefaultRegistry(registryOpts...)))

	var runGroup run.Group

	sigCh := make(chan os.Signal, 1)
	runGroup.Add(func() error {
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			level.Info(logger).Log("msg", "received signal, stopping", "signal", sig)
			return errors.Errorf("interrupted by %s", sig)
		case <-ctx.Done():
			return nil
		}
	}, func(error) {
		signal.Stop(sigCh)
		cancel()
	})

	runGroup.Add(func() error {
		bundles, err := b.BundleProject(ctx, s)
		if err != nil {
			return errors.Wrap(err, "bundling project")
		}
		if opts.skipUpdSig {
			return nil
		}
		sigs, err := b.SignUpdaters(ctx, s, bundles)
		if err != nil {
			return errors.Wrap(err, "signing updater artifacts")
		}
		for _, sig := range sigs {
			level.Info(logger).Log("msg", "wrote updater signature", "path", sig)
		}
		return nil
	}, func(error) {
		cancel()
	})

	if err := runGroup.Run(); err != nil {
		logutil.Fatal(logger, "msg", "bundle failed", "err", err)
	}
	return nil
}

// loadSettings reads the project config and turns it into bundle
// settings for opts.target.
func loadSettings(ctx context.Context, opts *bundleOptions) (*settings.Settings, error) {
	logger := ctxlog.FromContext(ctx)

	target, err := settings.ParseTarget(opts.target)
	if err != nil {
		return nil, err
	}

	cfg, path, err := bundleconfig.Load(opts.dir,
		bundleconfig.WithPlatform(target.Platform),
		bundleconfig.WithPatches(opts.patches...),
	)
	if err != nil {
		return nil, err
	}
	level.Debug(logger).Log("msg", "loaded config", "path", path, "patches", len(opts.patches))

	if len(opts.bundles) > 0 {
		cfg.Bundle.Targets = opts.bundles
	}

	builder, err := cfg.Builder(opts.dir)
	if err != nil {
		return nil, err
	}

	logLevel := settings.LogInfo
	if opts.debug {
		logLevel = settings.LogDebug
	}

	s, err := builder.
		OutDir(opts.outDir).
		Target(opts.target).
		LocalToolsDir(opts.toolsDir).
		RequireBinariesExist(true).
		NoSign(opts.noSign).
		LogLevel(logLevel).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "building settings")
	}

	hasIcons, err := bundler.CheckIcons(s)
	if err != nil {
		return nil, err
	}
	if !hasIcons {
		level.Warn(logger).Log("msg", "no icons configured, bundles will use platform defaults")
	}

	return s, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
