package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/johnayoung/mergemind/internal/app"
	"github.com/johnayoung/mergemind/internal/config"
	apperrors "github.com/johnayoung/mergemind/internal/errors"
	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/output"
	"github.com/johnayoung/mergemind/internal/ui"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	_ = logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin *os.File, stdout io.Writer, stderr *os.File) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return apperrors.ExitOK
	}
	if err != nil {
		return apperrors.ExitConfig
	}
	if opts.version {
		fmt.Fprintf(stdout, "mergemind %s\n  commit: %s\n  built:  %s\n", getVersion(), commit, date)
		return apperrors.ExitOK
	}

	palette := ui.PaletteFor(stderr)
	fail := func(err error) int {
		ui.PrintError(stderr, palette, err.Error())
		return apperrors.ExitCode(err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fail(err)
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPaths: cfg.Log.Outputs}); err != nil {
		return fail(apperrors.Wrap(apperrors.CodeConfiguration, err, "initializing logger"))
	}

	question, err := readQuestion(opts, stdin)
	if err != nil {
		return fail(err)
	}

	svc := app.New(cfg)
	ids, err := svc.Selection(opts.backends)
	if err != nil {
		return fail(err)
	}

	live := ui.IsTerminal(stderr) && !opts.quiet && !opts.json
	if live {
		ui.PrintHeader(stderr, palette, question)
	}
	progress := ui.NewProgress(stderr, ids, palette, live, opts.quiet || opts.json)
	progress.Start()

	res, runErr := svc.Ask(ctx, app.Request{
		Question:  question,
		Backends:  opts.backends,
		CheckKeys: opts.checkKeys,
		Callbacks: progress.Callbacks(),
	})
	progress.Stop()

	if res != nil && (opts.json || opts.output != "") {
		doc := output.FromResult(res, runErr)
		if opts.output != "" {
			if err := output.WriteFile(opts.output, doc); err != nil {
				ui.PrintError(stderr, palette, fmt.Sprintf("writing %s: %v", opts.output, err))
			}
		}
		if opts.json {
			if err := output.Encode(stdout, doc); err != nil {
				return fail(err)
			}
		}
	}

	if res != nil {
		ui.PrintFailures(stderr, palette, res.Failures())
	}
	if runErr != nil {
		return fail(runErr)
	}

	if !opts.json {
		ui.PrintVerdict(stdout, res.Verdict)
	}
	if !opts.quiet {
		ui.PrintRationale(stderr, palette, res.Verdict)
		ui.PrintSummary(stderr, palette, res.Responses, res.Elapsed)
	}
	return apperrors.ExitOK
}

// loadConfig reads .env, the YAML file and the process environment, then
// applies flags. Credentials are read exactly once, here.
func loadConfig(opts *options) (*config.Config, error) {
	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	opts.apply(cfg)
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	cfg.LoadCredentials(os.LookupEnv)
	return cfg, nil
}

func getVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
