// Package main is the entry point for svcgw.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"

	// Generated descriptors linked into the binary are what discovery and
	// the binding catalog can see.
	_ "google.golang.org/grpc/health/grpc_health_v1"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags shared by all subcommands.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "svcgw: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

// run dispatches to the serve (default) or call subcommand.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && args[0] == "call" {
		return runCall(ctx, args[1:], stdout, stderr)
	}
	return runServe(ctx, args, stdout, stderr)
}

// newFlagSet registers the common flags on a new FlagSet.
func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *cliFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", util.EnvOrDefault(config.ConfigPathEnv, ""),
		"Path to configuration file (defaults from environment when empty)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	return fs, f
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "svcgw version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig(f *cliFlags) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger initializes the logger from the logging section.
func initLogger(cfg config.LoggingConfig, output string) (observability.Logger, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// runServe runs the long-lived process until ctx is cancelled.
func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, f := newFlagSet("svcgw", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if f.showVersion {
		printVersion(stdout)
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging, "stdout")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	logger.Info("starting svcgw",
		observability.String("version", version),
		observability.String("config", f.configPath),
		observability.String("registry", cfg.Registry.Backend),
	)

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", observability.Error(err))
		return err
	}

	runErr := app.run(ctx)
	if closeErr := app.close(); closeErr != nil {
		logger.Error("failed to release resources", observability.Error(closeErr))
	}
	if runErr != nil {
		logger.Error("svcgw stopped with error", observability.Error(runErr))
		return runErr
	}

	logger.Info("svcgw stopped")
	return nil
}
