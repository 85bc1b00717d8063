// Package main is the sample application demonstrating the pooled HTTP
// client stacks against a configured target URL.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg := loadConfig(flags.configPath)

	logger := initLogger(flags, cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pooledhttp sample",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	app, err := initApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags. Flags override environment
// variables, which override the configuration file.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("POOLEDHTTP_CONFIG_PATH", "configs/pooledhttp.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", os.Getenv("POOLEDHTTP_LOG_LEVEL"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", os.Getenv("POOLEDHTTP_LOG_FORMAT"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("pooledhttp sample version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads the configuration file, falling back to defaults
// when the file does not exist.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(errCause(err)) {
			fmt.Fprintf(os.Stderr, "config file %s not found, using defaults\n", path)
			return config.Default()
		}
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func errCause(err error) error {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Cause != nil {
		return cfgErr.Cause
	}
	return err
}

// initLogger initializes the logger from flags, falling back to the
// configuration file.
func initLogger(flags cliFlags, cfg *config.Config) observability.Logger {
	level := flags.logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	format := flags.logFormat
	if format == "" {
		format = cfg.Logging.Format
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
