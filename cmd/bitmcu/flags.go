package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/logger"
)

var (
	modelPath     string
	modelsPath    string
	engineKind    string
	engineCommand []string
	engineURL     string
	engineTimeout time.Duration
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to packed .mcf model",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .mcf models",
			Destination: &modelsPath,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "engine",
			Aliases:     []string{"e"},
			Usage:       "deployment engine (" + engine.Available() + ")",
			Value:       engine.MCU,
			Destination: &engineKind,
		},
		&cli.StringSliceFlag{
			Name:        "engine-cmd",
			Usage:       "external engine binary and arguments (process engine)",
			Destination: &engineCommand,
		},
		&cli.StringFlag{
			Name:        "engine-url",
			Usage:       "base URL of a remote engine (http engine)",
			Destination: &engineURL,
		},
		&cli.DurationFlag{
			Name:        "engine-timeout",
			Usage:       "per-call timeout for process and http engines",
			Value:       30 * time.Second,
			Destination: &engineTimeout,
		},
	}
}

func engineOptions(model string) engine.Options {
	return engine.Options{
		Kind:      engineKind,
		ModelPath: model,
		Command:   engineCommand,
		URL:       engineURL,
		Timeout:   engineTimeout,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       logger.FormatPretty,
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging installs the configured logger in the command context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyLoggingConfig(cmd, LoadConfig())
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(level))
	if err != nil {
		return ctx, fmt.Errorf("--log-format: %w", err)
	}
	return logger.WithContext(ctx, log), nil
}
