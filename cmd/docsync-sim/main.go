// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Docsync-sim runs scenario files: scripted sessions of docsync
// clients against an in-process fake backend. Each scenario gets a
// fresh backend and fresh clients. The exit status is non-zero if any
// scenario fails.
//
// Usage:
//
//	docsync-sim [flags] scenario.jsonc...
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/docsync/lib/config"
	"github.com/bureau-foundation/docsync/lib/process"
	"github.com/bureau-foundation/docsync/lib/scenario"
	"github.com/bureau-foundation/docsync/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath    string
		checkpointDir string
		logLevel      string
		logFormat     string
		stepTimeout   time.Duration
		showVersion   bool
	)
	flagSet := pflag.NewFlagSet("docsync-sim", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "client configuration file (YAML); defaults apply when empty")
	flagSet.StringVar(&checkpointDir, "checkpoint-dir", "", "directory for client checkpoints (default: a temporary directory)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flagSet.DurationVar(&stepTimeout, "step-timeout", scenario.DefaultStepTimeout, "default wait for expectations and awaited writes")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: docsync-sim [flags] scenario.jsonc...\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("docsync-sim")
		return nil
	}
	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return errors.New("no scenario files given")
	}

	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Environment = config.Test
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}
	}

	if checkpointDir == "" {
		checkpointDir, err = os.MkdirTemp("", "docsync-sim-")
		if err != nil {
			return fmt.Errorf("creating checkpoint directory: %w", err)
		}
		defer os.RemoveAll(checkpointDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var failed int
	for _, path := range flagSet.Args() {
		s, err := scenario.ReadFile(path)
		if err != nil {
			return err
		}
		report, err := scenario.Run(ctx, s, scenario.Options{
			Config:        cfg,
			CheckpointDir: checkpointDir,
			StepTimeout:   stepTimeout,
			Logger:        logger,
		})
		if err != nil {
			failed++
			logger.Error("scenario failed", "scenario", s.Name, "file", path, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		logger.Info("scenario ok", "scenario", report.Name, "steps", report.Steps,
			"commits", report.Commits, "elapsed", report.Elapsed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, flagSet.NArg())
	}
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	options := &slog.HandlerOptions{Level: slogLevel}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", format)
	}
}
