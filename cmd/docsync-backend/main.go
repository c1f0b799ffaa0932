// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Docsync-backend serves the in-memory fake backend over websockets, so
// docsync clients in other processes can sync against it. State lives
// only in memory and is lost on exit. It exists for development and
// integration tests, not for production data.
//
// The backend can be seeded from the "backend" section of a scenario
// file (documents, tokens, and denied path prefixes).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/docsync/lib/process"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/remote/wsconn"
	"github.com/bureau-foundation/docsync/lib/scenario"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	listen    string
	projectID string
	database  string
	seed      string
	bloomBits int
	debug     bool
}

func run(args []string) error {
	var (
		opts        options
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("docsync-backend", pflag.ContinueOnError)
	flagSet.StringVar(&opts.listen, "listen", "127.0.0.1:8088", "address to serve websocket streams on")
	flagSet.StringVar(&opts.projectID, "project", "dev", "project id clients must name in their handshake")
	flagSet.StringVar(&opts.database, "database", remote.DefaultDatabase, "database name")
	flagSet.StringVar(&opts.seed, "seed", "", "scenario file whose backend section seeds documents, tokens and access rules")
	flagSet.IntVar(&opts.bloomBits, "bloom-bits", 0, "bloom filter bits per document on resumed targets (0 disables)")
	flagSet.BoolVar(&opts.debug, "debug", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("docsync-backend")
		return nil
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.listen, err)
	}
	return serve(ctx, listener, opts, logger)
}

// serve runs the backend on listener until ctx is done.
func serve(ctx context.Context, listener net.Listener, opts options, logger *slog.Logger) error {
	spec := scenario.BackendSpec{BloomBitsPerDocument: opts.bloomBits}
	if opts.seed != "" {
		seed, err := scenario.ReadFile(opts.seed)
		if err != nil {
			return err
		}
		spec = seed.Backend
		if opts.bloomBits > 0 {
			spec.BloomBitsPerDocument = opts.bloomBits
		}
	}
	database := remote.DatabaseID{ProjectID: opts.projectID, Database: opts.database}
	backend, err := scenario.NewBackend(spec, database, logger.With("component", "backend"))
	if err != nil {
		return err
	}
	defer backend.Close()

	server := &http.Server{
		Handler:           wsconn.NewHandler(backend, wsconn.DefaultServerConfig(), logger.With("component", "wsconn")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	logger.Info("backend serving",
		"address", listener.Addr().String(),
		"database", database.Name(),
		"documents", len(spec.Documents),
		"version", version.Info(),
	)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	backend.CloseStreams(status.New(status.Unavailable, "backend shutting down"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
