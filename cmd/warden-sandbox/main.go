// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Warden-sandbox is the per-plugin child process. The host supervisor
// spawns one per enabled plugin with a private Unix socket; this
// process dials it, completes the readiness handshake, and hosts the
// plugin runtime until the host tells it to stop or the connection
// dies.
//
// It is spawned by wardend and is not intended for direct use.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/warden-host/warden/lib/version"
	"github.com/warden-host/warden/transport"
)

// helloTimeout bounds the dial and handshake; the supervisor enforces
// its own deadline on the other side.
const helloTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var pluginID string
	var socketPath string
	var showVersion bool

	flag.StringVar(&pluginID, "plugin-id", "", "plugin this sandbox hosts (required)")
	flag.StringVar(&socketPath, "socket", "", "host supervision socket to dial (required)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("warden-sandbox %s\n", version.Info())
		return nil
	}
	if pluginID == "" || socketPath == "" {
		return fmt.Errorf("--plugin-id and --socket are required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("plugin", pluginID)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	conn, err := transport.Dial(dialCtx, socketPath)
	if err != nil {
		return fmt.Errorf("dialing host: %w", err)
	}

	sess := newSession(pluginID, stop, logger)
	peer := transport.NewPeer(ctx, conn, sess.handle, logger)
	sess.attach(peer)

	if err := sess.hello(dialCtx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	// Run until the host orders a shutdown or the connection is lost.
	select {
	case <-ctx.Done():
		logger.Info("exiting on shutdown")
	case <-peer.Done():
		logger.Info("exiting, host connection closed", "error", peer.Err())
	}
	peer.Close()
	return nil
}
