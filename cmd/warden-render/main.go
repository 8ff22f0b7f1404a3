// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Warden-render is a reference line-oriented renderer. It dials the
// host's render socket, prints every accepted screen snapshot to
// stdout, and translates console commands into user actions and
// surface lifecycle events.
//
// Production deployments replace this binary with a real display
// surface speaking the same protocol.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/warden-host/warden/lib/version"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/uibridge"
	"github.com/warden-host/warden/uistate"
	"github.com/warden-host/warden/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var socketPath string
	var showVersion bool

	flag.StringVar(&socketPath, "socket", "/run/warden/sockets/render.sock", "render socket to dial")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("warden-render %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Dial(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", socketPath, err)
	}

	surface := uibridge.NewSurface(logger)
	surface.OnUpdate = func(snapshot *uistate.Snapshot) {
		renderSnapshot(os.Stdout, snapshot)
	}
	peer := transport.NewPeer(ctx, conn, surface.Handle, logger)
	defer peer.Close()

	logger.Info("connected", "socket", socketPath)
	go readConsole(peer, surface, stop, logger)

	select {
	case <-ctx.Done():
		logger.Info("exiting on signal")
	case <-peer.Done():
		if err := peer.Err(); err != nil {
			return fmt.Errorf("host connection lost: %w", err)
		}
	}
	return nil
}

// readConsole drives the interaction side: one command per line on
// stdin, dispatched as oneway messages to the host.
func readConsole(peer *transport.Peer, surface *uibridge.Surface, stop context.CancelFunc, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, err := parseCommand(scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if cmd == nil {
			continue
		}

		switch cmd.verb {
		case "quit":
			stop()
			return

		case "action":
			err = uibridge.SendUserAction(peer, cmd.pluginID, cmd.screenID, cmd.actionType, cmd.targetID, cmd.data)

		case "lifecycle":
			err = uibridge.SendLifecycle(peer, cmd.pluginID, cmd.screenID, cmd.event)
			if err == nil && cmd.event == wire.SurfaceDestroyed {
				surface.Forget(cmd.pluginID, cmd.screenID)
			}
		}
		if err != nil {
			logger.Warn("command not sent", "error", err)
		}
	}
	// Stdin closed: keep rendering, interaction is simply over.
}
