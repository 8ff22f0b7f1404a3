// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the warden CLI command tree. Every command
// is a thin client of the host's control socket: it connects, issues
// one action, and renders the response.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-host/warden/cmd/warden/cli"
	"github.com/warden-host/warden/control"
	"github.com/warden-host/warden/lib/version"
)

// defaultSocket is where wardend listens unless overridden by the
// WARDEN_SOCKET environment variable or --socket.
const defaultSocket = "/run/warden/control.sock"

// callTimeout bounds every control-socket round trip.
const callTimeout = 30 * time.Second

// Root returns the full warden command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "warden",
		Summary: "Control the Warden plugin host.",
		Description: "Warden loads third-party plugins into sandboxed processes and\n" +
			"mediates their access to UI, storage, and host capabilities.\n" +
			"This tool drives a running wardend over its control socket.",
		Subcommands: []*cli.Command{
			pluginCommand(),
			permissionCommand(),
			logsCommand(),
			storageCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information.",
		Run: func(args []string) error {
			fmt.Printf("warden %s\n", version.Info())
			return nil
		},
	}
}

// socketFlag registers the shared --socket flag on a flag set and
// returns the destination. The default comes from WARDEN_SOCKET when
// set.
func socketFlag(flags *pflag.FlagSet) *string {
	fallback := defaultSocket
	if env := os.Getenv("WARDEN_SOCKET"); env != "" {
		fallback = env
	}
	return flags.String("socket", fallback, "path to the wardend control socket")
}

// call issues one control action with the standard timeout.
func call(socketPath, action string, fields map[string]any, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return control.NewClient(socketPath).Call(ctx, action, fields, result)
}
