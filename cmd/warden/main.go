// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Warden is the command-line client for a running wardend. It drives
// plugin lifecycle, permission grants, log inspection, and storage
// queries over the host's control socket.
package main

import (
	"fmt"
	"os"

	"github.com/warden-host/warden/cmd/warden/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
