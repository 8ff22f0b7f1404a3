// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/warden-host/warden/cmd/warden/cli"
	"github.com/warden-host/warden/control"
)

func storageCommand() *cli.Command {
	return &cli.Command{
		Name:    "storage",
		Summary: "Inspect plugin storage.",
		Subcommands: []*cli.Command{
			storageUsageCommand(),
		},
	}
}

func storageUsageCommand() *cli.Command {
	flags := pflag.NewFlagSet("usage", pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    "usage",
		Summary: "Show a plugin's storage consumption against its quota.",
		Usage:   "warden storage usage <plugin-id>",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden storage usage <plugin-id>")
			}
			var usage control.UsageView
			if err := call(*socket, "storage.usage", map[string]any{"plugin_id": args[0]}, &usage); err != nil {
				return err
			}
			fmt.Printf("%d / %d bytes (%.1f%%)\n",
				usage.UsedBytes, usage.QuotaBytes,
				100*float64(usage.UsedBytes)/float64(usage.QuotaBytes))
			return nil
		},
	}
}
