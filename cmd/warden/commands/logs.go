// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-host/warden/cmd/warden/cli"
	"github.com/warden-host/warden/control"
)

func logsCommand() *cli.Command {
	flags := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	socket := socketFlag(flags)
	level := flags.String("level", "", "only show records at this level (debug, info, warn, error)")
	limit := flags.Int("limit", 50, "maximum records to show")
	return &cli.Command{
		Name:    "logs",
		Summary: "Show a plugin's submitted log records, newest first.",
		Usage:   "warden logs [--level L] [--limit N] <plugin-id>",
		Examples: []cli.Example{
			{Description: "Last 20 errors from the weather plugin", Command: "warden logs --level error --limit 20 weather"},
		},
		Flags: func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden logs <plugin-id>")
			}
			var records []control.LogView
			if err := call(*socket, "logs.tail", map[string]any{
				"plugin_id": args[0],
				"level":     *level,
				"limit":     *limit,
			}, &records); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTAG\tMESSAGE")
			for _, record := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					time.Unix(record.Timestamp, 0).UTC().Format(time.RFC3339),
					record.Level, record.Tag, record.Message)
			}
			return tw.Flush()
		},
	}
}
