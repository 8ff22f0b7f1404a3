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

func permissionCommand() *cli.Command {
	return &cli.Command{
		Name:    "permission",
		Summary: "Manage capability grants.",
		Subcommands: []*cli.Command{
			capabilityVerbCommand("grant", "Grant a capability to a plugin.", "permission.grant"),
			capabilityVerbCommand("deny", "Deny a requested capability.", "permission.deny"),
			capabilityVerbCommand("revoke", "Revoke a granted capability.", "permission.revoke"),
			capabilityVerbCommand("rerequest", "Reset a revoked capability so the plugin may ask again.", "permission.rerequest"),
			permissionListCommand(),
			permissionAuditCommand(),
		},
	}
}

// capabilityVerbCommand covers the grant-state verbs, which all take a
// plugin ID and a capability name.
func capabilityVerbCommand(name, summary, action string) *cli.Command {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   fmt.Sprintf("warden permission %s <plugin-id> <capability>", name),
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: warden permission %s <plugin-id> <capability>", name)
			}
			return call(*socket, action, map[string]any{
				"plugin_id":  args[0],
				"capability": args[1],
			}, nil)
		},
	}
}

func permissionListCommand() *cli.Command {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    "list",
		Summary: "List a plugin's capability grants.",
		Usage:   "warden permission list <plugin-id>",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden permission list <plugin-id>")
			}
			var grants []control.GrantView
			if err := call(*socket, "permission.list", map[string]any{"plugin_id": args[0]}, &grants); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "CAPABILITY\tSTATUS")
			for _, grant := range grants {
				fmt.Fprintf(tw, "%s\t%s\n", grant.Capability, grant.Status)
			}
			return tw.Flush()
		},
	}
}

func permissionAuditCommand() *cli.Command {
	flags := pflag.NewFlagSet("audit", pflag.ContinueOnError)
	socket := socketFlag(flags)
	limit := flags.Int("limit", 50, "maximum records to show")
	return &cli.Command{
		Name:    "audit",
		Summary: "Show a plugin's permission audit trail, newest first.",
		Usage:   "warden permission audit [--limit N] <plugin-id>",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden permission audit <plugin-id>")
			}
			var entries []control.AuditView
			if err := call(*socket, "permission.audit", map[string]any{
				"plugin_id": args[0],
				"limit":     *limit,
			}, &entries); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TIME\tCAPABILITY\tOUTCOME")
			for _, entry := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n",
					time.Unix(entry.Timestamp, 0).UTC().Format(time.RFC3339),
					entry.Capability, entry.Outcome)
			}
			return tw.Flush()
		},
	}
}
