// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/warden-host/warden/cmd/warden/cli"
	"github.com/warden-host/warden/control"
)

func pluginCommand() *cli.Command {
	return &cli.Command{
		Name:    "plugin",
		Summary: "Manage plugin registration and lifecycle.",
		Subcommands: []*cli.Command{
			pluginListCommand(),
			pluginStatusCommand(),
			pluginDiscoverCommand(),
			pluginRegisterCommand(),
			pluginSimpleCommand("load", "Verify a registered plugin and mark it loadable.", "plugin.load"),
			pluginSimpleCommand("enable", "Start a sandbox for a loaded plugin.", "plugin.enable"),
			pluginSimpleCommand("disable", "Stop a plugin's sandbox, keeping grants and data.", "plugin.disable"),
			pluginSimpleCommand("reload", "Replace a plugin in place from its manifest.", "plugin.reload"),
			pluginUnloadCommand(),
		},
	}
}

func pluginListCommand() *cli.Command {
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    "list",
		Summary: "List all registered plugins.",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			var summaries []control.PluginSummary
			if err := call(*socket, "plugin.list", nil, &summaries); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tSTATE\tERROR")
			for _, summary := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					summary.ID, summary.Version, summary.State, summary.Error)
			}
			return tw.Flush()
		},
	}
}

func pluginStatusCommand() *cli.Command {
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    "status",
		Summary: "Show one plugin's full status.",
		Usage:   "warden plugin status <plugin-id>",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden plugin status <plugin-id>")
			}
			var summary control.PluginSummary
			if err := call(*socket, "plugin.status", map[string]any{"plugin_id": args[0]}, &summary); err != nil {
				return err
			}
			fmt.Printf("ID:           %s\n", summary.ID)
			fmt.Printf("Name:         %s\n", summary.Name)
			fmt.Printf("Version:      %s\n", summary.Version)
			fmt.Printf("State:        %s\n", summary.State)
			if summary.Error != "" {
				fmt.Printf("Error:        %s\n", summary.Error)
			}
			if len(summary.Capabilities) > 0 {
				fmt.Printf("Capabilities: %v\n", summary.Capabilities)
			}
			if summary.Digest != "" {
				fmt.Printf("Digest:       %s\n", summary.Digest)
			}
			return nil
		},
	}
}

func pluginDiscoverCommand() *cli.Command {
	flags := pflag.NewFlagSet("discover", pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    "discover",
		Summary: "Scan the plugin directory and register new manifests.",
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			var added []string
			if err := call(*socket, "plugin.discover", nil, &added); err != nil {
				return err
			}
			if len(added) == 0 {
				fmt.Println("no new plugins found")
				return nil
			}
			for _, pluginID := range added {
				fmt.Println(pluginID)
			}
			return nil
		},
	}
}

func pluginRegisterCommand() *cli.Command {
	flags := pflag.NewFlagSet("register", pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    "register",
		Summary: "Register a plugin from a manifest file.",
		Usage:   "warden plugin register <manifest-path>",
		Examples: []cli.Example{
			{Description: "Register an installed plugin", Command: "warden plugin register /var/lib/warden/plugins/weather/manifest.yaml"},
		},
		Flags: func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden plugin register <manifest-path>")
			}
			var registered struct {
				PluginID string `cbor:"plugin_id"`
			}
			if err := call(*socket, "plugin.register", map[string]any{"manifest_path": args[0]}, &registered); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", registered.PluginID)
			return nil
		},
	}
}

// pluginSimpleCommand covers the lifecycle verbs that take exactly a
// plugin ID and return nothing.
func pluginSimpleCommand(name, summary, action string) *cli.Command {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	socket := socketFlag(flags)
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   fmt.Sprintf("warden plugin %s <plugin-id>", name),
		Flags:   func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden plugin %s <plugin-id>", name)
			}
			return call(*socket, action, map[string]any{"plugin_id": args[0]}, nil)
		},
	}
}

func pluginUnloadCommand() *cli.Command {
	flags := pflag.NewFlagSet("unload", pflag.ContinueOnError)
	socket := socketFlag(flags)
	deleteArtifact := flags.Bool("delete-artifact", false, "also remove the installed plugin files")
	deleteData := flags.Bool("delete-data", false, "also remove stored data and revoke all grants")
	return &cli.Command{
		Name:    "unload",
		Summary: "Remove a plugin's registration.",
		Usage:   "warden plugin unload [--delete-artifact] [--delete-data] <plugin-id>",
		Examples: []cli.Example{
			{Description: "Full uninstall", Command: "warden plugin unload --delete-artifact --delete-data weather"},
		},
		Flags: func() *pflag.FlagSet { return flags },
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: warden plugin unload <plugin-id>")
			}
			return call(*socket, "plugin.unload", map[string]any{
				"plugin_id":       args[0],
				"delete_artifact": *deleteArtifact,
				"delete_data":     *deleteData,
			}, nil)
		},
	}
}
