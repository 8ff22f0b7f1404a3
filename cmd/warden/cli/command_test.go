// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesSubcommand(t *testing.T) {
	var gotArgs []string
	root := &Command{
		Name: "warden",
		Subcommands: []*Command{
			{
				Name: "plugin",
				Subcommands: []*Command{
					{
						Name: "load",
						Run: func(args []string) error {
							gotArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute([]string{"plugin", "load", "weather"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "weather" {
		t.Errorf("args = %v, want [weather]", gotArgs)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var limit int
	command := &Command{
		Name: "tail",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flags.IntVar(&limit, "limit", 50, "max records")
			return flags
		},
		Run: func(args []string) error { return nil },
	}

	if err := command.Execute([]string{"--limit", "10"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if limit != 10 {
		t.Errorf("limit = %d, want 10", limit)
	}
}

func TestExecuteUnknownSubcommandSuggests(t *testing.T) {
	root := &Command{
		Name: "warden",
		Subcommands: []*Command{
			{Name: "plugin", Run: func(args []string) error { return nil }},
			{Name: "permission", Run: func(args []string) error { return nil }},
		},
	}

	err := root.Execute([]string{"plugn"})
	if err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), `did you mean "plugin"`) {
		t.Errorf("error lacks suggestion: %v", err)
	}
}

func TestExecuteUnknownFlagSuggests(t *testing.T) {
	command := &Command{
		Name: "tail",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flags.Int("limit", 50, "max records")
			return flags
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--limits", "10"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "--limit") {
		t.Errorf("error lacks flag suggestion: %v", err)
	}
}

func TestExecuteNoSubcommandFails(t *testing.T) {
	root := &Command{
		Name:        "warden",
		Subcommands: []*Command{{Name: "plugin"}},
	}
	if err := root.Execute(nil); err == nil {
		t.Error("expected error when subcommand is required")
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"plugin", "plugin", 0},
		{"plugn", "plugin", 1},
		{"pluing", "plugin", 2},
		{"logs", "storage", 6},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestPrintHelpListsSubcommands(t *testing.T) {
	root := &Command{
		Name:    "warden",
		Summary: "Warden plugin host control",
		Subcommands: []*Command{
			{Name: "plugin", Summary: "manage plugins"},
			{Name: "permission", Summary: "manage capability grants"},
		},
	}

	var out strings.Builder
	root.PrintHelp(&out)
	help := out.String()
	for _, want := range []string{"plugin", "manage plugins", "permission", "manage capability grants"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output missing %q:\n%s", want, help)
		}
	}
}
