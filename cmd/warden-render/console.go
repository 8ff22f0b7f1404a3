// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/warden-host/warden/uistate"
	"github.com/warden-host/warden/wire"
)

// command is one parsed console input line.
type command struct {
	// verb is "action", "lifecycle", or "quit".
	verb string

	pluginID   string
	screenID   string
	actionType string
	targetID   string
	data       map[string]any
	event      string
}

// parseCommand parses one console line. Supported forms:
//
//	tap <plugin> <screen> <component>
//	input <plugin> <screen> <component> <text...>
//	show|hide|close <plugin> <screen>
//	quit
func parseCommand(line string) (*command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	switch fields[0] {
	case "quit", "exit":
		return &command{verb: "quit"}, nil

	case "tap":
		if len(fields) != 4 {
			return nil, fmt.Errorf("usage: tap <plugin> <screen> <component>")
		}
		return &command{
			verb:       "action",
			pluginID:   fields[1],
			screenID:   fields[2],
			actionType: "click",
			targetID:   fields[3],
		}, nil

	case "input":
		if len(fields) < 5 {
			return nil, fmt.Errorf("usage: input <plugin> <screen> <component> <text>")
		}
		return &command{
			verb:       "action",
			pluginID:   fields[1],
			screenID:   fields[2],
			actionType: "input",
			targetID:   fields[3],
			data:       map[string]any{"value": strings.Join(fields[4:], " ")},
		}, nil

	case "show", "hide", "close":
		if len(fields) != 3 {
			return nil, fmt.Errorf("usage: %s <plugin> <screen>", fields[0])
		}
		event := map[string]string{
			"show":  wire.SurfaceResumed,
			"hide":  wire.SurfacePaused,
			"close": wire.SurfaceDestroyed,
		}[fields[0]]
		return &command{
			verb:     "lifecycle",
			pluginID: fields[1],
			screenID: fields[2],
			event:    event,
		}, nil
	}
	return nil, fmt.Errorf("unknown command %q (try tap, input, show, hide, close, quit)", fields[0])
}

// renderSnapshot prints one accepted snapshot in a line-oriented form.
func renderSnapshot(w io.Writer, snapshot *uistate.Snapshot) {
	title := snapshot.Title
	if title == "" {
		title = snapshot.ScreenID
	}
	fmt.Fprintf(w, "== %s/%s v%d: %s\n", snapshot.PluginID, snapshot.ScreenID, snapshot.Version, title)
	for _, component := range snapshot.Components {
		renderComponent(w, &component, 1)
	}
}

func renderComponent(w io.Writer, component *uistate.Component, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s[%s] %s%s\n", indent, component.Type, component.ID, formatProperties(component.Properties))
	for _, child := range component.Children {
		renderComponent(w, &child, depth+1)
	}
}

func formatProperties(properties map[string]any) string {
	if len(properties) == 0 {
		return ""
	}
	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, properties[key]))
	}
	return " " + strings.Join(parts, " ")
}
