// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"fmt"
	"strings"

	"github.com/warden-host/warden/lib/binhash"
)

// State is a plugin's lifecycle position.
type State int

const (
	// StateDiscovered means a manifest was found but the artifact has
	// not been verified or registered.
	StateDiscovered State = iota

	// StateLoaded means the artifact is verified and registered; no
	// sandbox is running.
	StateLoaded

	// StateEnabled means a sandbox is running the plugin.
	StateEnabled

	// StateDisabled means the plugin was deliberately stopped. Grants
	// and data are preserved.
	StateDisabled

	// StateError means the last lifecycle operation failed, or the
	// sandbox crashed. The error message is kept alongside.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DependencyError reports why a plugin's dependency graph cannot be
// satisfied: either dependencies that are not installed, or a cycle.
type DependencyError struct {
	PluginID string
	Missing  []string
	Cycle    []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("plugin %s: dependency cycle: %s",
			e.PluginID, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("plugin %s: missing dependencies: %s",
		e.PluginID, strings.Join(e.Missing, ", "))
}

// Info is a read-only snapshot of one plugin's registration.
type Info struct {
	Manifest     Manifest
	State        State
	Digest       binhash.Digest
	Error        string
	ManifestPath string
	ArtifactPath string
}

// Event is one state transition, delivered to Watch subscribers.
// Removed marks the final event of an uninstalled plugin.
type Event struct {
	PluginID string
	State    State
	Error    string
	Removed  bool
}
