// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package uistate

import (
	"errors"
	"fmt"
)

// ErrVersionMismatch reports a patch applied against the wrong base
// version. The patch is never partially applied; the caller requests a
// full resync instead.
var ErrVersionMismatch = errors.New("patch base version mismatch")

// ErrMalformedPatch reports a patch whose operations reference
// components that do not exist after its own edits.
var ErrMalformedPatch = errors.New("malformed patch")

// Component is one node of a screen's declarative component tree. The
// renderer maps Type to a native widget; Properties are opaque to the
// host.
type Component struct {
	ID         string         `cbor:"id"`
	Type       string         `cbor:"type"`
	Properties map[string]any `cbor:"properties,omitempty"`
	Children   []Component    `cbor:"children,omitempty"`
}

// Snapshot is the complete UI state of one plugin screen at one
// version. Versions increase monotonically per (plugin, screen).
type Snapshot struct {
	PluginID string `cbor:"plugin_id"`
	ScreenID string `cbor:"screen_id"`
	Version  uint64 `cbor:"version"`

	Title string         `cbor:"title,omitempty"`
	Data  map[string]any `cbor:"data,omitempty"`

	// Components is the ordered top-level component list.
	Components []Component `cbor:"components,omitempty"`
}

// Upsert creates or updates one component node. Children are carried
// separately in ChildOrder entries so a property change on a parent
// does not resend its whole subtree.
type Upsert struct {
	ID         string         `cbor:"id"`
	Type       string         `cbor:"type"`
	Properties map[string]any `cbor:"properties,omitempty"`
}

// ChildOrder replaces the child-ID list of a parent. Parent "" is the
// snapshot's top level. The list is both membership and order: moves,
// inserts, and reorders all express as the parent's full new list.
type ChildOrder struct {
	Parent   string   `cbor:"parent,omitempty"`
	Children []string `cbor:"children"`
}

// Patch transforms a snapshot at BaseVersion into the one at Version.
// Operations apply in a fixed order: removals, upserts, child orders,
// then title and data.
type Patch struct {
	PluginID    string `cbor:"plugin_id"`
	ScreenID    string `cbor:"screen_id"`
	BaseVersion uint64 `cbor:"base_version"`
	Version     uint64 `cbor:"version"`

	// Removals lists the top-most removed component IDs; descendants
	// go implicitly.
	Removals []string `cbor:"removals,omitempty"`

	Upserts []Upsert     `cbor:"upserts,omitempty"`
	Orders  []ChildOrder `cbor:"orders,omitempty"`

	// TitleChanged gates Title so an empty title is distinguishable
	// from an unchanged one; DataChanged does the same for Data.
	TitleChanged bool           `cbor:"title_changed,omitempty"`
	Title        string         `cbor:"title,omitempty"`
	DataChanged  bool           `cbor:"data_changed,omitempty"`
	Data         map[string]any `cbor:"data,omitempty"`
}

// IsEmpty reports whether the patch changes nothing but the version.
func (p *Patch) IsEmpty() bool {
	return len(p.Removals) == 0 && len(p.Upserts) == 0 && len(p.Orders) == 0 &&
		!p.TitleChanged && !p.DataChanged
}

// Validate checks the patch's structural invariants.
func (p *Patch) Validate() error {
	if p.PluginID == "" || p.ScreenID == "" {
		return fmt.Errorf("patch: plugin_id and screen_id are required")
	}
	if p.Version <= p.BaseVersion {
		return fmt.Errorf("patch: version %d not after base %d", p.Version, p.BaseVersion)
	}
	seen := make(map[string]bool)
	for _, upsert := range p.Upserts {
		if upsert.ID == "" {
			return fmt.Errorf("patch: upsert with empty id")
		}
		if seen[upsert.ID] {
			return fmt.Errorf("patch: duplicate upsert %q", upsert.ID)
		}
		seen[upsert.ID] = true
	}
	return nil
}
