// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package uistate

import (
	"reflect"
	"sort"
)

// flatNode is one component flattened out of the tree: its own fields
// plus its child-ID list.
type flatNode struct {
	id         string
	typ        string
	properties map[string]any
	children   []string
	parent     string
}

// flatten indexes a component tree by ID. Duplicate IDs keep the first
// occurrence; Diff and Apply both flatten the same way, so the
// round-trip stays exact regardless.
func flatten(components []Component) (map[string]*flatNode, []string) {
	nodes := make(map[string]*flatNode)
	var walk func(parent string, list []Component) []string
	walk = func(parent string, list []Component) []string {
		ids := make([]string, 0, len(list))
		for i := range list {
			component := &list[i]
			ids = append(ids, component.ID)
			if _, exists := nodes[component.ID]; exists {
				continue
			}
			node := &flatNode{
				id:         component.ID,
				typ:        component.Type,
				properties: component.Properties,
				parent:     parent,
			}
			nodes[component.ID] = node
			node.children = walk(component.ID, component.Children)
		}
		return ids
	}
	roots := walk("", components)
	return nodes, roots
}

// Diff computes the patch transforming old into new. The two snapshots
// must describe the same (plugin, screen); new.Version is the patch
// target and old.Version its base.
//
// The guarantee callers build on: Apply(old, Diff(old, new))
// reproduces new exactly.
func Diff(old, new *Snapshot) *Patch {
	patch := &Patch{
		PluginID:    new.PluginID,
		ScreenID:    new.ScreenID,
		BaseVersion: old.Version,
		Version:     new.Version,
	}

	oldNodes, oldRoots := flatten(old.Components)
	newNodes, newRoots := flatten(new.Components)

	// Removed set: every old ID absent from new.
	removed := make(map[string]bool)
	for id := range oldNodes {
		if _, kept := newNodes[id]; !kept {
			removed[id] = true
		}
	}

	// A surviving node whose old ancestor chain crosses a removed node
	// is deleted along with that subtree on apply, so it must be
	// re-created even though its own fields are unchanged.
	displaced := func(id string) bool {
		node := oldNodes[id]
		for node != nil && node.parent != "" {
			if removed[node.parent] {
				return true
			}
			node = oldNodes[node.parent]
		}
		return false
	}

	// Top-most removals only: descendants of a removed node go
	// implicitly.
	for id := range removed {
		if parent := oldNodes[id].parent; parent == "" || !removed[parent] {
			patch.Removals = append(patch.Removals, id)
		}
	}
	sort.Strings(patch.Removals)

	// Upserts: new nodes, changed nodes, and displaced survivors.
	upsertIDs := make([]string, 0)
	forced := make(map[string]bool)
	for id, node := range newNodes {
		previous, existed := oldNodes[id]
		if existed && displaced(id) {
			forced[id] = true
			upsertIDs = append(upsertIDs, id)
			continue
		}
		if existed && previous.typ == node.typ && reflect.DeepEqual(previous.properties, node.properties) {
			continue
		}
		upsertIDs = append(upsertIDs, id)
	}
	sort.Strings(upsertIDs)
	for _, id := range upsertIDs {
		node := newNodes[id]
		patch.Upserts = append(patch.Upserts, Upsert{
			ID:         id,
			Type:       node.typ,
			Properties: node.properties,
		})
	}

	// Child orders: every parent (including the top level) whose
	// child-ID list differs, plus displaced parents that apply
	// re-creates childless.
	if !equalStrings(oldRoots, newRoots) {
		patch.Orders = append(patch.Orders, ChildOrder{Parent: "", Children: newRoots})
	}
	orderParents := make([]string, 0)
	for id, node := range newNodes {
		var oldChildren []string
		if previous, existed := oldNodes[id]; existed {
			oldChildren = previous.children
		}
		if !equalStrings(oldChildren, node.children) || (forced[id] && len(node.children) > 0) {
			orderParents = append(orderParents, id)
		}
	}
	sort.Strings(orderParents)
	for _, id := range orderParents {
		patch.Orders = append(patch.Orders, ChildOrder{Parent: id, Children: newNodes[id].children})
	}

	if old.Title != new.Title {
		patch.TitleChanged = true
		patch.Title = new.Title
	}
	if !reflect.DeepEqual(old.Data, new.Data) {
		patch.DataChanged = true
		patch.Data = new.Data
	}
	return patch
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
