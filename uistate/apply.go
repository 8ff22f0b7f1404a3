// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package uistate

import "fmt"

// Apply transforms snapshot by patch, returning the snapshot at the
// patch's target version. The input snapshot is not modified.
//
// A patch whose BaseVersion does not match the snapshot's version
// fails with ErrVersionMismatch and must never be force-applied: the
// component tree would silently diverge from the sandbox's.
func Apply(snapshot *Snapshot, patch *Patch) (*Snapshot, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if snapshot.PluginID != patch.PluginID || snapshot.ScreenID != patch.ScreenID {
		return nil, fmt.Errorf("%w: patch for %s/%s applied to %s/%s",
			ErrMalformedPatch, patch.PluginID, patch.ScreenID, snapshot.PluginID, snapshot.ScreenID)
	}
	if snapshot.Version != patch.BaseVersion {
		return nil, fmt.Errorf("%w: have %d, patch expects %d",
			ErrVersionMismatch, snapshot.Version, patch.BaseVersion)
	}

	nodes, roots := flatten(snapshot.Components)

	// Removals drop whole subtrees. Nodes that survive a removal by
	// moving elsewhere arrive again through the patch's upserts.
	var removeSubtree func(id string)
	removeSubtree = func(id string) {
		node, ok := nodes[id]
		if !ok {
			return
		}
		delete(nodes, id)
		for _, child := range node.children {
			removeSubtree(child)
		}
	}
	for _, id := range patch.Removals {
		removeSubtree(id)
		roots = deleteString(roots, id)
	}

	for _, upsert := range patch.Upserts {
		if node, ok := nodes[upsert.ID]; ok {
			node.typ = upsert.Type
			node.properties = upsert.Properties
			continue
		}
		nodes[upsert.ID] = &flatNode{
			id:         upsert.ID,
			typ:        upsert.Type,
			properties: upsert.Properties,
		}
	}

	for _, order := range patch.Orders {
		if order.Parent == "" {
			roots = order.Children
			continue
		}
		node, ok := nodes[order.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: order for unknown component %q", ErrMalformedPatch, order.Parent)
		}
		node.children = order.Children
	}

	result := &Snapshot{
		PluginID: snapshot.PluginID,
		ScreenID: snapshot.ScreenID,
		Version:  patch.Version,
		Title:    snapshot.Title,
		Data:     snapshot.Data,
	}
	if patch.TitleChanged {
		result.Title = patch.Title
	}
	if patch.DataChanged {
		result.Data = patch.Data
	}

	components, err := rebuild(nodes, roots)
	if err != nil {
		return nil, err
	}
	result.Components = components
	return result, nil
}

// rebuild assembles the component tree from the node map and root
// order. Every referenced ID must resolve.
func rebuild(nodes map[string]*flatNode, roots []string) ([]Component, error) {
	var build func(ids []string, depth int) ([]Component, error)
	build = func(ids []string, depth int) ([]Component, error) {
		if depth > len(nodes)+1 {
			return nil, fmt.Errorf("%w: component cycle", ErrMalformedPatch)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		components := make([]Component, 0, len(ids))
		for _, id := range ids {
			node, ok := nodes[id]
			if !ok {
				return nil, fmt.Errorf("%w: reference to unknown component %q", ErrMalformedPatch, id)
			}
			children, err := build(node.children, depth+1)
			if err != nil {
				return nil, err
			}
			components = append(components, Component{
				ID:         node.id,
				Type:       node.typ,
				Properties: node.properties,
				Children:   children,
			})
		}
		return components, nil
	}
	return build(roots, 0)
}

func deleteString(list []string, value string) []string {
	result := list[:0]
	for _, item := range list {
		if item != value {
			result = append(result, item)
		}
	}
	return result
}
