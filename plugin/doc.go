// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin manages the installed plugin set.
//
// A plugin moves through discovery (manifest found), load (artifact
// digested, dependencies checked), enable (sandbox spawned and bound),
// disable, and unload. Registrations persist in SQLite; on restart the
// manager reconciles previously enabled plugins back into running
// sandboxes. State transitions are observable through Watch.
package plugin
