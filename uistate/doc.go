// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package uistate models plugin screens as versioned component trees
// and computes minimal patches between versions.
//
// The sandbox renders nothing itself: it describes a screen as a
// Snapshot, and ships Diff output to the renderer, which reconstructs
// the exact target snapshot with Apply. Version numbers keep the two
// sides honest: a patch only applies to the base it was diffed from,
// and a mismatch forces a full resync instead of a silent divergence.
package uistate
