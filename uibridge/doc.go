// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package uibridge moves UI state between sandbox and renderer.
//
// The sandbox side (Pusher) assigns versions, diffs against the last
// acknowledged state, and coalesces so a slow renderer only ever sees
// the newest state of each screen. The renderer side (Surface) applies
// pushes in version order and answers anything it cannot apply with a
// rejection and a resync request. Neither side ever force-applies: a
// disagreement always resolves through a full snapshot.
package uibridge
