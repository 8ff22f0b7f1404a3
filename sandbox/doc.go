// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox supervises the per-plugin worker processes.
//
// Each plugin runs in its own process, connected to the host over a
// dedicated Unix socket. The supervisor owns the full lifecycle: spawn
// with a readiness handshake, bind the plugin entry point, periodic
// health pings, and teardown that escalates from a polite Shutdown
// message to SIGKILL. Children are started in their own process group
// with a parent-death signal, so a dying host can never leak sandbox
// processes.
package sandbox
