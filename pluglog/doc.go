// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package pluglog ingests log records submitted by sandboxed plugins.
// Admission runs through per-plugin token buckets before any write, so
// a misbehaving plugin drops its own records instead of filling the
// host's disk; records with exception traces pay a higher toll.
package pluglog
