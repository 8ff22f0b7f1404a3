// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the host-side key-value store plugins use for
// persistent data. Each plugin sees only its own namespace, every
// access requires the "storage" grant, totals are quota-capped, and
// values are encrypted at rest with an age identity held by the host.
package storage
