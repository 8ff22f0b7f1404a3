// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides Warden's standard SQLite connection
// pool. Every host-side component with durable state — the permission
// manager's grant table and audit log, the plugin registry, plugin
// key-value storage, and the log ingestion sink — shares one database
// through this package.
//
// It is a thin wrapper over zombiezen.com/go/sqlite with fixed
// pragmas: WAL journaling for concurrent readers, NORMAL synchronous
// for crash durability without per-commit fsync cost, and a 5-second
// busy timeout for write contention. There is no query builder and no
// ORM; components write SQL and use sqlitex.Execute directly.
package sqlitepool
