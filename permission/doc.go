// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission tracks capability grants per plugin and enforces
// them at every brokered access.
//
// A grant moves through a small state machine: it starts
// not-requested, a user decision moves it to granted or denied, a
// granted capability can be revoked, and a denied or revoked one
// returns to not-requested when the plugin asks again. Grants persist
// in SQLite so a host restart does not re-prompt the user, and every
// decision and every access check lands in an append-only audit
// trail.
package permission
