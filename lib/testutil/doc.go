// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel assertion helpers shared across
// Warden's test suites.
package testutil
