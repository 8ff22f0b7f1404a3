// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for deterministic tests. Production
// code injects Real(); tests inject Fake() and control time explicitly
// with Advance and WaitForTimers.
package clock
