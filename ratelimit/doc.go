// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-(caller, method) token-bucket
// admission control for calls arriving from sandboxed processes.
//
// A rejected call short-circuits before any handler logic or
// persistence runs, and the rejection is reported through the
// configured callback so the audit trail records it. Idle buckets are
// evicted periodically to bound memory against callers that appear
// once and never return.
package ratelimit
