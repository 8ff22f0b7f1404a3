// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes domain-separated BLAKE3 digests of plugin
// artifacts. The digest recorded at load time lets reload verify it is
// re-binding the same artifact bytes, and gives operators a stable
// identity for an installed package.
package binhash
