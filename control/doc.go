// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the host's admin protocol: a Unix socket speaking
// one CBOR request-response per connection, driving plugin lifecycle,
// permission grants, log inspection, and storage usage. Authorization
// is the socket file's permissions; the protocol carries no
// credentials.
package control
