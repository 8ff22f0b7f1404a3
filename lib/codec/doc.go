// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Warden's standard CBOR encoding configuration.
//
// CBOR is the serialization format for everything that crosses a
// process boundary: envelope payloads on the host↔sandbox and
// host↔renderer sockets, and the control socket protocol. YAML is used
// only for the host configuration file, and SQL rows hold plain
// columns. This package exists so that every package encodes
// identically without duplicating encoder options.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Wire types carry `cbor` struct tags exclusively — they never
// participate in JSON serialization.
package codec
