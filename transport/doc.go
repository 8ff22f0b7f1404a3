// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries wire envelopes between Warden's processes
// over Unix sockets.
//
// [Conn] frames envelopes on a stream connection with serialized
// writes, [Listener] and [Dial] establish host↔sandbox and
// host↔renderer connections, and [Peer] multiplexes correlated
// request/response traffic with oneway messages on a single Conn.
//
// Replies are matched to pending calls by correlation ID, so a peer
// may answer calls out of order. Inbound requests are dispatched to
// the handler in arrival order, which is what preserves the oneway
// ordering guarantee between a single sender and receiver. There is
// no cross-machine transport: every channel in the system is a local
// socket pair between the host and a process it spawned.
package transport
