// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the message envelope for all cross-process
// communication between the Warden host, sandbox processes, and the
// renderer.
//
// Every interaction — lifecycle control, liveness probing, UI state
// push, user actions, permission queries, log submission — is one of a
// fixed, versioned set of message kinds. There is no generic dispatch
// table: the receiving side validates the payload against the kind's
// schema before executing any side effect, so a compromised sandbox
// cannot reach a handler with a payload of the wrong shape.
//
// A frame is a fixed 30-byte header (magic, version, kind, flags,
// compression tag, correlation ID, payload lengths) followed by a
// CBOR payload. Payloads above a size threshold are compressed with
// LZ4 (or zstd for text-heavy content); the header carries the
// original length so decompression is exact and bounded.
//
// Requests carry a caller-chosen correlation ID that replies echo, so
// callers can match responses delivered out of call order. Oneway
// messages expect no reply; order is preserved per sender-receiver
// pair only.
//
// Decode failures of any sort wrap [ErrMalformedMessage] and never
// yield a partial envelope.
package wire
