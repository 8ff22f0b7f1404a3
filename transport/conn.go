// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/warden-host/warden/wire"
)

// Conn is a framed envelope connection over a stream socket. Writes
// are serialized by a mutex, so envelopes from concurrent goroutines
// interleave at frame granularity and per-sender order is preserved.
// Reads must come from a single goroutine (the Peer read loop in
// practice).
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps a stream connection. Ownership transfers: closing the
// Conn closes raw.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, reader: bufio.NewReader(raw)}
}

// WriteEnvelope encodes one envelope onto the connection. Safe for
// concurrent use.
func (c *Conn) WriteEnvelope(envelope *wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := envelope.Encode(c.raw); err != nil {
		return fmt.Errorf("writing %s envelope: %w", envelope.Kind, err)
	}
	return nil
}

// ReadEnvelope reads the next frame. Returns io.EOF on clean close
// and an error wrapping wire.ErrMalformedMessage on a corrupt frame.
func (c *Conn) ReadEnvelope() (*wire.Envelope, error) {
	return wire.Decode(c.reader)
}

// SetReadDeadline bounds the next read; the zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr returns the remote address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error { return c.raw.Close() }
