// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/warden-host/warden/wire"
)

// ErrPeerClosed reports that the connection behind a Peer is gone.
// Pending calls fail with it, and new calls fail fast instead of
// hanging — a caller must never block on a dead process.
var ErrPeerClosed = errors.New("peer connection closed")

// HandlerFunc processes an inbound request or oneway message. It runs
// on the read loop goroutine, so inbound messages from one peer are
// handled in arrival order; a handler that needs to do slow work must
// hand it off. Replies (if the message expects one) are sent by the
// handler via peer.Reply.
type HandlerFunc func(ctx context.Context, peer *Peer, envelope *wire.Envelope)

// Peer multiplexes correlated request/response and oneway traffic
// over one Conn. Replies are routed to pending calls by correlation
// ID, which is what allows responses to arrive out of call order
// under concurrent load. Everything else goes to the handler.
type Peer struct {
	conn    *Conn
	handler HandlerFunc
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]chan *wire.Envelope
	closed  bool
	err     error

	done chan struct{}
}

// NewPeer starts the read loop on conn. The handler receives every
// inbound message that is not a reply to a pending call; it may be
// nil for a peer that only issues calls (unexpected inbound traffic
// is then logged and dropped).
func NewPeer(ctx context.Context, conn *Conn, handler HandlerFunc, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	peer := &Peer{
		conn:    conn,
		handler: handler,
		logger:  logger,
		pending: make(map[uuid.UUID]chan *wire.Envelope),
		done:    make(chan struct{}),
	}
	go peer.readLoop(ctx)
	return peer
}

// Call sends a request and blocks until the correlated reply arrives,
// ctx is cancelled, or the connection dies.
func (p *Peer) Call(ctx context.Context, request *wire.Envelope) (*wire.Envelope, error) {
	if request.Oneway {
		return nil, fmt.Errorf("call with oneway envelope %s", request.Kind)
	}

	replyChannel := make(chan *wire.Envelope, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPeerClosed
	}
	p.pending[request.Correlation] = replyChannel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, request.Correlation)
		p.mu.Unlock()
	}()

	if err := p.conn.WriteEnvelope(request); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", request.Kind, err)
	}

	select {
	case reply := <-replyChannel:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPeerClosed
	}
}

// Send transmits a oneway envelope without waiting. Per-sender order
// is preserved by the Conn's write serialization.
func (p *Peer) Send(envelope *wire.Envelope) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPeerClosed
	}
	return p.conn.WriteEnvelope(envelope)
}

// Reply sends a response envelope from a handler.
func (p *Peer) Reply(envelope *wire.Envelope) error {
	return p.conn.WriteEnvelope(envelope)
}

// Done is closed when the read loop has exited; Err then reports why.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the terminal connection error, nil before Done.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close tears the connection down and fails all pending calls.
func (p *Peer) Close() error {
	p.shutdown(ErrPeerClosed)
	return nil
}

func (p *Peer) readLoop(ctx context.Context) {
	for {
		envelope, err := p.conn.ReadEnvelope()
		if err != nil {
			switch {
			case err == io.EOF:
				p.shutdown(ErrPeerClosed)
			case errors.Is(err, wire.ErrMalformedMessage):
				// A corrupt frame means the stream is desynchronized;
				// there is no way to find the next frame boundary.
				// Log with full context and drop the connection.
				p.logger.Error("malformed message, closing connection",
					"remote", p.conn.RemoteAddr(), "error", err)
				p.shutdown(err)
			default:
				p.shutdown(err)
			}
			return
		}

		if envelope.Kind.IsReply() {
			p.mu.Lock()
			replyChannel, ok := p.pending[envelope.Correlation]
			p.mu.Unlock()
			if !ok {
				// Reply to a call that timed out or was cancelled.
				p.logger.Debug("orphan reply dropped",
					"kind", envelope.Kind, "correlation", envelope.Correlation)
				continue
			}
			replyChannel <- envelope
			continue
		}

		if p.handler == nil {
			p.logger.Warn("inbound message with no handler",
				"kind", envelope.Kind, "remote", p.conn.RemoteAddr())
			continue
		}
		p.handler(ctx, p, envelope)
	}
}

// shutdown closes the connection once, recording the cause and waking
// every pending call.
func (p *Peer) shutdown(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.err = cause
	p.mu.Unlock()

	p.conn.Close()
	close(p.done)
}
