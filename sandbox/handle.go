// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"sync"

	"github.com/warden-host/warden/lib/version"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/wire"
)

// Handle is the supervisor's grip on one running sandbox: its process,
// its socket, and the peer carrying its traffic.
type Handle struct {
	pluginID   string
	listener   *transport.Listener
	peer       *transport.Peer
	proc       Process
	supervisor *Supervisor

	// ready closes when the child's Hello arrives.
	ready     chan struct{}
	readyOnce sync.Once
	hello     wire.HelloPayload

	// procExit closes when the process has exited.
	procExit chan struct{}

	stopHealth   chan struct{}
	teardownOnce sync.Once

	mu       sync.Mutex
	exitErr  error
	tornDown bool
}

// PluginID returns the plugin this sandbox runs.
func (h *Handle) PluginID() string { return h.pluginID }

// PID returns the sandbox process ID.
func (h *Handle) PID() int { return h.proc.PID() }

// Peer returns the envelope peer for this sandbox. Calls fail with
// transport.ErrPeerClosed once the sandbox is gone.
func (h *Handle) Peer() *transport.Peer { return h.peer }

// Hello returns the handshake payload the sandbox announced itself
// with. Valid after Spawn returns.
func (h *Handle) Hello() wire.HelloPayload {
	return h.hello
}

// route wraps the plugin's inbound handler, consuming the Hello
// handshake before anything else is forwarded.
func (h *Handle) route(inner transport.HandlerFunc) transport.HandlerFunc {
	return func(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
		if envelope.Kind == wire.KindHello {
			payload, err := wire.DecodePayload(envelope)
			if err != nil {
				h.supervisor.logger.Error("bad hello", "plugin", h.pluginID, "error", err)
				return
			}
			h.hello = *payload.(*wire.HelloPayload)
			if ack, err := wire.NewReply(envelope, wire.KindHelloAck, &wire.HelloAckPayload{HostVersion: version.Short()}); err == nil {
				peer.Reply(ack)
			}
			h.readyOnce.Do(func() { close(h.ready) })
			return
		}
		if inner != nil {
			inner(ctx, peer, envelope)
		}
	}
}

func (h *Handle) setExitErr(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
}

// ExitErr returns the process exit error once procExit has closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) markTornDown() {
	h.mu.Lock()
	h.tornDown = true
	h.mu.Unlock()
}

func (h *Handle) isTornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tornDown
}
