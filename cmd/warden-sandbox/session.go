// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/uibridge"
	"github.com/warden-host/warden/wire"
)

// session is one sandbox's connection to the host: the handshake, the
// bound runtime, and the dispatch of everything the host sends.
type session struct {
	pluginID string
	peer     *transport.Peer
	host     *Host
	logger   *slog.Logger

	// stop ends the sandbox process; the host's Shutdown message and
	// connection loss both trigger it.
	stop context.CancelFunc

	mu      sync.Mutex
	runtime Runtime
}

func newSession(pluginID string, stop context.CancelFunc, logger *slog.Logger) *session {
	return &session{
		pluginID: pluginID,
		stop:     stop,
		logger:   logger,
	}
}

// attach wires the session to its peer. Must be called before the host
// sends anything past the handshake; handle drops messages that arrive
// earlier.
func (s *session) attach(peer *transport.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	s.host = &Host{
		pluginID: s.pluginID,
		peer:     peer,
		ui:       uibridge.NewPusher(s.pluginID, peer, s.logger),
		logger:   s.logger,
	}
}

// hello announces readiness and waits for the host's ack.
func (s *session) hello(ctx context.Context) error {
	request, err := wire.NewRequest(wire.KindHello, &wire.HelloPayload{
		ProtocolVersion: wire.ProtocolVersion,
		PluginID:        s.pluginID,
		PID:             os.Getpid(),
	})
	if err != nil {
		return err
	}
	reply, err := s.peer.Call(ctx, request)
	if err != nil {
		return err
	}
	if _, err := wire.DecodePayload(reply); err != nil {
		return err
	}
	s.logger.Info("handshake complete")
	return nil
}

// handle dispatches one inbound envelope. It runs on the peer's read
// loop: anything that could block — runtime work, permission queries —
// is handed off so the loop keeps draining.
func (s *session) handle(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
	s.mu.Lock()
	attached := s.host != nil
	s.mu.Unlock()
	if !attached {
		s.logger.Warn("dropping message before attach", "kind", envelope.Kind)
		return
	}

	payload, err := wire.DecodePayload(envelope)
	if err != nil {
		s.logger.Warn("dropping malformed host message",
			"kind", envelope.Kind, "error", err)
		return
	}

	switch p := payload.(type) {
	case *wire.PingPayload:
		if pong, err := wire.NewReply(envelope, wire.KindPong, &wire.PongPayload{Seq: p.Seq}); err == nil {
			peer.Reply(pong)
		}

	case *wire.BindPluginPayload:
		s.handleBind(ctx, envelope, p)

	case *wire.ShutdownPayload:
		s.logger.Info("shutdown requested", "reason", p.Reason)
		s.stop()

	case *wire.UserActionPayload:
		if runtime := s.boundRuntime(); runtime != nil {
			go runtime.UserAction(ctx, p)
		}

	case *wire.SurfaceLifecyclePayload:
		if runtime := s.boundRuntime(); runtime != nil {
			go runtime.Lifecycle(ctx, p)
		}

	case *wire.ResyncRequestPayload:
		s.host.ui.Resync(ctx, p.ScreenID)

	default:
		s.logger.Warn("unexpected message from host", "kind", envelope.Kind)
	}
}

// handleBind instantiates the runtime named by the entry point. A
// second bind is a protocol error.
func (s *session) handleBind(ctx context.Context, envelope *wire.Envelope, bind *wire.BindPluginPayload) {
	result := &wire.ResultPayload{OK: true}

	s.mu.Lock()
	alreadyBound := s.runtime != nil
	s.mu.Unlock()

	if alreadyBound {
		result = &wire.ResultPayload{OK: false, Error: "plugin already bound", Code: "already-bound"}
	} else {
		runtime, err := lookupRuntime(bind.EntryPoint)
		if err == nil {
			err = runtime.Bind(ctx, bind, s.host)
		}
		if err != nil {
			result = &wire.ResultPayload{OK: false, Error: err.Error(), Code: "bind-failed"}
		} else {
			s.mu.Lock()
			s.runtime = runtime
			s.mu.Unlock()
			s.logger.Info("plugin bound", "entry_point", bind.EntryPoint)
		}
	}

	reply, err := wire.NewReply(envelope, wire.KindResult, result)
	if err != nil {
		s.logger.Error("encoding bind result", "error", err)
		return
	}
	if err := s.peer.Reply(reply); err != nil {
		s.logger.Warn("sending bind result", "error", err)
	}
}

func (s *session) boundRuntime() Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
