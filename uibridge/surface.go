// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package uibridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/warden-host/warden/lib/codec"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/uistate"
	"github.com/warden-host/warden/wire"
)

// Surface is the renderer side of the UI protocol. It maintains the
// current snapshot per (plugin, screen), applies pushes in version
// order, and hands every accepted state to OnUpdate for display.
//
// A push that cannot be applied — stale, skipped, or against a screen
// the surface has never seen — is rejected with Applied=false and a
// ResyncRequest, never force-applied.
type Surface struct {
	logger *slog.Logger

	// OnUpdate receives each accepted snapshot. Called without the
	// surface lock held; may be nil.
	OnUpdate func(*uistate.Snapshot)

	mu      sync.Mutex
	screens map[screenKey]*uistate.Snapshot
}

type screenKey struct {
	pluginID string
	screenID string
}

// NewSurface creates an empty Surface.
func NewSurface(logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Surface{
		logger:  logger,
		screens: make(map[screenKey]*uistate.Snapshot),
	}
}

// Handle is the transport handler for the render peer. It consumes
// push-state requests; anything else is logged and dropped, since the
// renderer exposes no other inbound surface.
func (s *Surface) Handle(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
	if envelope.Kind != wire.KindPushState {
		s.logger.Warn("unexpected message on render socket", "kind", envelope.Kind)
		return
	}

	payload, err := wire.DecodePayload(envelope)
	if err != nil {
		s.logger.Error("undecodable push", "error", err)
		return
	}
	push := payload.(*wire.PushStatePayload)

	snapshot, applied := s.ingest(push)

	ack, err := wire.NewReply(envelope, wire.KindStateAck, &wire.StateAckPayload{
		PluginID: push.PluginID,
		ScreenID: push.ScreenID,
		Version:  push.Version,
		Applied:  applied,
	})
	if err == nil {
		peer.Reply(ack)
	}

	if applied {
		if s.OnUpdate != nil {
			s.OnUpdate(snapshot)
		}
		return
	}

	// Tell the sandbox side what we actually have so its next push is
	// a full snapshot.
	s.mu.Lock()
	var have uint64
	if current := s.screens[screenKey{push.PluginID, push.ScreenID}]; current != nil {
		have = current.Version
	}
	s.mu.Unlock()
	resync, err := wire.NewOneway(wire.KindResyncRequest, &wire.ResyncRequestPayload{
		PluginID:    push.PluginID,
		ScreenID:    push.ScreenID,
		HaveVersion: have,
	})
	if err == nil {
		peer.Send(resync)
	}
}

// ingest applies one push to the screen table, returning the resulting
// snapshot when accepted.
func (s *Surface) ingest(push *wire.PushStatePayload) (*uistate.Snapshot, bool) {
	key := screenKey{push.PluginID, push.ScreenID}

	if len(push.Snapshot) > 0 {
		var snapshot uistate.Snapshot
		if err := codec.Unmarshal(push.Snapshot, &snapshot); err != nil {
			s.logger.Error("undecodable snapshot",
				"plugin", push.PluginID, "screen", push.ScreenID, "error", err)
			return nil, false
		}
		s.mu.Lock()
		current := s.screens[key]
		if current != nil && snapshot.Version <= current.Version {
			s.mu.Unlock()
			s.logger.Warn("stale snapshot rejected",
				"plugin", push.PluginID, "screen", push.ScreenID,
				"have", current.Version, "got", snapshot.Version)
			return nil, false
		}
		s.screens[key] = &snapshot
		s.mu.Unlock()
		return &snapshot, true
	}

	var patch uistate.Patch
	if err := codec.Unmarshal(push.Patch, &patch); err != nil {
		s.logger.Error("undecodable patch",
			"plugin", push.PluginID, "screen", push.ScreenID, "error", err)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.screens[key]
	if current == nil {
		s.logger.Warn("patch for unknown screen",
			"plugin", push.PluginID, "screen", push.ScreenID)
		return nil, false
	}
	next, err := uistate.Apply(current, &patch)
	if err != nil {
		s.logger.Warn("patch rejected",
			"plugin", push.PluginID, "screen", push.ScreenID,
			"have", current.Version, "base", patch.BaseVersion, "error", err)
		return nil, false
	}
	s.screens[key] = next
	return next, true
}

// Snapshot returns the surface's current snapshot for a screen, or nil.
func (s *Surface) Snapshot(pluginID, screenID string) *uistate.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screens[screenKey{pluginID, screenID}]
}

// Forget drops a screen's state, so the next push must be a full
// snapshot. Called when its surface is destroyed.
func (s *Surface) Forget(pluginID, screenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.screens, screenKey{pluginID, screenID})
}

// SendUserAction forwards a user interaction to the host as a oneway
// message. Interactions are fire-and-forget: a lost click is recovered
// by the user clicking again, not by a retry queue.
func SendUserAction(peer *transport.Peer, pluginID, screenID, actionType, targetComponentID string, data map[string]any) error {
	envelope, err := wire.NewOneway(wire.KindUserAction, &wire.UserActionPayload{
		PluginID:          pluginID,
		ScreenID:          screenID,
		ActionType:        actionType,
		TargetComponentID: targetComponentID,
		Data:              data,
	})
	if err != nil {
		return err
	}
	return peer.Send(envelope)
}

// SendLifecycle forwards a surface lifecycle transition (created,
// resumed, paused, destroyed) to the host as a oneway message.
func SendLifecycle(peer *transport.Peer, pluginID, screenID, event string) error {
	envelope, err := wire.NewOneway(wire.KindSurfaceLifecycle, &wire.SurfaceLifecyclePayload{
		PluginID: pluginID,
		ScreenID: screenID,
		Event:    event,
	})
	if err != nil {
		return err
	}
	return peer.Send(envelope)
}
