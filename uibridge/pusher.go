// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package uibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/warden-host/warden/lib/codec"
	"github.com/warden-host/warden/uistate"
	"github.com/warden-host/warden/wire"
)

// ErrUIUnavailable reports that the render side is gone. Pushes fail
// fast instead of queueing against a dead surface; the plugin keeps
// running and the next push after reconnection carries a full
// snapshot.
var ErrUIUnavailable = errors.New("ui unavailable")

// Caller is the slice of transport.Peer the pusher needs.
type Caller interface {
	Call(ctx context.Context, request *wire.Envelope) (*wire.Envelope, error)
	Done() <-chan struct{}
}

// Pusher is the sandbox side of the UI protocol. It owns version
// sequencing per screen, diffs each push against the last state the
// renderer acknowledged, and coalesces while a push is in flight —
// a slow renderer sees only the newest state, never a backlog.
type Pusher struct {
	pluginID string
	peer     Caller
	logger   *slog.Logger

	mu      sync.Mutex
	screens map[string]*screenState
}

// screenState is the per-screen sequencing and coalescing state.
type screenState struct {
	nextVersion uint64
	lastAcked   *uistate.Snapshot

	// pending holds at most one coalesced snapshot awaiting send.
	pending *uistate.Snapshot

	// sending marks an active sender loop for this screen.
	sending bool

	// needFull forces the next push to carry a full snapshot: set
	// before the first ack, after a rejected patch, and on resync
	// requests.
	needFull bool
}

// NewPusher creates a Pusher for one plugin's screens.
func NewPusher(pluginID string, peer Caller, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pusher{
		pluginID: pluginID,
		peer:     peer,
		logger:   logger,
		screens:  make(map[string]*screenState),
	}
}

// Push submits the screen's new state. The snapshot's version is
// assigned by the pusher; the caller's value is ignored. Push returns
// once the state is queued — delivery is asynchronous, with newer
// pushes replacing queued ones.
func (p *Pusher) Push(ctx context.Context, snapshot *uistate.Snapshot) error {
	select {
	case <-p.peer.Done():
		return fmt.Errorf("push %s/%s: %w", p.pluginID, snapshot.ScreenID, ErrUIUnavailable)
	default:
	}

	p.mu.Lock()
	screen, ok := p.screens[snapshot.ScreenID]
	if !ok {
		screen = &screenState{nextVersion: 1, needFull: true}
		p.screens[snapshot.ScreenID] = screen
	}

	versioned := *snapshot
	versioned.PluginID = p.pluginID
	versioned.Version = screen.nextVersion
	screen.nextVersion++
	screen.pending = &versioned

	start := !screen.sending
	if start {
		screen.sending = true
	}
	p.mu.Unlock()

	if start {
		go p.sendLoop(ctx, snapshot.ScreenID, screen)
	}
	return nil
}

// Resync marks a screen for full-snapshot delivery and, if state
// exists for it, queues a push. Called when the renderer asks for a
// resync or reports a surface recreated.
func (p *Pusher) Resync(ctx context.Context, screenID string) {
	p.mu.Lock()
	screen, ok := p.screens[screenID]
	if !ok {
		p.mu.Unlock()
		return
	}
	screen.needFull = true
	screen.lastAcked = nil
	if screen.pending == nil {
		// Re-deliver the last known state as a fresh version.
		if last := screen.latestLocked(); last != nil {
			resend := *last
			resend.Version = screen.nextVersion
			screen.nextVersion++
			screen.pending = &resend
		}
	}
	start := screen.pending != nil && !screen.sending
	if start {
		screen.sending = true
	}
	p.mu.Unlock()

	if start {
		go p.sendLoop(ctx, screenID, screen)
	}
}

// latestLocked returns the newest snapshot this screen has produced.
func (s *screenState) latestLocked() *uistate.Snapshot {
	if s.pending != nil {
		return s.pending
	}
	return s.lastAcked
}

// sendLoop drains the screen's pending slot. One loop runs per screen
// at a time; it exits when the slot is empty or the peer is gone.
func (p *Pusher) sendLoop(ctx context.Context, screenID string, screen *screenState) {
	for {
		p.mu.Lock()
		snapshot := screen.pending
		if snapshot == nil {
			screen.sending = false
			p.mu.Unlock()
			return
		}
		screen.pending = nil
		base := screen.lastAcked
		full := screen.needFull || base == nil
		p.mu.Unlock()

		push, err := p.buildPush(screenID, base, snapshot, full)
		if err != nil {
			p.logger.Error("building push", "screen", screenID, "error", err)
			continue
		}

		reply, err := p.peer.Call(ctx, push)
		if err != nil {
			p.logger.Warn("push failed, dropping screen state",
				"screen", screenID, "version", snapshot.Version, "error", err)
			p.mu.Lock()
			screen.needFull = true
			screen.lastAcked = nil
			screen.sending = false
			p.mu.Unlock()
			return
		}

		applied := false
		if payload, err := wire.DecodePayload(reply); err == nil {
			if ack, ok := payload.(*wire.StateAckPayload); ok {
				applied = ack.Applied
			}
		}

		p.mu.Lock()
		if applied {
			screen.lastAcked = snapshot
			screen.needFull = false
		} else {
			// The renderer rejected the patch; next delivery is a full
			// snapshot of the newest state.
			screen.needFull = true
			screen.lastAcked = nil
			if screen.pending == nil {
				resend := *snapshot
				resend.Version = screen.nextVersion
				screen.nextVersion++
				screen.pending = &resend
			}
		}
		p.mu.Unlock()
	}
}

// buildPush assembles the PushState envelope: a diff against the acked
// base, or a full snapshot when no usable base exists.
func (p *Pusher) buildPush(screenID string, base, snapshot *uistate.Snapshot, full bool) (*wire.Envelope, error) {
	payload := &wire.PushStatePayload{
		PluginID: p.pluginID,
		ScreenID: screenID,
		Version:  snapshot.Version,
	}

	if full {
		raw, err := codec.Marshal(snapshot)
		if err != nil {
			return nil, err
		}
		payload.Snapshot = raw
	} else {
		patch := uistate.Diff(base, snapshot)
		raw, err := codec.Marshal(patch)
		if err != nil {
			return nil, err
		}
		payload.BaseVersion = base.Version
		payload.Patch = raw
	}
	return wire.NewRequest(wire.KindPushState, payload)
}
