// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package uibridge

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/uistate"
	"github.com/warden-host/warden/wire"
)

func weatherSnapshot(value string) *uistate.Snapshot {
	return &uistate.Snapshot{
		ScreenID: "main",
		Title:    "Weather",
		Components: []uistate.Component{
			{ID: "header", Type: "text", Properties: map[string]any{"value": value}},
		},
	}
}

// bridgeFixture wires a Pusher and a Surface over an in-memory pipe.
type bridgeFixture struct {
	pusher  *Pusher
	surface *Surface
	sandbox *transport.Peer
	render  *transport.Peer
	updates chan *uistate.Snapshot
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	ctx := context.Background()
	sandboxEnd, renderEnd := net.Pipe()

	f := &bridgeFixture{
		surface: NewSurface(nil),
		updates: make(chan *uistate.Snapshot, 16),
	}
	f.surface.OnUpdate = func(s *uistate.Snapshot) { f.updates <- s }

	f.render = transport.NewPeer(ctx, transport.NewConn(renderEnd), f.surface.Handle, nil)
	f.sandbox = transport.NewPeer(ctx, transport.NewConn(sandboxEnd), nil, nil)
	f.pusher = NewPusher("weather", f.sandbox, nil)

	t.Cleanup(func() {
		f.sandbox.Close()
		f.render.Close()
	})
	return f
}

func (f *bridgeFixture) waitUpdate(t *testing.T) *uistate.Snapshot {
	t.Helper()
	select {
	case s := <-f.updates:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for surface update")
		return nil
	}
}

func TestPushDeliversFullThenPatch(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if err := f.pusher.Push(ctx, weatherSnapshot("Today 21°")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	first := f.waitUpdate(t)
	if first.Version != 1 || first.PluginID != "weather" {
		t.Fatalf("first update = %+v", first)
	}

	if err := f.pusher.Push(ctx, weatherSnapshot("Today 19°")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	second := f.waitUpdate(t)
	if second.Version != 2 {
		t.Fatalf("second version = %d, want 2", second.Version)
	}
	got := second.Components[0].Properties["value"]
	if got != "Today 19°" {
		t.Errorf("value = %v", got)
	}

	current := f.surface.Snapshot("weather", "main")
	if !reflect.DeepEqual(current, second) {
		t.Error("surface snapshot does not match last update")
	}
}

func TestPushRecoversAfterSurfaceForgets(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if err := f.pusher.Push(ctx, weatherSnapshot("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	f.waitUpdate(t)

	// Simulate a destroyed surface: the renderer drops its state, the
	// pusher does not know. Its next patch is rejected, and it must
	// converge by resending a full snapshot on its own.
	f.surface.Forget("weather", "main")

	if err := f.pusher.Push(ctx, weatherSnapshot("b")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	recovered := f.waitUpdate(t)
	if got := recovered.Components[0].Properties["value"]; got != "b" {
		t.Errorf("value = %v, want b", got)
	}
	if current := f.surface.Snapshot("weather", "main"); current == nil {
		t.Fatal("surface has no snapshot after recovery")
	}
}

func TestPushFailsFastWhenPeerGone(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if err := f.pusher.Push(ctx, weatherSnapshot("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	f.waitUpdate(t)

	f.sandbox.Close()
	<-f.sandbox.Done()

	if err := f.pusher.Push(ctx, weatherSnapshot("b")); !errors.Is(err, ErrUIUnavailable) {
		t.Errorf("err = %v, want ErrUIUnavailable", err)
	}
}

// blockingCaller stalls every Call until released, so pushes pile up
// behind an in-flight one.
type blockingCaller struct {
	calls   chan *wire.Envelope
	release chan struct{}
	done    chan struct{}
}

func newBlockingCaller() *blockingCaller {
	return &blockingCaller{
		calls:   make(chan *wire.Envelope, 16),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *blockingCaller) Call(ctx context.Context, request *wire.Envelope) (*wire.Envelope, error) {
	c.calls <- request
	<-c.release
	payload, err := wire.DecodePayload(request)
	if err != nil {
		return nil, err
	}
	push := payload.(*wire.PushStatePayload)
	return wire.NewReply(request, wire.KindStateAck, &wire.StateAckPayload{
		PluginID: push.PluginID,
		ScreenID: push.ScreenID,
		Version:  push.Version,
		Applied:  true,
	})
}

func (c *blockingCaller) Done() <-chan struct{} { return c.done }

func TestPushCoalescesWhileRendererIsSlow(t *testing.T) {
	caller := newBlockingCaller()
	pusher := NewPusher("weather", caller, nil)
	ctx := context.Background()

	if err := pusher.Push(ctx, weatherSnapshot("v1")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	first := <-caller.calls

	// Three more pushes while the first is in flight; only the newest
	// survives coalescing.
	for _, value := range []string{"v2", "v3", "v4"} {
		if err := pusher.Push(ctx, weatherSnapshot(value)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	caller.release <- struct{}{}
	second := <-caller.calls
	caller.release <- struct{}{}

	firstPayload, err := wire.DecodePayload(first)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if v := firstPayload.(*wire.PushStatePayload).Version; v != 1 {
		t.Errorf("first push version = %d, want 1", v)
	}

	secondPayload, err := wire.DecodePayload(second)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	push := secondPayload.(*wire.PushStatePayload)
	if push.Version != 4 {
		t.Errorf("coalesced push version = %d, want 4", push.Version)
	}
	if push.BaseVersion != 1 {
		t.Errorf("coalesced push base = %d, want 1", push.BaseVersion)
	}

	select {
	case extra := <-caller.calls:
		t.Errorf("unexpected third push: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStalePushAnsweredWithResync(t *testing.T) {
	ctx := context.Background()
	sandboxEnd, renderEnd := net.Pipe()

	surface := NewSurface(nil)
	render := transport.NewPeer(ctx, transport.NewConn(renderEnd), surface.Handle, nil)
	defer render.Close()

	resyncs := make(chan *wire.ResyncRequestPayload, 1)
	sandbox := transport.NewPeer(ctx, transport.NewConn(sandboxEnd), func(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
		if envelope.Kind != wire.KindResyncRequest {
			return
		}
		payload, err := wire.DecodePayload(envelope)
		if err != nil {
			t.Errorf("DecodePayload: %v", err)
			return
		}
		resyncs <- payload.(*wire.ResyncRequestPayload)
	}, nil)
	defer sandbox.Close()

	// A patch against a screen the surface has never seen.
	patch := &uistate.Patch{
		PluginID:    "weather",
		ScreenID:    "main",
		BaseVersion: 3,
		Version:     4,
		Upserts:     []uistate.Upsert{{ID: "header", Type: "text"}},
	}
	pusher := NewPusher("weather", sandbox, nil)
	envelope, err := pusher.buildPush("main", &uistate.Snapshot{PluginID: "weather", ScreenID: "main", Version: patch.BaseVersion}, &uistate.Snapshot{
		PluginID: "weather",
		ScreenID: "main",
		Version:  patch.Version,
		Components: []uistate.Component{
			{ID: "header", Type: "text"},
		},
	}, false)
	if err != nil {
		t.Fatalf("buildPush: %v", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := sandbox.Call(callCtx, envelope)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.(*wire.StateAckPayload).Applied {
		t.Error("stale patch was applied")
	}

	select {
	case resync := <-resyncs:
		if resync.PluginID != "weather" || resync.ScreenID != "main" {
			t.Errorf("resync = %+v", resync)
		}
		if resync.HaveVersion != 0 {
			t.Errorf("have version = %d, want 0", resync.HaveVersion)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no resync request received")
	}
}

func TestUserActionAndLifecycleForwarded(t *testing.T) {
	ctx := context.Background()
	renderEnd, hostEnd := net.Pipe()

	received := make(chan *wire.Envelope, 2)
	host := transport.NewPeer(ctx, transport.NewConn(hostEnd), func(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
		received <- envelope
	}, nil)
	defer host.Close()

	render := transport.NewPeer(ctx, transport.NewConn(renderEnd), nil, nil)
	defer render.Close()

	err := SendUserAction(render, "weather", "main", "click", "refresh", map[string]any{"x": int64(3)})
	if err != nil {
		t.Fatalf("SendUserAction: %v", err)
	}
	if err := SendLifecycle(render, "weather", "main", wire.SurfacePaused); err != nil {
		t.Fatalf("SendLifecycle: %v", err)
	}

	for _, wantKind := range []wire.Kind{wire.KindUserAction, wire.KindSurfaceLifecycle} {
		select {
		case envelope := <-received:
			if envelope.Kind != wantKind {
				t.Errorf("kind = %s, want %s", envelope.Kind, wantKind)
			}
			if _, err := wire.DecodePayload(envelope); err != nil {
				t.Errorf("DecodePayload: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", wantKind)
		}
	}
}
