// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/lib/testutil"
	"github.com/warden-host/warden/permission"
	"github.com/warden-host/warden/pluglog"
	"github.com/warden-host/warden/ratelimit"
	"github.com/warden-host/warden/storage"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/wire"
)

// brokerFixture runs a broker with real permission and log stores on
// temp databases, a fake sandbox peer for the "weather" plugin, and a
// way to attach fake renderers.
type brokerFixture struct {
	broker  *broker
	perms   *permission.Manager
	logs    *pluglog.Ingestor
	store   *storage.Store
	sandbox *transport.Peer
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	dir := t.TempDir()
	fake := clock.Fake(time.Unix(1000, 0))
	discard := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	perms, err := permission.Open(permission.Config{
		Path:     filepath.Join(dir, "permissions.db"),
		PoolSize: 1,
		Clock:    fake,
		Logger:   discard,
	})
	if err != nil {
		t.Fatalf("permission.Open: %v", err)
	}
	t.Cleanup(func() { perms.Close() })

	// Tight log policy so admission rejections are reachable without
	// hundreds of submissions; the fake clock never refills tokens.
	logs, err := pluglog.Open(pluglog.Config{
		DatabasePath: filepath.Join(dir, "logs.db"),
		PoolSize:     1,
		Policies: map[string]ratelimit.Policy{
			pluglog.MethodLog:       {PerSecond: 1, Burst: 2},
			pluglog.MethodException: {PerSecond: 1, Burst: 1},
		},
		OnReject: auditRateLimit(ctx, perms),
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("pluglog.Open: %v", err)
	}
	t.Cleanup(func() { logs.Close() })

	store, err := storage.Open(storage.Config{
		DatabasePath: filepath.Join(dir, "storage.db"),
		KeyPath:      filepath.Join(dir, "storage.key"),
		PoolSize:     1,
		Permissions:  perms,
		Clock:        fake,
		Logger:       discard,
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &brokerFixture{
		broker: newBroker(perms, logs, store, discard),
		perms:  perms,
		logs:   logs,
		store:  store,
	}

	sandboxEnd, hostEnd := net.Pipe()
	hostPeer := transport.NewPeer(ctx, transport.NewConn(hostEnd), f.broker.sandboxHandler("weather"), discard)
	f.sandbox = transport.NewPeer(ctx, transport.NewConn(sandboxEnd), nil, discard)
	t.Cleanup(func() {
		f.sandbox.Close()
		hostPeer.Close()
	})
	return f
}

// attachRenderer connects a fake renderer whose inbound envelopes are
// delivered on the returned channel. PushState requests are answered
// with an applied ack.
func (f *brokerFixture) attachRenderer(t *testing.T) chan *wire.Envelope {
	t.Helper()
	ctx := context.Background()
	inbound := make(chan *wire.Envelope, 16)

	renderEnd, hostEnd := net.Pipe()
	renderPeer := transport.NewPeer(ctx, transport.NewConn(renderEnd),
		func(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
			inbound <- envelope
			if envelope.Kind != wire.KindPushState {
				return
			}
			payload, err := wire.DecodePayload(envelope)
			if err != nil {
				t.Errorf("renderer got malformed push: %v", err)
				return
			}
			push := payload.(*wire.PushStatePayload)
			ack, err := wire.NewReply(envelope, wire.KindStateAck, &wire.StateAckPayload{
				PluginID: push.PluginID,
				ScreenID: push.ScreenID,
				Version:  push.Version,
				Applied:  true,
			})
			if err != nil {
				t.Errorf("building ack: %v", err)
				return
			}
			peer.Reply(ack)
		}, nil)

	hostPeer := transport.NewPeer(ctx, transport.NewConn(hostEnd), f.broker.rendererHandler, nil)
	f.broker.attachRenderer(ctx, hostPeer)

	t.Cleanup(func() {
		renderPeer.Close()
		hostPeer.Close()
	})
	return inbound
}

func (f *brokerFixture) queryPermissions(t *testing.T, capabilities ...string) *wire.PermissionResultPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := wire.NewRequest(wire.KindPermissionQuery, &wire.PermissionQueryPayload{
		PluginID:     "weather",
		Capabilities: capabilities,
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	reply, err := f.sandbox.Call(ctx, request)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return payload.(*wire.PermissionResultPayload)
}

func TestPermissionQueryReflectsGrants(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	if err := f.perms.Grant(ctx, "weather", "network"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	result := f.queryPermissions(t, "network", "location")
	if len(result.Granted) != 1 || result.Granted[0] != "network" {
		t.Errorf("granted = %v, want [network]", result.Granted)
	}
	if len(result.Missing) != 1 || result.Missing[0] != "location" {
		t.Errorf("missing = %v, want [location]", result.Missing)
	}
}

func TestPermissionQuerySpoofedIDRefused(t *testing.T) {
	f := newBrokerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.perms.Grant(ctx, "calendar", "network"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// The sandbox serves "weather" but claims to be "calendar".
	request, err := wire.NewRequest(wire.KindPermissionQuery, &wire.PermissionQueryPayload{
		PluginID:     "calendar",
		Capabilities: []string{"network"},
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	reply, err := f.sandbox.Call(ctx, request)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	result := payload.(*wire.PermissionResultPayload)
	if len(result.Granted) != 0 {
		t.Errorf("granted = %v, want none for spoofed query", result.Granted)
	}
}

func TestSubmitLogPersisted(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	record, err := wire.NewOneway(wire.KindSubmitLog, &wire.SubmitLogPayload{
		PluginID: "weather",
		Level:    "info",
		Tag:      "sync",
		Message:  "forecast updated",
	})
	if err != nil {
		t.Fatalf("NewOneway: %v", err)
	}
	if err := f.sandbox.Send(record); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The handler runs on the host peer's read loop; poll for the
	// record to land.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := f.logs.Entries(ctx, "weather", "", 10)
		if err != nil {
			t.Fatalf("Entries: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Message != "forecast updated" {
				t.Errorf("message = %q", entries[0].Message)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("log record never persisted")
		}
		time.Sleep(time.Millisecond)
	}
}

func pushEnvelope(t *testing.T, version uint64) *wire.Envelope {
	t.Helper()
	snapshot, err := wire.NewRequest(wire.KindPushState, &wire.PushStatePayload{
		PluginID: "weather",
		ScreenID: "main",
		Version:  version,
		Snapshot: []byte{0xa0}, // empty CBOR map
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return snapshot
}

func TestPushRelayedToRenderer(t *testing.T) {
	f := newBrokerFixture(t)
	inbound := f.attachRenderer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := f.sandbox.Call(ctx, pushEnvelope(t, 1))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Kind != wire.KindStateAck {
		t.Fatalf("reply kind = %s, want state-ack", reply.Kind)
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	ack := payload.(*wire.StateAckPayload)
	if !ack.Applied || ack.Version != 1 {
		t.Errorf("ack = %+v", ack)
	}

	forwarded := testutil.RequireReceive(t, inbound, 5*time.Second, "renderer push")
	if forwarded.Kind != wire.KindPushState {
		t.Errorf("forwarded kind = %s", forwarded.Kind)
	}
}

func TestPushParkedUntilRendererConnects(t *testing.T) {
	f := newBrokerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Push with no renderer: the call must stay pending, not fail.
	push := pushEnvelope(t, 1)
	ackCh := make(chan *wire.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := f.sandbox.Call(ctx, push)
		if err != nil {
			errCh <- err
			return
		}
		ackCh <- reply
	}()

	select {
	case err := <-errCh:
		t.Fatalf("push failed instead of parking: %v", err)
	case reply := <-ackCh:
		t.Fatalf("push acked with no renderer: %s", reply.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	// A renderer arrives; the parked push is delivered and acked.
	inbound := f.attachRenderer(t)
	testutil.RequireReceive(t, inbound, 5*time.Second, "parked push delivery")

	reply := testutil.RequireReceive(t, ackCh, 5*time.Second, "ack after renderer attach")
	if reply.Kind != wire.KindStateAck {
		t.Errorf("reply kind = %s, want state-ack", reply.Kind)
	}
}

// storageCall issues one storage request over the sandbox peer and
// returns the raw reply envelope.
func (f *brokerFixture) storageCall(t *testing.T, kind wire.Kind, payload any) *wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request, err := wire.NewRequest(kind, payload)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	reply, err := f.sandbox.Call(ctx, request)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	return reply
}

func TestStorageRoundTripThroughBroker(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	if err := f.perms.Grant(ctx, "weather", storage.Capability); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	reply := f.storageCall(t, wire.KindStoragePut, &wire.StoragePutPayload{
		PluginID: "weather", Key: "units", Value: []byte("metric"),
	})
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if result := payload.(*wire.ResultPayload); !result.OK {
		t.Fatalf("put result = %+v", result)
	}

	reply = f.storageCall(t, wire.KindStorageGet, &wire.StorageGetPayload{
		PluginID: "weather", Key: "units",
	})
	if reply.Kind != wire.KindStorageValue {
		t.Fatalf("get reply kind = %s, want storage-value", reply.Kind)
	}
	payload, err = wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	value := payload.(*wire.StorageValuePayload)
	if !value.Found || string(value.Value) != "metric" {
		t.Errorf("get = %+v, want found metric", value)
	}

	reply = f.storageCall(t, wire.KindStorageDelete, &wire.StorageDeletePayload{
		PluginID: "weather", Key: "units",
	})
	payload, err = wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if result := payload.(*wire.ResultPayload); !result.OK {
		t.Fatalf("delete result = %+v", result)
	}

	reply = f.storageCall(t, wire.KindStorageGet, &wire.StorageGetPayload{
		PluginID: "weather", Key: "units",
	})
	payload, err = wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if value := payload.(*wire.StorageValuePayload); value.Found {
		t.Errorf("deleted key still found: %+v", value)
	}
}

func TestStorageDeniedWithoutGrant(t *testing.T) {
	f := newBrokerFixture(t)

	reply := f.storageCall(t, wire.KindStoragePut, &wire.StoragePutPayload{
		PluginID: "weather", Key: "units", Value: []byte("metric"),
	})
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	result := payload.(*wire.ResultPayload)
	if result.OK || result.Code != "permission-denied" {
		t.Errorf("result = %+v, want permission-denied", result)
	}
}

func TestStorageSpoofedIDRefused(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	if err := f.perms.Grant(ctx, "calendar", storage.Capability); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// The sandbox serves "weather" but addresses calendar's namespace.
	reply := f.storageCall(t, wire.KindStoragePut, &wire.StoragePutPayload{
		PluginID: "calendar", Key: "units", Value: []byte("metric"),
	})
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	result := payload.(*wire.ResultPayload)
	if result.OK || result.Code != "forbidden" {
		t.Errorf("result = %+v, want forbidden", result)
	}
}

func TestRateLimitRejectionAudited(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	record := &wire.SubmitLogPayload{PluginID: "weather", Level: "info", Message: "tick"}
	for i := 0; i < 2; i++ {
		if err := f.logs.Submit(ctx, "weather", record); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	// The burst is spent and the fake clock never refills; the next
	// submission is rejected and must land in the audit trail.
	err := f.logs.Submit(ctx, "weather", record)
	var limited *ratelimit.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Submit err = %v, want RateLimitedError", err)
	}

	entries, err := f.perms.AuditEntries(ctx, "weather", 20)
	if err != nil {
		t.Fatalf("AuditEntries: %v", err)
	}
	for _, entry := range entries {
		if entry.Outcome == "rate-limited" && entry.Capability == pluglog.MethodLog {
			return
		}
	}
	t.Errorf("no rate-limited audit entry in %+v", entries)
}

func (f *brokerFixture) parkedCount() int {
	f.broker.mu.Lock()
	defer f.broker.mu.Unlock()
	return len(f.broker.parked)
}

func TestParkedPushDroppedOnSandboxExit(t *testing.T) {
	f := newBrokerFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Park a push with no renderer attached.
	push := pushEnvelope(t, 1)
	go f.sandbox.Call(ctx, push)

	deadline := time.Now().Add(5 * time.Second)
	for f.parkedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("push never parked")
		}
		time.Sleep(time.Millisecond)
	}

	// The sandbox dies before any renderer shows up: its parked push
	// must not wait for the next attach.
	f.sandbox.Close()
	deadline = time.Now().Add(5 * time.Second)
	for f.parkedCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("parked push survived sandbox teardown")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRendererActionWithoutSandboxIsDropped(t *testing.T) {
	f := newBrokerFixture(t)
	ctx := context.Background()

	// The renderer handler resolves the target sandbox through the
	// plugin manager; before the manager is bound the message must be
	// dropped without panicking or blocking.
	action, err := wire.NewOneway(wire.KindUserAction, &wire.UserActionPayload{
		PluginID:          "weather",
		ScreenID:          "main",
		ActionType:        "click",
		TargetComponentID: "refresh",
	})
	if err != nil {
		t.Fatalf("NewOneway: %v", err)
	}
	f.broker.rendererHandler(ctx, nil, action)
}
