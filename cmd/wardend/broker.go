// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/warden-host/warden/permission"
	"github.com/warden-host/warden/pluglog"
	"github.com/warden-host/warden/plugin"
	"github.com/warden-host/warden/storage"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/wire"
)

// broker routes messages between sandboxes, the renderer, and the
// host's own services. It is the only component that sees both sides:
// sandbox peers are handed to it by the plugin manager's supervisor,
// the renderer peer by the render socket listener.
//
// Sandbox identity is positional: a handler built for plugin X serves
// exactly X's socket, so a payload claiming another plugin ID is a
// spoof attempt and is refused.
type broker struct {
	perms  *permission.Manager
	logs   *pluglog.Ingestor
	store  *storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	plugins  *plugin.Manager
	renderer *transport.Peer

	// parked holds at most one undeliverable UI push per screen. A
	// sandbox sends pushes synchronously, so a second push for the same
	// screen cannot arrive while one is parked.
	parked map[screenKey]parkedPush
}

type screenKey struct {
	pluginID string
	screenID string
}

// parkedPush is a PushState waiting for a renderer, with the sandbox
// peer and request envelope needed to deliver the eventual ack.
type parkedPush struct {
	sandbox *transport.Peer
	request *wire.Envelope
}

func newBroker(perms *permission.Manager, logs *pluglog.Ingestor, store *storage.Store, logger *slog.Logger) *broker {
	return &broker{
		perms:  perms,
		logs:   logs,
		store:  store,
		logger: logger,
		parked: make(map[screenKey]parkedPush),
	}
}

// bindPlugins hands the broker the plugin manager. Deferred because
// the manager itself is constructed with the broker's sandbox handler.
func (b *broker) bindPlugins(plugins *plugin.Manager) {
	b.mu.Lock()
	b.plugins = plugins
	b.mu.Unlock()
}

// sandboxHandler returns the inbound-message handler for one plugin's
// sandbox peer.
func (b *broker) sandboxHandler(pluginID string) transport.HandlerFunc {
	return func(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
		payload, err := wire.DecodePayload(envelope)
		if err != nil {
			b.logger.Warn("dropping malformed sandbox message",
				"plugin", pluginID, "kind", envelope.Kind, "error", err)
			return
		}

		switch p := payload.(type) {
		case *wire.PermissionQueryPayload:
			b.handlePermissionQuery(ctx, pluginID, peer, envelope, p)
		case *wire.SubmitLogPayload:
			b.handleSubmitLog(ctx, pluginID, p)
		case *wire.PushStatePayload:
			b.handlePushState(ctx, pluginID, peer, envelope, p)
		case *wire.StorageGetPayload:
			go b.handleStorageGet(ctx, pluginID, peer, envelope, p)
		case *wire.StoragePutPayload:
			go b.handleStoragePut(ctx, pluginID, peer, envelope, p)
		case *wire.StorageDeletePayload:
			go b.handleStorageDelete(ctx, pluginID, peer, envelope, p)
		default:
			b.logger.Warn("unexpected message from sandbox",
				"plugin", pluginID, "kind", envelope.Kind)
		}
	}
}

// handlePermissionQuery answers a capability query against live grant
// state. The query's plugin ID must match the socket the query arrived
// on; a mismatch reports every capability missing.
func (b *broker) handlePermissionQuery(ctx context.Context, pluginID string, peer *transport.Peer, envelope *wire.Envelope, query *wire.PermissionQueryPayload) {
	result := &wire.PermissionResultPayload{}
	if query.PluginID != pluginID {
		b.logger.Warn("permission query with spoofed plugin id",
			"plugin", pluginID, "claimed", query.PluginID)
		result.Missing = query.Capabilities
	} else {
		for _, capability := range query.Capabilities {
			if b.perms.Check(ctx, pluginID, capability) {
				result.Granted = append(result.Granted, capability)
			} else {
				result.Missing = append(result.Missing, capability)
			}
		}
	}

	reply, err := wire.NewReply(envelope, wire.KindPermissionResult, result)
	if err != nil {
		b.logger.Error("encoding permission result", "plugin", pluginID, "error", err)
		return
	}
	if err := peer.Reply(reply); err != nil {
		b.logger.Warn("sending permission result", "plugin", pluginID, "error", err)
	}
}

// handleSubmitLog forwards a log record to the ingestor, which applies
// the per-plugin admission policy. Rejections are expected under
// flood; they are counted by the ingestor and only traced here.
func (b *broker) handleSubmitLog(ctx context.Context, pluginID string, record *wire.SubmitLogPayload) {
	if err := b.logs.Submit(ctx, pluginID, record); err != nil {
		b.logger.Debug("log record not admitted", "plugin", pluginID, "error", err)
	}
}

// handleStorageGet reads one key from the plugin's store. Storage
// handlers run off the read loop: they do database work and must not
// stall the sandbox's other traffic. The store is addressed with the
// socket-authenticated plugin ID; the payload's claim only has to
// match it.
func (b *broker) handleStorageGet(ctx context.Context, pluginID string, peer *transport.Peer, envelope *wire.Envelope, get *wire.StorageGetPayload) {
	if get.PluginID != pluginID {
		b.logger.Warn("storage get with spoofed plugin id",
			"plugin", pluginID, "claimed", get.PluginID)
		b.replyResult(pluginID, peer, envelope, &wire.ResultPayload{
			OK: false, Error: "plugin id mismatch", Code: "forbidden",
		})
		return
	}

	value, err := b.store.Get(ctx, pluginID, get.Key)
	switch {
	case err == nil:
		reply, encErr := wire.NewReply(envelope, wire.KindStorageValue, &wire.StorageValuePayload{
			Key: get.Key, Value: value, Found: true,
		})
		if encErr != nil {
			b.logger.Error("encoding storage value", "plugin", pluginID, "error", encErr)
			return
		}
		if err := peer.Reply(reply); err != nil {
			b.logger.Warn("sending storage value", "plugin", pluginID, "error", err)
		}
	case errors.Is(err, storage.ErrNotFound):
		reply, encErr := wire.NewReply(envelope, wire.KindStorageValue, &wire.StorageValuePayload{
			Key: get.Key, Found: false,
		})
		if encErr != nil {
			b.logger.Error("encoding storage value", "plugin", pluginID, "error", encErr)
			return
		}
		if err := peer.Reply(reply); err != nil {
			b.logger.Warn("sending storage value", "plugin", pluginID, "error", err)
		}
	default:
		b.replyResult(pluginID, peer, envelope, storageResult(err))
	}
}

// handleStoragePut writes one value to the plugin's store.
func (b *broker) handleStoragePut(ctx context.Context, pluginID string, peer *transport.Peer, envelope *wire.Envelope, put *wire.StoragePutPayload) {
	if put.PluginID != pluginID {
		b.logger.Warn("storage put with spoofed plugin id",
			"plugin", pluginID, "claimed", put.PluginID)
		b.replyResult(pluginID, peer, envelope, &wire.ResultPayload{
			OK: false, Error: "plugin id mismatch", Code: "forbidden",
		})
		return
	}
	b.replyResult(pluginID, peer, envelope, storageResult(b.store.Put(ctx, pluginID, put.Key, put.Value)))
}

// handleStorageDelete removes one key from the plugin's store.
func (b *broker) handleStorageDelete(ctx context.Context, pluginID string, peer *transport.Peer, envelope *wire.Envelope, del *wire.StorageDeletePayload) {
	if del.PluginID != pluginID {
		b.logger.Warn("storage delete with spoofed plugin id",
			"plugin", pluginID, "claimed", del.PluginID)
		b.replyResult(pluginID, peer, envelope, &wire.ResultPayload{
			OK: false, Error: "plugin id mismatch", Code: "forbidden",
		})
		return
	}
	b.replyResult(pluginID, peer, envelope, storageResult(b.store.Delete(ctx, pluginID, del.Key)))
}

func (b *broker) replyResult(pluginID string, peer *transport.Peer, envelope *wire.Envelope, result *wire.ResultPayload) {
	reply, err := wire.NewReply(envelope, wire.KindResult, result)
	if err != nil {
		b.logger.Error("encoding storage result", "plugin", pluginID, "error", err)
		return
	}
	if err := peer.Reply(reply); err != nil {
		b.logger.Warn("sending storage result", "plugin", pluginID, "error", err)
	}
}

// storageResult maps a store error onto the result taxonomy.
func storageResult(err error) *wire.ResultPayload {
	if err == nil {
		return &wire.ResultPayload{OK: true}
	}
	result := &wire.ResultPayload{OK: false, Error: err.Error(), Code: "storage-error"}
	var denied *permission.PermissionDeniedError
	var quota *storage.QuotaExceededError
	switch {
	case errors.As(err, &denied):
		result.Code = "permission-denied"
	case errors.As(err, &quota):
		result.Code = "quota-exceeded"
	case errors.Is(err, storage.ErrNotFound):
		result.Code = "not-found"
	}
	return result
}

// handlePushState relays a UI push to the renderer and the renderer's
// ack back to the sandbox. With no renderer connected the push is
// parked; the sandbox's send loop blocks on the ack, so backpressure
// reaches the plugin instead of filling a queue.
func (b *broker) handlePushState(ctx context.Context, pluginID string, peer *transport.Peer, envelope *wire.Envelope, push *wire.PushStatePayload) {
	if push.PluginID != pluginID {
		b.logger.Warn("push-state with spoofed plugin id",
			"plugin", pluginID, "claimed", push.PluginID)
		return
	}

	key := screenKey{pluginID: pluginID, screenID: push.ScreenID}

	b.mu.Lock()
	renderer := b.renderer
	b.mu.Unlock()
	if renderer == nil {
		b.park(key, peer, envelope)
		b.logger.Debug("parked push, no renderer", "plugin", pluginID, "screen", push.ScreenID)
		return
	}

	// Relaying blocks on the renderer; it must not stall the sandbox
	// read loop.
	go b.relayPush(ctx, key, renderer, peer, envelope)
}

// relayPush performs one sandbox→renderer→sandbox round trip. A
// renderer failure mid-flight re-parks the push for the next renderer.
func (b *broker) relayPush(ctx context.Context, key screenKey, renderer *transport.Peer, sandbox *transport.Peer, request *wire.Envelope) {
	forward := &wire.Envelope{
		Kind:        request.Kind,
		Correlation: uuid.New(),
		Compression: request.Compression,
		Payload:     request.Payload,
	}
	ack, err := renderer.Call(ctx, forward)
	if err != nil {
		b.logger.Warn("renderer unavailable, parking push",
			"plugin", key.pluginID, "screen", key.screenID, "error", err)
		b.park(key, sandbox, request)
		return
	}

	reply := &wire.Envelope{
		Kind:        ack.Kind,
		Correlation: request.Correlation,
		Compression: ack.Compression,
		Payload:     ack.Payload,
	}
	if err := sandbox.Reply(reply); err != nil {
		b.logger.Warn("forwarding state ack to sandbox",
			"plugin", key.pluginID, "error", err)
	}
}

// park holds a push for the next renderer. The entry dies with its
// sandbox: a torn-down plugin must not leave a dead peer and stale
// envelope waiting to fail on the next renderer attach.
func (b *broker) park(key screenKey, sandbox *transport.Peer, request *wire.Envelope) {
	b.mu.Lock()
	b.parked[key] = parkedPush{sandbox: sandbox, request: request}
	b.mu.Unlock()

	go func() {
		<-sandbox.Done()
		b.mu.Lock()
		if entry, ok := b.parked[key]; ok && entry.sandbox == sandbox {
			delete(b.parked, key)
		}
		b.mu.Unlock()
	}()
}

// rendererHandler handles inbound traffic from the renderer: oneway
// user actions, surface lifecycle events, and resync requests, all
// addressed to a plugin by payload.
func (b *broker) rendererHandler(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
	payload, err := wire.DecodePayload(envelope)
	if err != nil {
		b.logger.Warn("dropping malformed renderer message",
			"kind", envelope.Kind, "error", err)
		return
	}

	var pluginID string
	switch p := payload.(type) {
	case *wire.UserActionPayload:
		pluginID = p.PluginID
	case *wire.SurfaceLifecyclePayload:
		pluginID = p.PluginID
	case *wire.ResyncRequestPayload:
		pluginID = p.PluginID
	default:
		b.logger.Warn("unexpected message from renderer", "kind", envelope.Kind)
		return
	}

	b.mu.Lock()
	plugins := b.plugins
	b.mu.Unlock()
	if plugins == nil {
		return
	}
	handle, ok := plugins.Handle(pluginID)
	if !ok {
		b.logger.Debug("renderer message for plugin without sandbox",
			"plugin", pluginID, "kind", envelope.Kind)
		return
	}
	if err := handle.Peer().Send(envelope); err != nil {
		b.logger.Warn("forwarding renderer message to sandbox",
			"plugin", pluginID, "kind", envelope.Kind, "error", err)
	}
}

// attachRenderer installs a newly connected renderer, replacing (and
// closing) any previous one, then delivers every parked push.
func (b *broker) attachRenderer(ctx context.Context, peer *transport.Peer) {
	b.mu.Lock()
	previous := b.renderer
	b.renderer = peer
	pending := b.parked
	b.parked = make(map[screenKey]parkedPush)
	b.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	b.logger.Info("renderer connected", "parked_pushes", len(pending))

	for key, parked := range pending {
		go b.relayPush(ctx, key, peer, parked.sandbox, parked.request)
	}

	// Drop the peer reference when the renderer goes away so new
	// pushes park instead of failing.
	go func() {
		<-peer.Done()
		b.mu.Lock()
		if b.renderer == peer {
			b.renderer = nil
		}
		b.mu.Unlock()
		b.logger.Info("renderer disconnected")
	}()
}

// serveRenderer accepts renderer connections until ctx ends. The
// render socket admits one renderer; a newer connection wins.
func (b *broker) serveRenderer(ctx context.Context, listener *transport.Listener) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("render socket accept", "error", err)
			return
		}
		peer := transport.NewPeer(ctx, conn, b.rendererHandler, b.logger.With("role", "renderer"))
		b.attachRenderer(ctx, peer)
	}
}
