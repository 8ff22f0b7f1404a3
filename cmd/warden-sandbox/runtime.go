// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/uibridge"
	"github.com/warden-host/warden/wire"
)

// Runtime is a plugin implementation hosted by this sandbox. Runtimes
// are compiled in and selected by the manifest's entry point, the way
// database/sql selects drivers by name.
type Runtime interface {
	// Bind instantiates the plugin. The Host stays valid until the
	// sandbox exits.
	Bind(ctx context.Context, bind *wire.BindPluginPayload, host *Host) error

	// UserAction delivers one user interaction. Runs off the transport
	// read loop; the runtime may use the Host freely.
	UserAction(ctx context.Context, action *wire.UserActionPayload)

	// Lifecycle delivers a surface visibility transition.
	Lifecycle(ctx context.Context, event *wire.SurfaceLifecyclePayload)
}

var (
	runtimesMu sync.Mutex
	runtimes   = make(map[string]func() Runtime)
)

// RegisterRuntime makes a runtime available under an entry point name.
// Duplicate registration panics, matching driver-registry convention.
func RegisterRuntime(entryPoint string, factory func() Runtime) {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	if _, exists := runtimes[entryPoint]; exists {
		panic(fmt.Sprintf("runtime %q registered twice", entryPoint))
	}
	runtimes[entryPoint] = factory
}

// lookupRuntime resolves an entry point to a fresh runtime instance.
func lookupRuntime(entryPoint string) (Runtime, error) {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	factory, ok := runtimes[entryPoint]
	if !ok {
		var known []string
		for name := range runtimes {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown entry point %q (available: %v)", entryPoint, known)
	}
	return factory(), nil
}

// Host is the sandbox-side API a runtime uses to reach the outside
// world. Every method goes through the host process; a runtime has no
// other I/O.
type Host struct {
	pluginID string
	peer     *transport.Peer
	ui       *uibridge.Pusher
	logger   *slog.Logger
}

// UI returns the state pusher for this plugin's screens.
func (h *Host) UI() *uibridge.Pusher { return h.ui }

// Log submits a log record to the host. Delivery is best-effort and
// rate-limited host-side; a dropped record never fails the runtime.
func (h *Host) Log(level, tag, message string) {
	h.submitLog(&wire.SubmitLogPayload{
		PluginID: h.pluginID,
		Level:    level,
		Tag:      tag,
		Message:  message,
	})
}

// LogException submits an error record with an exception rendering.
// Exceptions are admitted under a stricter host-side policy.
func (h *Host) LogException(tag, message, exception string) {
	h.submitLog(&wire.SubmitLogPayload{
		PluginID:  h.pluginID,
		Level:     wire.LogError,
		Tag:       tag,
		Message:   message,
		Exception: exception,
	})
}

func (h *Host) submitLog(record *wire.SubmitLogPayload) {
	envelope, err := wire.NewOneway(wire.KindSubmitLog, record)
	if err != nil {
		h.logger.Error("encoding log record", "error", err)
		return
	}
	if err := h.peer.Send(envelope); err != nil {
		h.logger.Debug("log record not sent", "error", err)
	}
}

// StorageGet reads one key from the plugin's persistent store. The
// second return reports whether the key exists. Requires the storage
// grant.
func (h *Host) StorageGet(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := h.storageCall(ctx, wire.KindStorageGet, &wire.StorageGetPayload{
		PluginID: h.pluginID,
		Key:      key,
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage get %s: %w", key, err)
	}
	value, ok := reply.(*wire.StorageValuePayload)
	if !ok {
		return nil, false, fmt.Errorf("storage get %s: %s", key, resultError(reply))
	}
	return value.Value, value.Found, nil
}

// StoragePut writes one value to the plugin's persistent store,
// replacing any previous one. Requires the storage grant; the host
// enforces the plugin's quota.
func (h *Host) StoragePut(ctx context.Context, key string, value []byte) error {
	reply, err := h.storageCall(ctx, wire.KindStoragePut, &wire.StoragePutPayload{
		PluginID: h.pluginID,
		Key:      key,
		Value:    value,
	})
	if err != nil {
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	if result, ok := reply.(*wire.ResultPayload); !ok || !result.OK {
		return fmt.Errorf("storage put %s: %s", key, resultError(reply))
	}
	return nil
}

// StorageDelete removes one key. Deleting an absent key is an error.
func (h *Host) StorageDelete(ctx context.Context, key string) error {
	reply, err := h.storageCall(ctx, wire.KindStorageDelete, &wire.StorageDeletePayload{
		PluginID: h.pluginID,
		Key:      key,
	})
	if err != nil {
		return fmt.Errorf("storage delete %s: %w", key, err)
	}
	if result, ok := reply.(*wire.ResultPayload); !ok || !result.OK {
		return fmt.Errorf("storage delete %s: %s", key, resultError(reply))
	}
	return nil
}

func (h *Host) storageCall(ctx context.Context, kind wire.Kind, payload any) (any, error) {
	request, err := wire.NewRequest(kind, payload)
	if err != nil {
		return nil, err
	}
	reply, err := h.peer.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	return wire.DecodePayload(reply)
}

// resultError renders a host reply as an error message.
func resultError(reply any) string {
	result, ok := reply.(*wire.ResultPayload)
	if !ok {
		return fmt.Sprintf("unexpected reply %T", reply)
	}
	if result.Code != "" {
		return fmt.Sprintf("%s (%s)", result.Error, result.Code)
	}
	return result.Error
}

// CheckPermissions asks the host which of the capabilities are
// currently granted. Results are never cached: grants can be revoked
// between any two calls.
func (h *Host) CheckPermissions(ctx context.Context, capabilities ...string) (granted, missing []string, err error) {
	request, err := wire.NewRequest(wire.KindPermissionQuery, &wire.PermissionQueryPayload{
		PluginID:     h.pluginID,
		Capabilities: capabilities,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding permission query: %w", err)
	}
	reply, err := h.peer.Call(ctx, request)
	if err != nil {
		return nil, nil, fmt.Errorf("permission query: %w", err)
	}
	payload, err := wire.DecodePayload(reply)
	if err != nil {
		return nil, nil, fmt.Errorf("permission result: %w", err)
	}
	result, ok := payload.(*wire.PermissionResultPayload)
	if !ok {
		return nil, nil, fmt.Errorf("permission query answered with %s", reply.Kind)
	}
	return result.Granted, result.Missing, nil
}
