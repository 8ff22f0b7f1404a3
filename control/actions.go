// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"

	"github.com/warden-host/warden/lib/codec"
	"github.com/warden-host/warden/permission"
	"github.com/warden-host/warden/pluglog"
	"github.com/warden-host/warden/plugin"
	"github.com/warden-host/warden/storage"
)

// Deps are the host subsystems the control actions drive.
type Deps struct {
	Plugins     *plugin.Manager
	Permissions *permission.Manager
	Logs        *pluglog.Ingestor
	Storage     *storage.Store
}

// PluginSummary is the list/status view of one plugin.
type PluginSummary struct {
	ID           string   `cbor:"id"`
	Name         string   `cbor:"name"`
	Version      string   `cbor:"version"`
	State        string   `cbor:"state"`
	Error        string   `cbor:"error,omitempty"`
	Capabilities []string `cbor:"capabilities,omitempty"`
	Digest       string   `cbor:"digest,omitempty"`
}

// GrantView is one (capability, status) pair.
type GrantView struct {
	Capability string `cbor:"capability"`
	Status     string `cbor:"status"`
}

// AuditView is one audit record.
type AuditView struct {
	Capability string `cbor:"capability"`
	Outcome    string `cbor:"outcome"`
	Timestamp  int64  `cbor:"timestamp"`
}

// LogView is one plugin log record.
type LogView struct {
	Level     string `cbor:"level"`
	Tag       string `cbor:"tag,omitempty"`
	Message   string `cbor:"message"`
	Exception string `cbor:"exception,omitempty"`
	Timestamp int64  `cbor:"timestamp"`
}

// UsageView reports a plugin's storage consumption.
type UsageView struct {
	UsedBytes  int64 `cbor:"used_bytes"`
	QuotaBytes int64 `cbor:"quota_bytes"`
}

type pluginRequest struct {
	PluginID string `cbor:"plugin_id"`
}

type unloadRequest struct {
	PluginID       string `cbor:"plugin_id"`
	DeleteArtifact bool   `cbor:"delete_artifact"`
	DeleteData     bool   `cbor:"delete_data"`
}

type registerRequest struct {
	ManifestPath string `cbor:"manifest_path"`
}

type capabilityRequest struct {
	PluginID   string `cbor:"plugin_id"`
	Capability string `cbor:"capability"`
}

type auditRequest struct {
	PluginID string `cbor:"plugin_id"`
	Limit    int    `cbor:"limit"`
}

type logsRequest struct {
	PluginID string `cbor:"plugin_id"`
	Level    string `cbor:"level,omitempty"`
	Limit    int    `cbor:"limit"`
}

// RegisterActions wires the full admin surface onto the server:
// plugin lifecycle, permission management, log inspection, and storage
// usage.
func RegisterActions(server *Server, deps Deps) {
	server.Handle("plugin.list", func(ctx context.Context, raw []byte) (any, error) {
		infos := deps.Plugins.List()
		summaries := make([]PluginSummary, 0, len(infos))
		for _, info := range infos {
			summaries = append(summaries, summarize(info))
		}
		return summaries, nil
	})

	server.Handle("plugin.status", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		info, ok := deps.Plugins.Get(request.PluginID)
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", request.PluginID)
		}
		return summarize(info), nil
	})

	server.Handle("plugin.discover", func(ctx context.Context, raw []byte) (any, error) {
		discovered, err := deps.Plugins.Discover(ctx)
		if err != nil {
			return nil, err
		}
		return discovered, nil
	})

	server.Handle("plugin.register", func(ctx context.Context, raw []byte) (any, error) {
		var request registerRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if request.ManifestPath == "" {
			return nil, fmt.Errorf("missing required field: manifest_path")
		}
		pluginID, err := deps.Plugins.Register(ctx, request.ManifestPath)
		if err != nil {
			return nil, err
		}
		return map[string]string{"plugin_id": pluginID}, nil
	})

	server.Handle("plugin.load", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Plugins.Load(ctx, request.PluginID)
	})

	server.Handle("plugin.enable", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Plugins.Enable(ctx, request.PluginID)
	})

	server.Handle("plugin.disable", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Plugins.Disable(ctx, request.PluginID)
	})

	server.Handle("plugin.reload", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Plugins.Reload(ctx, request.PluginID)
	})

	server.Handle("plugin.unload", func(ctx context.Context, raw []byte) (any, error) {
		var request unloadRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if request.PluginID == "" {
			return nil, fmt.Errorf("missing required field: plugin_id")
		}
		if err := deps.Plugins.Unload(ctx, request.PluginID, request.DeleteArtifact, request.DeleteData); err != nil {
			return nil, err
		}
		// Full uninstall also drops the plugin's stored values.
		if request.DeleteData && deps.Storage != nil {
			if err := deps.Storage.Purge(ctx, request.PluginID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	server.Handle("permission.grant", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeCapabilityRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Permissions.Grant(ctx, request.PluginID, request.Capability)
	})

	server.Handle("permission.deny", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeCapabilityRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Permissions.Deny(ctx, request.PluginID, request.Capability)
	})

	server.Handle("permission.revoke", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeCapabilityRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Permissions.Revoke(ctx, request.PluginID, request.Capability)
	})

	server.Handle("permission.rerequest", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodeCapabilityRequest(raw)
		if err != nil {
			return nil, err
		}
		return nil, deps.Permissions.Rerequest(ctx, request.PluginID, request.Capability)
	})

	server.Handle("permission.list", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		grants := deps.Permissions.Grants(request.PluginID)
		views := make([]GrantView, 0, len(grants))
		for capability, status := range grants {
			views = append(views, GrantView{Capability: capability, Status: status.String()})
		}
		return views, nil
	})

	server.Handle("permission.audit", func(ctx context.Context, raw []byte) (any, error) {
		var request auditRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if request.PluginID == "" {
			return nil, fmt.Errorf("missing required field: plugin_id")
		}
		entries, err := deps.Permissions.AuditEntries(ctx, request.PluginID, request.Limit)
		if err != nil {
			return nil, err
		}
		views := make([]AuditView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, AuditView{
				Capability: entry.Capability,
				Outcome:    entry.Outcome,
				Timestamp:  entry.Timestamp.Unix(),
			})
		}
		return views, nil
	})

	server.Handle("logs.tail", func(ctx context.Context, raw []byte) (any, error) {
		var request logsRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if request.PluginID == "" {
			return nil, fmt.Errorf("missing required field: plugin_id")
		}
		entries, err := deps.Logs.Entries(ctx, request.PluginID, request.Level, request.Limit)
		if err != nil {
			return nil, err
		}
		views := make([]LogView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, LogView{
				Level:     entry.Level,
				Tag:       entry.Tag,
				Message:   entry.Message,
				Exception: entry.Exception,
				Timestamp: entry.Timestamp.Unix(),
			})
		}
		return views, nil
	})

	server.Handle("storage.usage", func(ctx context.Context, raw []byte) (any, error) {
		request, err := decodePluginRequest(raw)
		if err != nil {
			return nil, err
		}
		used, limit, err := deps.Storage.Usage(ctx, request.PluginID)
		if err != nil {
			return nil, err
		}
		return UsageView{UsedBytes: used, QuotaBytes: limit}, nil
	})
}

func summarize(info plugin.Info) PluginSummary {
	summary := PluginSummary{
		ID:           info.Manifest.ID,
		Name:         info.Manifest.Name,
		Version:      info.Manifest.Version,
		State:        info.State.String(),
		Error:        info.Error,
		Capabilities: info.Manifest.Capabilities,
	}
	if !info.Digest.IsZero() {
		summary.Digest = info.Digest.String()
	}
	return summary
}

func decodePluginRequest(raw []byte) (pluginRequest, error) {
	var request pluginRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	if request.PluginID == "" {
		return request, fmt.Errorf("missing required field: plugin_id")
	}
	return request, nil
}

func decodeCapabilityRequest(raw []byte) (capabilityRequest, error) {
	var request capabilityRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	if request.PluginID == "" || request.Capability == "" {
		return request, fmt.Errorf("missing required fields: plugin_id, capability")
	}
	return request, nil
}
