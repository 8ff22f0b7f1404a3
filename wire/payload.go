// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/warden-host/warden/lib/codec"
)

// payloadValidator is implemented by every payload type. Validate
// checks required fields and value ranges so that a handler never
// executes on a structurally valid but semantically broken message.
type payloadValidator interface {
	Validate() error
}

// HelloPayload is the sandbox's readiness announcement, the first
// message on a new sandbox connection.
type HelloPayload struct {
	// ProtocolVersion is the envelope version the sandbox speaks.
	ProtocolVersion int `cbor:"protocol_version"`

	// PluginID is the plugin slot this sandbox was spawned for.
	PluginID string `cbor:"plugin_id"`

	// PID is the sandbox's own process ID, for supervisor logs.
	PID int `cbor:"pid"`
}

func (p *HelloPayload) Validate() error {
	if p.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("hello: protocol version %d, host speaks %d", p.ProtocolVersion, ProtocolVersion)
	}
	if p.PluginID == "" {
		return fmt.Errorf("hello: plugin_id is required")
	}
	return nil
}

// HelloAckPayload completes the readiness handshake.
type HelloAckPayload struct {
	// HostVersion is informational, for sandbox-side logs.
	HostVersion string `cbor:"host_version,omitempty"`
}

func (p *HelloAckPayload) Validate() error { return nil }

// BindPluginPayload instructs the sandbox to instantiate a plugin
// entry point.
type BindPluginPayload struct {
	PluginID string `cbor:"plugin_id"`

	// EntryPoint is the manifest-declared entry point identifier.
	EntryPoint string `cbor:"entry_point"`

	// ArtifactPath is the installed package path, bind-visible inside
	// the sandbox.
	ArtifactPath string `cbor:"artifact_path,omitempty"`

	// Granted is the capability set held at bind time, so the sandbox
	// can fail fast on obviously unauthorized work without a round
	// trip. The host re-checks every access regardless.
	Granted []string `cbor:"granted,omitempty"`
}

func (p *BindPluginPayload) Validate() error {
	if p.PluginID == "" {
		return fmt.Errorf("bind-plugin: plugin_id is required")
	}
	if p.EntryPoint == "" {
		return fmt.Errorf("bind-plugin: entry_point is required")
	}
	return nil
}

// ShutdownPayload requests a graceful stop.
type ShutdownPayload struct {
	Reason string `cbor:"reason,omitempty"`
}

func (p *ShutdownPayload) Validate() error { return nil }

// PingPayload is the liveness probe. Seq increments per probe so a
// stale pong cannot satisfy a newer ping.
type PingPayload struct {
	Seq uint64 `cbor:"seq"`
}

func (p *PingPayload) Validate() error { return nil }

// PongPayload answers a ping, echoing its sequence number.
type PongPayload struct {
	Seq uint64 `cbor:"seq"`
}

func (p *PongPayload) Validate() error { return nil }

// ResultPayload is the generic reply: ok or an error with a taxonomy
// code the caller can act on.
type ResultPayload struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// Code is a stable error taxonomy identifier (e.g.
	// "permission-denied", "rate-limited") so callers switch on it
	// instead of parsing the message.
	Code string `cbor:"code,omitempty"`

	// Data carries call-specific result fields, decoded by the caller
	// that knows the request kind.
	Data codec.RawMessage `cbor:"data,omitempty"`
}

func (p *ResultPayload) Validate() error {
	if !p.OK && p.Error == "" {
		return fmt.Errorf("result: failure without an error message")
	}
	return nil
}

// PushStatePayload carries one UI state update for a (plugin, screen)
// pair. Either Patch or Snapshot is set, never both: a patch when the
// sandbox knows the renderer's acked base version, a full snapshot for
// initial display and resync.
type PushStatePayload struct {
	PluginID string `cbor:"plugin_id"`
	ScreenID string `cbor:"screen_id"`

	// Version is the state version this push brings the renderer to.
	// Monotonically increasing per (plugin, screen).
	Version uint64 `cbor:"version"`

	// BaseVersion is the version a patch was diffed from. Zero (with
	// Snapshot set) means full replacement.
	BaseVersion uint64 `cbor:"base_version,omitempty"`

	// Patch is the CBOR-encoded uistate.Patch.
	Patch codec.RawMessage `cbor:"patch,omitempty"`

	// Snapshot is the CBOR-encoded full uistate.Snapshot.
	Snapshot codec.RawMessage `cbor:"snapshot,omitempty"`
}

func (p *PushStatePayload) Validate() error {
	if p.PluginID == "" || p.ScreenID == "" {
		return fmt.Errorf("push-state: plugin_id and screen_id are required")
	}
	if p.Version == 0 {
		return fmt.Errorf("push-state: version must be positive")
	}
	hasPatch := len(p.Patch) > 0
	hasSnapshot := len(p.Snapshot) > 0
	if hasPatch == hasSnapshot {
		return fmt.Errorf("push-state: exactly one of patch or snapshot must be set")
	}
	if hasPatch && p.BaseVersion == 0 {
		return fmt.Errorf("push-state: patch requires a base_version")
	}
	return nil
}

// StateAckPayload acknowledges a push. Applied=false tells the sandbox
// its patch was rejected (version mismatch) and a resync follows.
type StateAckPayload struct {
	PluginID string `cbor:"plugin_id"`
	ScreenID string `cbor:"screen_id"`
	Version  uint64 `cbor:"version"`
	Applied  bool   `cbor:"applied"`
}

func (p *StateAckPayload) Validate() error {
	if p.PluginID == "" || p.ScreenID == "" {
		return fmt.Errorf("state-ack: plugin_id and screen_id are required")
	}
	return nil
}

// ResyncRequestPayload asks the sandbox for a full snapshot.
type ResyncRequestPayload struct {
	PluginID string `cbor:"plugin_id"`
	ScreenID string `cbor:"screen_id"`

	// HaveVersion is the renderer's last applied version, zero after
	// a renderer restart.
	HaveVersion uint64 `cbor:"have_version,omitempty"`
}

func (p *ResyncRequestPayload) Validate() error {
	if p.PluginID == "" || p.ScreenID == "" {
		return fmt.Errorf("resync-request: plugin_id and screen_id are required")
	}
	return nil
}

// UserActionPayload is a discrete user interaction translated by the
// renderer.
type UserActionPayload struct {
	PluginID string `cbor:"plugin_id"`
	ScreenID string `cbor:"screen_id"`

	// ActionType names the interaction (e.g. "click", "input",
	// "submit").
	ActionType string `cbor:"action_type"`

	// TargetComponentID is the UI component the action landed on.
	TargetComponentID string `cbor:"target_component_id"`

	// Data carries action-specific values (input text, selection).
	Data map[string]any `cbor:"data,omitempty"`
}

func (p *UserActionPayload) Validate() error {
	if p.PluginID == "" || p.ScreenID == "" {
		return fmt.Errorf("user-action: plugin_id and screen_id are required")
	}
	if p.ActionType == "" {
		return fmt.Errorf("user-action: action_type is required")
	}
	return nil
}

// Surface lifecycle events, mirroring the renderer's visibility
// transitions so the sandbox can suspend background work.
const (
	SurfaceCreated   = "created"
	SurfaceResumed   = "resumed"
	SurfacePaused    = "paused"
	SurfaceDestroyed = "destroyed"
)

// SurfaceLifecyclePayload notifies the sandbox of a surface
// transition.
type SurfaceLifecyclePayload struct {
	PluginID string `cbor:"plugin_id"`
	ScreenID string `cbor:"screen_id"`
	Event    string `cbor:"event"`
}

func (p *SurfaceLifecyclePayload) Validate() error {
	if p.PluginID == "" || p.ScreenID == "" {
		return fmt.Errorf("surface-lifecycle: plugin_id and screen_id are required")
	}
	switch p.Event {
	case SurfaceCreated, SurfaceResumed, SurfacePaused, SurfaceDestroyed:
		return nil
	}
	return fmt.Errorf("surface-lifecycle: unknown event %q", p.Event)
}

// PermissionQueryPayload asks the host whether capabilities are
// currently granted. The sandbox must query on every access; results
// are never cached.
type PermissionQueryPayload struct {
	PluginID     string   `cbor:"plugin_id"`
	Capabilities []string `cbor:"capabilities"`
}

func (p *PermissionQueryPayload) Validate() error {
	if p.PluginID == "" {
		return fmt.Errorf("permission-query: plugin_id is required")
	}
	if len(p.Capabilities) == 0 {
		return fmt.Errorf("permission-query: at least one capability is required")
	}
	return nil
}

// PermissionResultPayload answers a query with the granted and
// missing subsets.
type PermissionResultPayload struct {
	Granted []string `cbor:"granted,omitempty"`
	Missing []string `cbor:"missing,omitempty"`
}

func (p *PermissionResultPayload) Validate() error { return nil }

// Log levels accepted by SubmitLog.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// SubmitLogPayload is a plugin log record. Records with an Exception
// are admitted under the more restrictive rate policy.
type SubmitLogPayload struct {
	PluginID string `cbor:"plugin_id"`
	Level    string `cbor:"level"`
	Tag      string `cbor:"tag,omitempty"`
	Message  string `cbor:"message"`

	// Exception is an optional stack trace or exception rendering.
	Exception string `cbor:"exception,omitempty"`
}

func (p *SubmitLogPayload) Validate() error {
	if p.PluginID == "" {
		return fmt.Errorf("submit-log: plugin_id is required")
	}
	switch p.Level {
	case LogDebug, LogInfo, LogWarn, LogError:
	default:
		return fmt.Errorf("submit-log: unknown level %q", p.Level)
	}
	if p.Message == "" {
		return fmt.Errorf("submit-log: message is required")
	}
	return nil
}

// StorageGetPayload reads one key from the plugin's key-value store.
// The host answers with the value for (authenticated plugin, key);
// the payload's plugin ID must match the socket it arrives on.
type StorageGetPayload struct {
	PluginID string `cbor:"plugin_id"`
	Key      string `cbor:"key"`
}

func (p *StorageGetPayload) Validate() error {
	return validateStorageKey("storage-get", p.PluginID, p.Key)
}

// StorageValuePayload answers a get. Found is false for an absent key;
// Value is the plaintext (the wire link is host-local, encryption at
// rest happens host-side).
type StorageValuePayload struct {
	Key   string `cbor:"key"`
	Value []byte `cbor:"value,omitempty"`
	Found bool   `cbor:"found"`
}

func (p *StorageValuePayload) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("storage-value: key is required")
	}
	return nil
}

// StoragePutPayload writes one value, replacing any previous one.
type StoragePutPayload struct {
	PluginID string `cbor:"plugin_id"`
	Key      string `cbor:"key"`
	Value    []byte `cbor:"value"`
}

func (p *StoragePutPayload) Validate() error {
	return validateStorageKey("storage-put", p.PluginID, p.Key)
}

// StorageDeletePayload removes one key.
type StorageDeletePayload struct {
	PluginID string `cbor:"plugin_id"`
	Key      string `cbor:"key"`
}

func (p *StorageDeletePayload) Validate() error {
	return validateStorageKey("storage-delete", p.PluginID, p.Key)
}

func validateStorageKey(kind, pluginID, key string) error {
	if pluginID == "" {
		return fmt.Errorf("%s: plugin_id is required", kind)
	}
	if key == "" {
		return fmt.Errorf("%s: key is required", kind)
	}
	return nil
}

// DecodePayload decodes and validates an envelope's payload into its
// kind's typed struct. Any failure — unknown kind, CBOR decode error,
// or validation error — wraps ErrMalformedMessage, so a handler can
// trust the shape of whatever it receives.
func DecodePayload(envelope *Envelope) (any, error) {
	var payload payloadValidator
	switch envelope.Kind {
	case KindHello:
		payload = &HelloPayload{}
	case KindHelloAck:
		payload = &HelloAckPayload{}
	case KindBindPlugin:
		payload = &BindPluginPayload{}
	case KindShutdown:
		payload = &ShutdownPayload{}
	case KindPing:
		payload = &PingPayload{}
	case KindPong:
		payload = &PongPayload{}
	case KindResult:
		payload = &ResultPayload{}
	case KindPushState:
		payload = &PushStatePayload{}
	case KindStateAck:
		payload = &StateAckPayload{}
	case KindResyncRequest:
		payload = &ResyncRequestPayload{}
	case KindUserAction:
		payload = &UserActionPayload{}
	case KindSurfaceLifecycle:
		payload = &SurfaceLifecyclePayload{}
	case KindPermissionQuery:
		payload = &PermissionQueryPayload{}
	case KindPermissionResult:
		payload = &PermissionResultPayload{}
	case KindSubmitLog:
		payload = &SubmitLogPayload{}
	case KindStorageGet:
		payload = &StorageGetPayload{}
	case KindStorageValue:
		payload = &StorageValuePayload{}
	case KindStoragePut:
		payload = &StoragePutPayload{}
	case KindStorageDelete:
		payload = &StorageDeletePayload{}
	default:
		return nil, fmt.Errorf("%w: unknown message kind 0x%02x", ErrMalformedMessage, uint8(envelope.Kind))
	}

	if err := codec.Unmarshal(envelope.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", ErrMalformedMessage, envelope.Kind, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return payload, nil
}
