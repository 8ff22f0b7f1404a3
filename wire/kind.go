// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Kind tags every envelope with one of the fixed set of message kinds
// the plugin protocol supports. The values are protocol constants —
// changing them breaks wire compatibility between host, sandbox, and
// renderer binaries of different versions.
//
// The set is deliberately closed: Warden is not a generic RPC bus.
// The receiving side validates payload shape against the kind before
// executing any side effect.
type Kind uint8

const (
	// Lifecycle and supervision (host ↔ sandbox).

	// KindHello is the first message on a sandbox connection, sent by
	// the sandbox process as its readiness signal. Expects KindHelloAck.
	KindHello Kind = 0x01

	// KindHelloAck is the host's reply completing the readiness
	// handshake.
	KindHelloAck Kind = 0x02

	// KindBindPlugin instructs the sandbox to instantiate a plugin
	// entry point. Expects KindResult.
	KindBindPlugin Kind = 0x03

	// KindShutdown requests a graceful stop. Oneway; the supervisor
	// escalates to SIGKILL if the process lingers.
	KindShutdown Kind = 0x04

	// KindPing is the supervisor's liveness probe. Expects KindPong.
	KindPing Kind = 0x05

	// KindPong answers a ping.
	KindPong Kind = 0x06

	// KindResult is the generic reply for requests without a
	// dedicated response kind.
	KindResult Kind = 0x07

	// UI state synchronization (sandbox ↔ renderer, relayed by host).

	// KindPushState carries a UI state patch (or full snapshot) from
	// the sandbox. Expects KindStateAck.
	KindPushState Kind = 0x10

	// KindStateAck acknowledges an applied (or rejected) push.
	KindStateAck Kind = 0x11

	// KindResyncRequest asks the sandbox for a full snapshot after a
	// version mismatch or renderer restart. Oneway.
	KindResyncRequest Kind = 0x12

	// KindUserAction carries a discrete user interaction from the
	// renderer to the plugin. Oneway.
	KindUserAction Kind = 0x13

	// KindSurfaceLifecycle notifies the sandbox of UI surface
	// visibility transitions (create/resume/pause/destroy). Oneway.
	KindSurfaceLifecycle Kind = 0x14

	// Capability brokering (sandbox → host).

	// KindPermissionQuery asks whether capabilities are granted.
	// Expects KindPermissionResult.
	KindPermissionQuery Kind = 0x20

	// KindPermissionResult answers a permission query.
	KindPermissionResult Kind = 0x21

	// Log ingestion (sandbox → host).

	// KindSubmitLog submits a plugin log record. Oneway; admission is
	// rate-limited per plugin and method on the host.
	KindSubmitLog Kind = 0x30

	// Plugin key-value storage (sandbox → host).

	// KindStorageGet reads one key from the plugin's store. Expects
	// KindStorageValue.
	KindStorageGet Kind = 0x40

	// KindStorageValue answers a storage get.
	KindStorageValue Kind = 0x41

	// KindStoragePut writes one value, replacing any previous one.
	// Expects KindResult.
	KindStoragePut Kind = 0x42

	// KindStorageDelete removes one key. Expects KindResult.
	KindStorageDelete Kind = 0x43
)

// String returns the protocol name of the kind.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello-ack"
	case KindBindPlugin:
		return "bind-plugin"
	case KindShutdown:
		return "shutdown"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindResult:
		return "result"
	case KindPushState:
		return "push-state"
	case KindStateAck:
		return "state-ack"
	case KindResyncRequest:
		return "resync-request"
	case KindUserAction:
		return "user-action"
	case KindSurfaceLifecycle:
		return "surface-lifecycle"
	case KindPermissionQuery:
		return "permission-query"
	case KindPermissionResult:
		return "permission-result"
	case KindSubmitLog:
		return "submit-log"
	case KindStorageGet:
		return "storage-get"
	case KindStorageValue:
		return "storage-value"
	case KindStoragePut:
		return "storage-put"
	case KindStorageDelete:
		return "storage-delete"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(k))
	}
}

// Valid reports whether k is a member of the fixed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindHello, KindHelloAck, KindBindPlugin, KindShutdown, KindPing,
		KindPong, KindResult, KindPushState, KindStateAck, KindResyncRequest,
		KindUserAction, KindSurfaceLifecycle, KindPermissionQuery,
		KindPermissionResult, KindSubmitLog, KindStorageGet,
		KindStorageValue, KindStoragePut, KindStorageDelete:
		return true
	}
	return false
}

// IsReply reports whether k is a response kind, routed to a pending
// request by correlation ID rather than dispatched to a handler.
func (k Kind) IsReply() bool {
	switch k {
	case KindHelloAck, KindPong, KindResult, KindStateAck, KindPermissionResult,
		KindStorageValue:
		return true
	}
	return false
}
