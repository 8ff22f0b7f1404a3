// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/warden-host/warden/uistate"
	"github.com/warden-host/warden/wire"
)

func init() {
	RegisterRuntime("warden.echo", func() Runtime { return &echoRuntime{} })
}

// echoRuntime is the built-in smoke-test plugin: it renders a single
// screen that mirrors back the last user action. It exercises the full
// sandbox surface — bind, UI push, action delivery, lifecycle, logging
// — without any external code.
type echoRuntime struct {
	host *Host

	mu      sync.Mutex
	actions int
}

func (e *echoRuntime) Bind(ctx context.Context, bind *wire.BindPluginPayload, host *Host) error {
	e.host = host
	host.Log(wire.LogInfo, "echo", "bound")
	return host.UI().Push(ctx, e.snapshot("waiting for input"))
}

func (e *echoRuntime) UserAction(ctx context.Context, action *wire.UserActionPayload) {
	e.mu.Lock()
	e.actions++
	count := e.actions
	e.mu.Unlock()

	e.host.Log(wire.LogInfo, "echo",
		fmt.Sprintf("action %s on %s", action.ActionType, action.TargetComponentID))
	status := fmt.Sprintf("%s on %s (action #%d)", action.ActionType, action.TargetComponentID, count)
	if err := e.host.UI().Push(ctx, e.snapshot(status)); err != nil {
		e.host.Log(wire.LogWarn, "echo", "push failed: "+err.Error())
	}
}

func (e *echoRuntime) Lifecycle(ctx context.Context, event *wire.SurfaceLifecyclePayload) {
	e.host.Log(wire.LogDebug, "echo", "surface "+event.Event)
}

func (e *echoRuntime) snapshot(status string) *uistate.Snapshot {
	return &uistate.Snapshot{
		ScreenID: "main",
		Title:    "Echo",
		Components: []uistate.Component{
			{ID: "status", Type: "text", Properties: map[string]any{"value": status}},
			{ID: "poke", Type: "button", Properties: map[string]any{"label": "Poke"}},
		},
	}
}
