// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/lib/testutil"
	"github.com/warden-host/warden/permission"
	"github.com/warden-host/warden/sandbox"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/wire"
)

// fakePerms is a PermissionGate with a settable grant table.
type fakePerms struct {
	mu      sync.Mutex
	granted map[string]map[string]bool
	revoked []string
}

func newFakePerms() *fakePerms {
	return &fakePerms{granted: make(map[string]map[string]bool)}
}

func (f *fakePerms) grant(pluginID string, capabilities ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.granted[pluginID] == nil {
		f.granted[pluginID] = make(map[string]bool)
	}
	for _, capability := range capabilities {
		f.granted[pluginID][capability] = true
	}
}

func (f *fakePerms) Require(ctx context.Context, pluginID string, capabilities ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []string
	for _, capability := range capabilities {
		if !f.granted[pluginID][capability] {
			missing = append(missing, capability)
		}
	}
	if len(missing) > 0 {
		return &permission.PermissionDeniedError{PluginID: pluginID, Missing: missing}
	}
	return nil
}

func (f *fakePerms) RevokeAll(ctx context.Context, pluginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, pluginID)
	delete(f.granted, pluginID)
	return nil
}

// fakeChild is an in-process sandbox child: it completes the Hello
// handshake and accepts binds. One instance per spawn.
type fakeChild struct {
	killed chan struct{}
	once   sync.Once
}

func (f *fakeChild) PID() int { return 4242 }

func (f *fakeChild) Wait() error {
	<-f.killed
	return nil
}

func (f *fakeChild) Kill() error {
	f.exit()
	return nil
}

func (f *fakeChild) exit() {
	f.once.Do(func() { close(f.killed) })
}

// childFactory produces one fakeChild per spawn and remembers the
// latest, so tests can crash the running sandbox.
type childFactory struct {
	mu   sync.Mutex
	last *fakeChild
}

func (cf *childFactory) latest() *fakeChild {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.last
}

func (cf *childFactory) start(ctx context.Context, pluginID, socketPath string) (sandbox.Process, error) {
	child := &fakeChild{killed: make(chan struct{})}
	cf.mu.Lock()
	cf.last = child
	cf.mu.Unlock()

	conn, err := transport.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	peer := transport.NewPeer(ctx, conn, func(ctx context.Context, peer *transport.Peer, envelope *wire.Envelope) {
		switch envelope.Kind {
		case wire.KindPing:
			payload, _ := wire.DecodePayload(envelope)
			reply, _ := wire.NewReply(envelope, wire.KindPong, &wire.PongPayload{Seq: payload.(*wire.PingPayload).Seq})
			peer.Reply(reply)
		case wire.KindBindPlugin:
			reply, _ := wire.NewReply(envelope, wire.KindResult, &wire.ResultPayload{OK: true})
			peer.Reply(reply)
		case wire.KindShutdown:
			child.exit()
		}
	}, nil)

	go func() {
		<-child.killed
		peer.Close()
	}()
	go func() {
		hello, _ := wire.NewRequest(wire.KindHello, &wire.HelloPayload{
			ProtocolVersion: wire.ProtocolVersion, PluginID: pluginID, PID: 4242,
		})
		peer.Call(ctx, hello)
	}()
	return child, nil
}

type fixture struct {
	manager  *Manager
	perms    *fakePerms
	children *childFactory
	dirs     struct{ plugins, data, db string }
}

// writePlugin creates <pluginDir>/<id>/manifest.yaml plus an artifact
// file, returning the manifest path.
func writePlugin(t *testing.T, pluginDir string, manifestYAML, id string) string {
	t.Helper()
	dir := filepath.Join(pluginDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.plug"), []byte("artifact bytes for "+id), 0o644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	manifestPath := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return manifestPath
}

const weatherManifest = `
id: weather
name: Weather
version: 1.2.0
entry_point: com.example.weather.Main
artifact: bundle.plug
capabilities: [network, storage]
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{perms: newFakePerms(), children: &childFactory{}}
	fx.dirs.plugins = t.TempDir()
	fx.dirs.data = t.TempDir()
	fx.dirs.db = filepath.Join(t.TempDir(), "plugins.db")

	manager, err := Open(Config{
		DatabasePath: fx.dirs.db,
		PluginDir:    fx.dirs.plugins,
		DataDir:      fx.dirs.data,
		Permissions:  fx.perms,
		Sandbox: sandbox.Config{
			SocketDir: t.TempDir(),
			Start:     fx.children.start,
		},
		Clock:  clock.Fake(time.Unix(1000, 0)),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fx.manager = manager
	t.Cleanup(func() { manager.Close() })
	return fx
}

func TestDiscoverLoadEnable(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")

	added, err := fx.manager.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(added) != 1 || added[0] != "weather" {
		t.Fatalf("Discover = %v", added)
	}

	if err := fx.manager.Load(ctx, "weather"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, _ := fx.manager.Get("weather")
	if info.State != StateLoaded {
		t.Errorf("state = %s, want loaded", info.State)
	}
	if info.Digest.String() == "" {
		t.Error("digest not recorded")
	}

	fx.perms.grant("weather", "network", "storage")
	if err := fx.manager.Enable(ctx, "weather"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	info, _ = fx.manager.Get("weather")
	if info.State != StateEnabled {
		t.Errorf("state = %s, want enabled", info.State)
	}
	if _, ok := fx.manager.Handle("weather"); !ok {
		t.Error("no handle for enabled plugin")
	}
}

func TestEnableWithoutGrantsHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	if err := fx.manager.Load(ctx, "weather"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	fx.perms.grant("weather", "network") // storage still missing

	err := fx.manager.Enable(ctx, "weather")
	var denied *permission.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Enable err = %v, want PermissionDeniedError", err)
	}
	if len(denied.Missing) != 1 || denied.Missing[0] != "storage" {
		t.Errorf("Missing = %v, want [storage]", denied.Missing)
	}

	// Pre-check failure must leave everything untouched: state is
	// still loaded and no sandbox was ever started.
	info, _ := fx.manager.Get("weather")
	if info.State != StateLoaded {
		t.Errorf("state = %s, want loaded", info.State)
	}
	if fx.children.latest() != nil {
		t.Error("sandbox spawned despite failed pre-check")
	}

	// Granting the missing capability makes the same call succeed.
	fx.perms.grant("weather", "storage")
	if err := fx.manager.Enable(ctx, "weather"); err != nil {
		t.Fatalf("Enable after grant: %v", err)
	}
}

func TestMissingDependencyFailsLoad(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, `
id: dashboard
name: Dashboard
version: 1.0.0
entry_point: com.example.dash.Main
artifact: bundle.plug
dependencies: [weather, geocoder]
`, "dashboard")
	fx.manager.Discover(ctx)

	err := fx.manager.Load(ctx, "dashboard")
	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("Load err = %v, want DependencyError", err)
	}
	if len(depErr.Missing) != 2 || depErr.Missing[0] != "geocoder" || depErr.Missing[1] != "weather" {
		t.Errorf("Missing = %v", depErr.Missing)
	}

	info, _ := fx.manager.Get("dashboard")
	if info.State != StateError {
		t.Errorf("state = %s, want error", info.State)
	}
}

func TestDependencyCycleFailsLoad(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, `
id: alpha
name: Alpha
version: 1.0.0
entry_point: a.Main
artifact: bundle.plug
dependencies: [beta]
`, "alpha")
	writePlugin(t, fx.dirs.plugins, `
id: beta
name: Beta
version: 1.0.0
entry_point: b.Main
artifact: bundle.plug
dependencies: [alpha]
`, "beta")
	fx.manager.Discover(ctx)

	err := fx.manager.Load(ctx, "alpha")
	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("Load err = %v, want DependencyError", err)
	}
	if len(depErr.Cycle) == 0 {
		t.Errorf("Cycle empty: %+v", depErr)
	}
}

func TestCrashMovesPluginToError(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	fx.manager.Load(ctx, "weather")
	fx.perms.grant("weather", "network", "storage")
	if err := fx.manager.Enable(ctx, "weather"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	subscription := fx.manager.Watch()
	defer subscription.Close()
	// Drain the snapshot event.
	initial := testutil.RequireReceive(t, subscription.C, 5*time.Second, "snapshot")
	if initial.State != StateEnabled {
		t.Fatalf("snapshot state = %s", initial.State)
	}

	// Kill the sandbox process out from under the host.
	fx.children.latest().exit()

	event := testutil.RequireReceive(t, subscription.C, 5*time.Second, "crash event")
	if event.PluginID != "weather" || event.State != StateError {
		t.Fatalf("event = %+v", event)
	}
	if event.Error == "" {
		t.Error("crash event has no error message")
	}

	info, _ := fx.manager.Get("weather")
	if info.State != StateError {
		t.Errorf("state = %s, want error", info.State)
	}

	// The host survives and the plugin can be brought back.
	if err := fx.manager.Load(ctx, "weather"); err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	if err := fx.manager.Enable(ctx, "weather"); err != nil {
		t.Fatalf("Enable after crash: %v", err)
	}
}

func TestReloadAfterCrashRestoresEnabled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	fx.manager.Load(ctx, "weather")
	fx.perms.grant("weather", "network", "storage")
	if err := fx.manager.Enable(ctx, "weather"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	subscription := fx.manager.Watch()
	defer subscription.Close()
	testutil.RequireReceive(t, subscription.C, 5*time.Second, "snapshot")

	fx.children.latest().exit()
	event := testutil.RequireReceive(t, subscription.C, 5*time.Second, "crash event")
	if event.State != StateError {
		t.Fatalf("crash event = %+v", event)
	}

	// Reload is the recovery path for a crashed plugin: the same
	// artifact comes back enabled, not parked in loaded.
	if err := fx.manager.Reload(ctx, "weather"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	info, _ := fx.manager.Get("weather")
	if info.State != StateEnabled {
		t.Errorf("state after Reload = %s, want enabled", info.State)
	}
	if _, ok := fx.manager.Handle("weather"); !ok {
		t.Error("no handle after reload")
	}
}

func TestDisablePreservesGrants(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	fx.manager.Load(ctx, "weather")
	fx.perms.grant("weather", "network", "storage")
	fx.manager.Enable(ctx, "weather")

	if err := fx.manager.Disable(ctx, "weather"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	info, _ := fx.manager.Get("weather")
	if info.State != StateDisabled {
		t.Errorf("state = %s, want disabled", info.State)
	}
	if len(fx.perms.revoked) != 0 {
		t.Errorf("Disable revoked grants: %v", fx.perms.revoked)
	}

	// Re-enable straight from disabled.
	if err := fx.manager.Enable(ctx, "weather"); err != nil {
		t.Fatalf("Enable from disabled: %v", err)
	}
}

func TestFullUninstallRevokesAndRemoves(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	manifestPath := writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	fx.manager.Load(ctx, "weather")
	fx.perms.grant("weather", "network", "storage")
	fx.manager.Enable(ctx, "weather")

	dataPath := filepath.Join(fx.dirs.data, "weather")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}

	if err := fx.manager.Unload(ctx, "weather", true, true); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	if _, ok := fx.manager.Get("weather"); ok {
		t.Error("plugin still registered after uninstall")
	}
	if len(fx.perms.revoked) != 1 || fx.perms.revoked[0] != "weather" {
		t.Errorf("revoked = %v, want [weather]", fx.perms.revoked)
	}
	if _, err := os.Stat(manifestPath); !os.IsNotExist(err) {
		t.Error("manifest file still present")
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Error("data directory still present")
	}
}

func TestReloadKeepsGrantsAndData(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	fx.manager.Load(ctx, "weather")
	fx.perms.grant("weather", "network", "storage")
	fx.manager.Enable(ctx, "weather")

	if err := fx.manager.Reload(ctx, "weather"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	info, _ := fx.manager.Get("weather")
	if info.State != StateEnabled {
		t.Errorf("state after reload = %s, want enabled", info.State)
	}
	if len(fx.perms.revoked) != 0 {
		t.Errorf("Reload revoked grants: %v", fx.perms.revoked)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")
	fx.manager.Discover(ctx)
	fx.manager.Load(ctx, "weather")
	fx.perms.grant("weather", "network", "storage")
	fx.manager.Enable(ctx, "weather")
	fx.manager.Close()

	reopened, err := Open(Config{
		DatabasePath: fx.dirs.db,
		PluginDir:    fx.dirs.plugins,
		DataDir:      fx.dirs.data,
		Permissions:  fx.perms,
		Sandbox: sandbox.Config{
			SocketDir: t.TempDir(),
			Start:     fx.children.start,
		},
		Clock:  clock.Fake(time.Unix(2000, 0)),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	// An enabled plugin comes back loaded; reconciliation restarts it.
	info, ok := reopened.Get("weather")
	if !ok {
		t.Fatal("plugin record lost across reopen")
	}
	if info.State != StateLoaded {
		t.Errorf("state after reopen = %s, want loaded", info.State)
	}

	reopened.ReconcileEnabled(ctx)
	info, _ = reopened.Get("weather")
	if info.State != StateEnabled {
		t.Errorf("state after reconcile = %s, want enabled", info.State)
	}
}

func TestWatchSeesTransitionBeforeCallReturns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	writePlugin(t, fx.dirs.plugins, weatherManifest, "weather")

	subscription := fx.manager.Watch()
	defer subscription.Close()

	fx.manager.Discover(ctx)
	// The event is already buffered: no waiting, no other goroutine.
	select {
	case event := <-subscription.C:
		if event.PluginID != "weather" || event.State != StateDiscovered {
			t.Fatalf("event = %+v", event)
		}
	default:
		t.Fatal("transition not visible after Discover returned")
	}
}
