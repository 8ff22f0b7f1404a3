// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/warden-host/warden/lib/binhash"
	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/sandbox"
	"github.com/warden-host/warden/transport"
	"github.com/warden-host/warden/wire"
)

// ErrUnknownPlugin reports an operation against a plugin ID that is
// not registered.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Config holds the plugin manager's parameters.
type Config struct {
	// DatabasePath is the SQLite file for plugin records. Required.
	DatabasePath string

	// PoolSize is the database pool size. Defaults to 4.
	PoolSize int

	// PluginDir is scanned by Discover: one subdirectory per plugin,
	// each holding a manifest.yaml next to its artifact. Required.
	PluginDir string

	// DataDir holds per-plugin data directories, removed on full
	// uninstall. Required.
	DataDir string

	// Permissions gates Enable and is consulted for revocation on
	// uninstall. Required.
	Permissions PermissionGate

	// Sandbox configures the supervisor the manager creates. The
	// manager fills in Clock, Logger, and the exit callback itself.
	Sandbox sandbox.Config

	// NewHandler builds the inbound-message handler for each plugin's
	// sandbox peer. May be nil.
	NewHandler func(pluginID string) transport.HandlerFunc

	// Clock for record timestamps. Required.
	Clock clock.Clock

	// Logger receives lifecycle messages. Required.
	Logger *slog.Logger
}

// PermissionGate is the slice of the permission manager the plugin
// manager needs: the enable-time pre-check and uninstall revocation.
type PermissionGate interface {
	Require(ctx context.Context, pluginID string, capabilities ...string) error
	RevokeAll(ctx context.Context, pluginID string) error
}

// Manager owns the plugin lifecycle: discovery, artifact verification,
// sandbox start and stop, and the persisted registry that survives
// host restarts.
type Manager struct {
	store      *store
	perms      PermissionGate
	supervisor *sandbox.Supervisor
	pluginDir  string
	dataDir    string
	clock      clock.Clock
	logger     *slog.Logger

	// mu serializes lifecycle mutations. Events reach subscriber
	// channels before the mutating call returns.
	mu          sync.Mutex
	plugins     map[string]*record
	watchers    map[int]chan Event
	nextWatcher int
}

type record struct {
	manifest     Manifest
	manifestPath string
	artifactPath string
	digest       binhash.Digest
	state        State
	err          string
	handle       *sandbox.Handle

	// wasEnabled marks plugins persisted as enabled by the previous
	// run; ReconcileEnabled restarts them.
	wasEnabled bool
}

// Open loads persisted plugin records and returns a ready Manager.
func Open(cfg Config) (*Manager, error) {
	if cfg.PluginDir == "" || cfg.DataDir == "" {
		return nil, fmt.Errorf("plugin: PluginDir and DataDir are required")
	}
	if cfg.Permissions == nil {
		return nil, fmt.Errorf("plugin: Permissions is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("plugin: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("plugin: Logger is required")
	}

	st, err := openStore(cfg.DatabasePath, cfg.PoolSize, cfg.Logger)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		store:     st,
		perms:     cfg.Permissions,
		pluginDir: cfg.PluginDir,
		dataDir:   cfg.DataDir,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		plugins:   make(map[string]*record),
		watchers:  make(map[int]chan Event),
	}

	sandboxCfg := cfg.Sandbox
	sandboxCfg.Clock = cfg.Clock
	sandboxCfg.Logger = cfg.Logger
	sandboxCfg.NewHandler = cfg.NewHandler
	sandboxCfg.OnExit = manager.handleSandboxExit
	supervisor, err := sandbox.New(sandboxCfg)
	if err != nil {
		st.close()
		return nil, err
	}
	manager.supervisor = supervisor

	rows, err := st.loadAll(context.Background())
	if err != nil {
		st.close()
		return nil, err
	}
	for _, row := range rows {
		rec := &record{
			manifestPath: row.ManifestPath,
			artifactPath: row.ArtifactPath,
			state:        row.State,
			err:          row.Error,
		}
		if row.Digest != "" {
			digest, err := binhash.ParseDigest(row.Digest)
			if err != nil {
				cfg.Logger.Warn("discarding record with bad digest",
					"plugin", row.PluginID, "error", err)
				continue
			}
			rec.digest = digest
		}
		// Sandboxes do not survive a host restart: a plugin persisted
		// as enabled comes back loaded, flagged for reconciliation.
		if rec.state == StateEnabled {
			rec.state = StateLoaded
			rec.wasEnabled = true
		}
		if manifest, err := ReadManifest(row.ManifestPath); err == nil {
			rec.manifest = *manifest
		} else {
			rec.state = StateError
			rec.err = err.Error()
			cfg.Logger.Warn("manifest unreadable on startup",
				"plugin", row.PluginID, "error", err)
		}
		manager.plugins[row.PluginID] = rec
	}
	if len(rows) > 0 {
		cfg.Logger.Info("loaded plugin records", "count", len(rows))
	}
	return manager, nil
}

// Close tears down every running sandbox and releases the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	var handles []*sandbox.Handle
	for _, rec := range m.plugins {
		if rec.handle != nil {
			handles = append(handles, rec.handle)
			rec.handle = nil
		}
	}
	for id, ch := range m.watchers {
		close(ch)
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	for _, handle := range handles {
		m.supervisor.Teardown(handle)
	}
	return m.store.close()
}

// Register adds a plugin from its manifest file in the discovered
// state. Registering an already known ID is an error; use Reload to
// replace a plugin.
func (m *Manager) Register(ctx context.Context, manifestPath string) (string, error) {
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[manifest.ID]; exists {
		return "", fmt.Errorf("plugin %s already registered", manifest.ID)
	}

	rec := &record{
		manifest:     *manifest,
		manifestPath: manifestPath,
		artifactPath: filepath.Join(filepath.Dir(manifestPath), manifest.Artifact),
		state:        StateDiscovered,
	}
	if err := m.persistLocked(ctx, manifest.ID, rec); err != nil {
		return "", err
	}
	m.plugins[manifest.ID] = rec
	m.emitLocked(Event{PluginID: manifest.ID, State: StateDiscovered})
	m.logger.Info("plugin registered", "plugin", manifest.ID, "version", manifest.Version)
	return manifest.ID, nil
}

// Discover scans PluginDir for manifests and registers any plugin not
// yet known. Returns the newly registered IDs, sorted.
func (m *Manager) Discover(ctx context.Context) ([]string, error) {
	manifests, err := filepath.Glob(filepath.Join(m.pluginDir, "*", "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("plugin: scanning %s: %w", m.pluginDir, err)
	}

	var added []string
	for _, manifestPath := range manifests {
		manifest, err := ReadManifest(manifestPath)
		if err != nil {
			m.logger.Warn("skipping invalid manifest", "path", manifestPath, "error", err)
			continue
		}
		m.mu.Lock()
		_, known := m.plugins[manifest.ID]
		m.mu.Unlock()
		if known {
			continue
		}
		id, err := m.Register(ctx, manifestPath)
		if err != nil {
			m.logger.Warn("register failed", "path", manifestPath, "error", err)
			continue
		}
		added = append(added, id)
	}
	sort.Strings(added)
	return added, nil
}

// Load verifies a registered plugin: fresh manifest read, artifact
// digest, and dependency check. On success the plugin is loaded and
// ready to enable; on failure it lands in the error state and the
// cause is returned.
func (m *Manager) Load(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("plugin %s: %w", pluginID, ErrUnknownPlugin)
	}
	switch rec.state {
	case StateDiscovered, StateLoaded, StateError:
	default:
		return fmt.Errorf("plugin %s is %s, cannot load", pluginID, rec.state)
	}

	manifest, err := ReadManifest(rec.manifestPath)
	if err != nil {
		return m.failLocked(ctx, pluginID, rec, err)
	}
	if manifest.ID != pluginID {
		return m.failLocked(ctx, pluginID, rec,
			fmt.Errorf("manifest id changed to %q", manifest.ID))
	}
	rec.manifest = *manifest
	rec.artifactPath = filepath.Join(filepath.Dir(rec.manifestPath), manifest.Artifact)

	digest, err := binhash.HashArtifactFile(rec.artifactPath)
	if err != nil {
		return m.failLocked(ctx, pluginID, rec, fmt.Errorf("hashing artifact: %w", err))
	}
	rec.digest = digest

	if err := m.checkDependenciesLocked(pluginID); err != nil {
		return m.failLocked(ctx, pluginID, rec, err)
	}

	rec.state = StateLoaded
	rec.err = ""
	if err := m.persistLocked(ctx, pluginID, rec); err != nil {
		return err
	}
	m.emitLocked(Event{PluginID: pluginID, State: StateLoaded})
	m.logger.Info("plugin loaded",
		"plugin", pluginID, "version", rec.manifest.Version, "digest", digest.String())
	return nil
}

// Enable starts a sandbox for a loaded or disabled plugin. The
// permission pre-check runs first: a missing capability fails with the
// exact missing set and no side effects at all. A spawn or bind
// failure rolls the plugin into the error state with the sandbox torn
// down.
func (m *Manager) Enable(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("plugin %s: %w", pluginID, ErrUnknownPlugin)
	}
	if rec.state != StateLoaded && rec.state != StateDisabled {
		return fmt.Errorf("plugin %s is %s, cannot enable", pluginID, rec.state)
	}

	if err := m.perms.Require(ctx, pluginID, rec.manifest.Capabilities...); err != nil {
		return err
	}

	handle, err := m.supervisor.Spawn(ctx, pluginID)
	if err != nil {
		return m.failLocked(ctx, pluginID, rec, fmt.Errorf("spawn: %w", err))
	}

	err = m.supervisor.Bind(ctx, handle, &wire.BindPluginPayload{
		PluginID:     pluginID,
		EntryPoint:   rec.manifest.EntryPoint,
		ArtifactPath: rec.artifactPath,
		Granted:      rec.manifest.Capabilities,
	})
	if err != nil {
		m.supervisor.Teardown(handle)
		return m.failLocked(ctx, pluginID, rec, fmt.Errorf("bind: %w", err))
	}

	rec.handle = handle
	rec.state = StateEnabled
	rec.err = ""
	rec.wasEnabled = false
	if err := m.persistLocked(ctx, pluginID, rec); err != nil {
		return err
	}
	m.emitLocked(Event{PluginID: pluginID, State: StateEnabled})
	m.logger.Info("plugin enabled", "plugin", pluginID, "pid", handle.PID())
	return nil
}

// Disable stops an enabled plugin's sandbox. Grants and data are
// untouched.
func (m *Manager) Disable(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("plugin %s: %w", pluginID, ErrUnknownPlugin)
	}
	if rec.state != StateEnabled {
		return fmt.Errorf("plugin %s is %s, cannot disable", pluginID, rec.state)
	}

	m.supervisor.Teardown(rec.handle)
	rec.handle = nil
	rec.state = StateDisabled
	rec.err = ""
	if err := m.persistLocked(ctx, pluginID, rec); err != nil {
		return err
	}
	m.emitLocked(Event{PluginID: pluginID, State: StateDisabled})
	m.logger.Info("plugin disabled", "plugin", pluginID)
	return nil
}

// Unload removes a plugin's registration. The two flags are
// independent: deleteArtifact removes the installed files, deleteData
// removes the plugin's data directory and revokes every grant. A full
// uninstall passes both; Reload passes neither.
func (m *Manager) Unload(ctx context.Context, pluginID string, deleteArtifact, deleteData bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.plugins[pluginID]
	if !ok {
		return fmt.Errorf("plugin %s: %w", pluginID, ErrUnknownPlugin)
	}

	if rec.handle != nil {
		m.supervisor.Teardown(rec.handle)
		rec.handle = nil
	}

	if deleteData {
		// Dropping the data implies the user is done with this plugin;
		// a future reinstall starts from fresh consent.
		if err := m.perms.RevokeAll(ctx, pluginID); err != nil {
			return fmt.Errorf("plugin %s: revoking grants: %w", pluginID, err)
		}
		if err := os.RemoveAll(filepath.Join(m.dataDir, pluginID)); err != nil {
			m.logger.Error("removing plugin data", "plugin", pluginID, "error", err)
		}
	}
	if deleteArtifact {
		for _, path := range []string{rec.artifactPath, rec.manifestPath} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Error("removing plugin file", "plugin", pluginID, "path", path, "error", err)
			}
		}
	}

	if err := m.store.delete(ctx, pluginID); err != nil {
		return err
	}
	delete(m.plugins, pluginID)
	m.emitLocked(Event{PluginID: pluginID, Removed: true})
	m.logger.Info("plugin unloaded",
		"plugin", pluginID, "delete_artifact", deleteArtifact, "delete_data", deleteData)
	return nil
}

// Reload replaces a plugin in place: unload keeping artifact and data,
// re-register from the same manifest, load, and enable if the plugin
// was enabled before.
func (m *Manager) Reload(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	rec, ok := m.plugins[pluginID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s: %w", pluginID, ErrUnknownPlugin)
	}
	manifestPath := rec.manifestPath
	// A crashed plugin sits in the error state but was enabled by the
	// user; reload is its recovery path and must restore that.
	reEnable := rec.state == StateEnabled || rec.state == StateError
	m.mu.Unlock()

	if err := m.Unload(ctx, pluginID, false, false); err != nil {
		return err
	}
	if _, err := m.Register(ctx, manifestPath); err != nil {
		return err
	}
	if err := m.Load(ctx, pluginID); err != nil {
		return err
	}
	if reEnable {
		return m.Enable(ctx, pluginID)
	}
	return nil
}

// ReconcileEnabled re-enables plugins that the previous run left
// enabled. Failures are logged and leave the plugin in the error
// state; one bad plugin does not block the rest.
func (m *Manager) ReconcileEnabled(ctx context.Context) {
	m.mu.Lock()
	var pending []string
	for pluginID, rec := range m.plugins {
		if rec.wasEnabled {
			pending = append(pending, pluginID)
		}
	}
	m.mu.Unlock()

	sort.Strings(pending)
	for _, pluginID := range pending {
		if err := m.Load(ctx, pluginID); err != nil {
			m.logger.Error("reconcile load failed", "plugin", pluginID, "error", err)
			continue
		}
		if err := m.Enable(ctx, pluginID); err != nil {
			m.logger.Error("reconcile enable failed", "plugin", pluginID, "error", err)
		}
	}
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(pluginID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[pluginID]
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// List returns snapshots of every plugin, sorted by ID.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.plugins))
	for _, rec := range m.plugins {
		infos = append(infos, rec.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Manifest.ID < infos[j].Manifest.ID
	})
	return infos
}

// Handle returns the running sandbox handle for an enabled plugin.
func (m *Manager) Handle(pluginID string) (*sandbox.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[pluginID]
	if !ok || rec.handle == nil {
		return nil, false
	}
	return rec.handle, true
}

func (rec *record) info() Info {
	return Info{
		Manifest:     rec.manifest,
		State:        rec.state,
		Digest:       rec.digest,
		Error:        rec.err,
		ManifestPath: rec.manifestPath,
		ArtifactPath: rec.artifactPath,
	}
}

// handleSandboxExit is the supervisor's crash callback. A crash of a
// plugin no longer enabled (torn down by a racing Disable or Unload)
// is ignored.
func (m *Manager) handleSandboxExit(pluginID string, cause error) {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.plugins[pluginID]
	if !ok || rec.state != StateEnabled {
		return
	}
	rec.handle = nil
	rec.state = StateError
	rec.err = cause.Error()
	if err := m.persistLocked(ctx, pluginID, rec); err != nil {
		m.logger.Error("persisting crash state", "plugin", pluginID, "error", err)
	}
	m.emitLocked(Event{PluginID: pluginID, State: StateError, Error: rec.err})
	m.logger.Error("plugin sandbox died", "plugin", pluginID, "error", cause)
}

// failLocked moves a plugin to the error state and returns the cause.
func (m *Manager) failLocked(ctx context.Context, pluginID string, rec *record, cause error) error {
	rec.state = StateError
	rec.err = cause.Error()
	if err := m.persistLocked(ctx, pluginID, rec); err != nil {
		m.logger.Error("persisting error state", "plugin", pluginID, "error", err)
	}
	m.emitLocked(Event{PluginID: pluginID, State: StateError, Error: rec.err})
	return fmt.Errorf("plugin %s: %w", pluginID, cause)
}

func (m *Manager) persistLocked(ctx context.Context, pluginID string, rec *record) error {
	digest := ""
	if rec.digest != (binhash.Digest{}) {
		digest = rec.digest.String()
	}
	return m.store.upsert(ctx, storedPlugin{
		PluginID:     pluginID,
		ManifestPath: rec.manifestPath,
		ArtifactPath: rec.artifactPath,
		Digest:       digest,
		State:        rec.state,
		Error:        rec.err,
	}, m.clock.Now())
}

// checkDependenciesLocked verifies that every dependency of pluginID
// is registered and that the dependency graph rooted there is acyclic.
func (m *Manager) checkDependenciesLocked(pluginID string) error {
	rec := m.plugins[pluginID]

	var missing []string
	for _, dependency := range rec.manifest.Dependencies {
		if _, ok := m.plugins[dependency]; !ok {
			missing = append(missing, dependency)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &DependencyError{PluginID: pluginID, Missing: missing}
	}

	// Depth-first walk with a path stack for cycle reporting.
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	colors := make(map[string]int)
	var stack []string

	var visit func(id string) *DependencyError
	visit = func(id string) *DependencyError {
		colors[id] = visiting
		stack = append(stack, id)
		if dep, ok := m.plugins[id]; ok {
			for _, next := range dep.manifest.Dependencies {
				switch colors[next] {
				case visiting:
					start := 0
					for i, frame := range stack {
						if frame == next {
							start = i
							break
						}
					}
					cycle := append(append([]string{}, stack[start:]...), next)
					return &DependencyError{PluginID: pluginID, Cycle: cycle}
				case unvisited:
					if err := visit(next); err != nil {
						return err
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = done
		return nil
	}

	if err := visit(pluginID); err != nil {
		return err
	}
	return nil
}
