// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/warden-host/warden/lib/clock"
)

// Status is the grant state of one (plugin, capability) pair.
type Status int

const (
	// StatusNotRequested means the plugin has never asked for the
	// capability, or asked again after a revocation. No stored row.
	StatusNotRequested Status = iota

	// StatusGranted means the user approved the capability. The only
	// state in which Check reports true.
	StatusGranted

	// StatusDenied means the user refused the capability.
	StatusDenied

	// StatusRevoked means a previously granted capability was taken
	// back. The plugin must re-request to become eligible again.
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusNotRequested:
		return "not-requested"
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	case StatusRevoked:
		return "revoked"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrInvalidTransition reports a grant mutation that the state machine
// does not permit, such as revoking a capability that was never
// granted.
var ErrInvalidTransition = errors.New("invalid grant transition")

// PermissionDeniedError reports exactly which required capabilities a
// plugin is missing. Callers inspect Missing to drive the consent UI.
type PermissionDeniedError struct {
	PluginID string
	Missing  []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("plugin %s missing capabilities: %s",
		e.PluginID, strings.Join(e.Missing, ", "))
}

// Config holds the parameters for opening a permission Manager.
type Config struct {
	// Path is the SQLite database file holding grants and the audit
	// trail. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock provides audit timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Manager is the host's single source of truth for capability grants.
// Grants persist across restarts; every mutation and every access
// check lands in an append-only audit trail.
//
// Check is a live lookup against current state, never a cached allow
// decision: a revocation is visible to the next Check the moment
// Revoke returns.
type Manager struct {
	store  *store
	clock  clock.Clock
	logger *slog.Logger

	// mu guards grants and serializes mutations so the in-memory state
	// and the database row move together.
	mu     sync.Mutex
	grants map[grantKey]Status
}

type grantKey struct {
	pluginID   string
	capability string
}

// Open loads persisted grants and returns a ready Manager. The caller
// must Close it.
func Open(cfg Config) (*Manager, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("permission: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("permission: Logger is required")
	}

	st, err := openStore(cfg.Path, cfg.PoolSize, cfg.Logger)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		store:  st,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		grants: make(map[grantKey]Status),
	}

	loaded, err := st.loadGrants(context.Background())
	if err != nil {
		st.close()
		return nil, err
	}
	for key, status := range loaded {
		manager.grants[key] = status
	}
	if len(loaded) > 0 {
		cfg.Logger.Info("loaded persisted grants", "count", len(loaded))
	}
	return manager, nil
}

// Close releases the underlying database pool.
func (m *Manager) Close() error {
	return m.store.close()
}

// Check reports whether pluginID currently holds capability. Every
// check is audited, allowed or not. An audit write failure is logged
// and does not change the outcome — denying a granted capability
// because the audit disk filled would turn a logging problem into an
// availability problem.
func (m *Manager) Check(ctx context.Context, pluginID, capability string) bool {
	m.mu.Lock()
	allowed := m.grants[grantKey{pluginID, capability}] == StatusGranted
	m.mu.Unlock()

	outcome := "check-denied"
	if allowed {
		outcome = "check-allowed"
	}
	m.RecordAudit(ctx, pluginID, capability, outcome)
	return allowed
}

// Require verifies that pluginID holds every listed capability. On any
// shortfall it returns a *PermissionDeniedError carrying the exact
// missing set, sorted, with no duplicates.
func (m *Manager) Require(ctx context.Context, pluginID string, capabilities ...string) error {
	missing := make(map[string]struct{})
	for _, capability := range capabilities {
		if !m.Check(ctx, pluginID, capability) {
			missing[capability] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	names := make([]string, 0, len(missing))
	for capability := range missing {
		names = append(names, capability)
	}
	sort.Strings(names)
	return &PermissionDeniedError{PluginID: pluginID, Missing: names}
}

// Grant records user approval of capability for pluginID. Valid only
// from the not-requested state; a denied or revoked capability must be
// re-requested first.
func (m *Manager) Grant(ctx context.Context, pluginID, capability string) error {
	return m.transition(ctx, pluginID, capability, StatusGranted, "granted", StatusNotRequested)
}

// Deny records user refusal of capability for pluginID.
func (m *Manager) Deny(ctx context.Context, pluginID, capability string) error {
	return m.transition(ctx, pluginID, capability, StatusDenied, "denied", StatusNotRequested)
}

// Revoke takes back a granted capability. The next Check after Revoke
// returns reports false; in-flight calls that already passed their
// check complete normally.
func (m *Manager) Revoke(ctx context.Context, pluginID, capability string) error {
	return m.transition(ctx, pluginID, capability, StatusRevoked, "revoked", StatusGranted)
}

// Rerequest returns a denied or revoked capability to the
// not-requested state, making it eligible for a fresh user decision.
func (m *Manager) Rerequest(ctx context.Context, pluginID, capability string) error {
	key := grantKey{pluginID, capability}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.grants[key]
	if current != StatusDenied && current != StatusRevoked {
		return fmt.Errorf("permission: re-request %s/%s from %s: %w",
			pluginID, capability, current, ErrInvalidTransition)
	}
	if err := m.store.deleteGrant(ctx, pluginID, capability); err != nil {
		return err
	}
	delete(m.grants, key)
	m.recordAuditLocked(ctx, pluginID, capability, "rerequested")
	m.logger.Info("capability re-requested", "plugin", pluginID, "capability", capability)
	return nil
}

// RevokeAll revokes every granted capability of pluginID and clears
// the rest of its grant rows. Used on full uninstall.
func (m *Manager) RevokeAll(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cleared []string
	for key := range m.grants {
		if key.pluginID == pluginID {
			cleared = append(cleared, key.capability)
		}
	}
	if err := m.store.deleteAllGrants(ctx, pluginID); err != nil {
		return err
	}
	sort.Strings(cleared)
	for _, capability := range cleared {
		delete(m.grants, grantKey{pluginID, capability})
		m.recordAuditLocked(ctx, pluginID, capability, "revoked-all")
	}
	if len(cleared) > 0 {
		m.logger.Info("all grants revoked", "plugin", pluginID, "count", len(cleared))
	}
	return nil
}

// Grants returns pluginID's capability statuses. Capabilities never
// requested do not appear.
func (m *Manager) Grants(pluginID string) map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]Status)
	for key, status := range m.grants {
		if key.pluginID == pluginID {
			result[key.capability] = status
		}
	}
	return result
}

// RecordAudit appends one entry to the audit trail. Exported so other
// enforcement points (the rate limiter's rejection hook, the storage
// quota) share the same trail.
func (m *Manager) RecordAudit(ctx context.Context, pluginID, capability, outcome string) {
	if err := m.store.appendAudit(ctx, pluginID, capability, outcome, m.clock.Now()); err != nil {
		m.logger.Error("audit write failed",
			"plugin", pluginID, "capability", capability, "outcome", outcome, "error", err)
	}
}

// AuditEntries returns the most recent audit entries for pluginID,
// newest first. limit <= 0 defaults to 100.
func (m *Manager) AuditEntries(ctx context.Context, pluginID string, limit int) ([]AuditEntry, error) {
	return m.store.auditEntries(ctx, pluginID, limit)
}

// transition performs a persisted state change that is only valid from
// a single prior status.
func (m *Manager) transition(ctx context.Context, pluginID, capability string, to Status, outcome string, validFrom Status) error {
	key := grantKey{pluginID, capability}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.grants[key]
	if current != validFrom {
		return fmt.Errorf("permission: %s %s/%s from %s: %w",
			outcome, pluginID, capability, current, ErrInvalidTransition)
	}
	if err := m.store.upsertGrant(ctx, pluginID, capability, to, m.clock.Now()); err != nil {
		return err
	}
	m.grants[key] = to
	m.recordAuditLocked(ctx, pluginID, capability, outcome)
	m.logger.Info("grant state changed",
		"plugin", pluginID, "capability", capability, "status", to.String())
	return nil
}

func (m *Manager) recordAuditLocked(ctx context.Context, pluginID, capability, outcome string) {
	if err := m.store.appendAudit(ctx, pluginID, capability, outcome, m.clock.Now()); err != nil {
		m.logger.Error("audit write failed",
			"plugin", pluginID, "capability", capability, "outcome", outcome, "error", err)
	}
}
