// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-host/warden/lib/sqlitepool"
)

// store is the SQLite persistence layer behind the Manager: a grants
// table keyed by (plugin_id, capability) and an append-only audit
// table. The audit table is insert-only from this process; retention
// is an external concern.
type store struct {
	pool *sqlitepool.Pool
}

const grantSchema = `
	CREATE TABLE IF NOT EXISTS grants (
		plugin_id  TEXT NOT NULL,
		capability TEXT NOT NULL,
		status     INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (plugin_id, capability)
	);

	CREATE TABLE IF NOT EXISTS audit (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin_id  TEXT NOT NULL,
		capability TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		timestamp  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_plugin ON audit(plugin_id, timestamp);
`

func openStore(path string, poolSize int, logger *slog.Logger) (*store, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, grantSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("permission store: %w", err)
	}
	return &store{pool: pool}, nil
}

func (s *store) close() error {
	return s.pool.Close()
}

// loadGrants reads every persisted grant row. Called once at startup.
func (s *store) loadGrants(ctx context.Context) (map[grantKey]Status, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("permission store: load grants: %w", err)
	}
	defer s.pool.Put(conn)

	grants := make(map[grantKey]Status)
	err = sqlitex.Execute(conn,
		"SELECT plugin_id, capability, status FROM grants",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				key := grantKey{
					pluginID:   stmt.ColumnText(0),
					capability: stmt.ColumnText(1),
				}
				grants[key] = Status(stmt.ColumnInt(2))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("permission store: load grants: %w", err)
	}
	return grants, nil
}

func (s *store) upsertGrant(ctx context.Context, pluginID, capability string, status Status, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("permission store: upsert grant: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO grants (plugin_id, capability, status, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (plugin_id, capability)
		 DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{pluginID, capability, int(status), now.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("permission store: upsert grant %s/%s: %w", pluginID, capability, err)
	}
	return nil
}

func (s *store) deleteGrant(ctx context.Context, pluginID, capability string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("permission store: delete grant: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM grants WHERE plugin_id = ? AND capability = ?",
		&sqlitex.ExecOptions{Args: []any{pluginID, capability}})
	if err != nil {
		return fmt.Errorf("permission store: delete grant %s/%s: %w", pluginID, capability, err)
	}
	return nil
}

func (s *store) deleteAllGrants(ctx context.Context, pluginID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("permission store: delete grants: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM grants WHERE plugin_id = ?",
		&sqlitex.ExecOptions{Args: []any{pluginID}})
	if err != nil {
		return fmt.Errorf("permission store: delete grants for %s: %w", pluginID, err)
	}
	return nil
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	PluginID   string
	Capability string
	Outcome    string
	Timestamp  time.Time
}

func (s *store) appendAudit(ctx context.Context, pluginID, capability, outcome string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("permission store: append audit: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO audit (plugin_id, capability, outcome, timestamp) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{pluginID, capability, outcome, now.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("permission store: append audit: %w", err)
	}
	return nil
}

func (s *store) auditEntries(ctx context.Context, pluginID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("permission store: audit entries: %w", err)
	}
	defer s.pool.Put(conn)

	var entries []AuditEntry
	err = sqlitex.Execute(conn,
		`SELECT capability, outcome, timestamp FROM audit
		 WHERE plugin_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{pluginID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, AuditEntry{
					PluginID:   pluginID,
					Capability: stmt.ColumnText(0),
					Outcome:    stmt.ColumnText(1),
					Timestamp:  time.Unix(0, stmt.ColumnInt64(2)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("permission store: audit entries for %s: %w", pluginID, err)
	}
	return entries, nil
}
