// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-host/warden/lib/sqlitepool"
)

// store persists plugin registrations so the host reconciles its
// plugin set on restart instead of rediscovering from scratch.
type store struct {
	pool *sqlitepool.Pool
}

const pluginSchema = `
	CREATE TABLE IF NOT EXISTS plugins (
		plugin_id     TEXT PRIMARY KEY,
		manifest_path TEXT NOT NULL,
		artifact_path TEXT NOT NULL,
		digest        TEXT NOT NULL,
		state         INTEGER NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		updated_at    INTEGER NOT NULL
	);
`

// storedPlugin is one persisted row.
type storedPlugin struct {
	PluginID     string
	ManifestPath string
	ArtifactPath string
	Digest       string
	State        State
	Error        string
}

func openStore(path string, poolSize int, logger *slog.Logger) (*store, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, pluginSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("plugin store: %w", err)
	}
	return &store{pool: pool}, nil
}

func (s *store) close() error {
	return s.pool.Close()
}

func (s *store) loadAll(ctx context.Context) ([]storedPlugin, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("plugin store: load: %w", err)
	}
	defer s.pool.Put(conn)

	var rows []storedPlugin
	err = sqlitex.Execute(conn,
		"SELECT plugin_id, manifest_path, artifact_path, digest, state, error FROM plugins",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, storedPlugin{
					PluginID:     stmt.ColumnText(0),
					ManifestPath: stmt.ColumnText(1),
					ArtifactPath: stmt.ColumnText(2),
					Digest:       stmt.ColumnText(3),
					State:        State(stmt.ColumnInt(4)),
					Error:        stmt.ColumnText(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("plugin store: load: %w", err)
	}
	return rows, nil
}

func (s *store) upsert(ctx context.Context, row storedPlugin, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("plugin store: upsert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO plugins (plugin_id, manifest_path, artifact_path, digest, state, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (plugin_id) DO UPDATE SET
			manifest_path = excluded.manifest_path,
			artifact_path = excluded.artifact_path,
			digest = excluded.digest,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				row.PluginID, row.ManifestPath, row.ArtifactPath,
				row.Digest, int(row.State), row.Error, now.UnixNano(),
			},
		})
	if err != nil {
		return fmt.Errorf("plugin store: upsert %s: %w", row.PluginID, err)
	}
	return nil
}

func (s *store) delete(ctx context.Context, pluginID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("plugin store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM plugins WHERE plugin_id = ?",
		&sqlitex.ExecOptions{Args: []any{pluginID}})
	if err != nil {
		return fmt.Errorf("plugin store: delete %s: %w", pluginID, err)
	}
	return nil
}
