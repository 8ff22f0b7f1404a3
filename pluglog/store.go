// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package pluglog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-host/warden/lib/sqlitepool"
)

type store struct {
	pool *sqlitepool.Pool
}

const logSchema = `
	CREATE TABLE IF NOT EXISTS logs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin_id TEXT NOT NULL,
		level     TEXT NOT NULL,
		tag       TEXT NOT NULL DEFAULT '',
		message   TEXT NOT NULL,
		exception TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_plugin ON logs(plugin_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
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
			return sqlitex.ExecuteScript(conn, logSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pluglog store: %w", err)
	}
	return &store{pool: pool}, nil
}

func (s *store) close() error {
	return s.pool.Close()
}

func (s *store) append(ctx context.Context, entry Entry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO logs (plugin_id, level, tag, message, exception, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{entry.PluginID, entry.Level, entry.Tag, entry.Message,
				entry.Exception, entry.Timestamp.Unix()},
		})
}

func (s *store) entries(ctx context.Context, pluginID, level string, limit int) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `
		SELECT plugin_id, level, tag, message, exception, timestamp
		FROM logs WHERE plugin_id = ?`
	args := []any{pluginID}
	if level != "" {
		query += " AND level = ?"
		args = append(args, level)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var result []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = append(result, Entry{
				PluginID:  stmt.ColumnText(0),
				Level:     stmt.ColumnText(1),
				Tag:       stmt.ColumnText(2),
				Message:   stmt.ColumnText(3),
				Exception: stmt.ColumnText(4),
				Timestamp: time.Unix(stmt.ColumnInt64(5), 0),
			})
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *store) prune(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM logs WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.Unix()}})
	if err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}
