// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-host/warden/lib/sqlitepool"
)

const storageSchema = `
	CREATE TABLE IF NOT EXISTS storage (
		plugin_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		size       INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (plugin_id, key)
	);
`

func openPool(path string, poolSize int, logger *slog.Logger) (*sqlitepool.Pool, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storageSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return pool, nil
}

func upsertValue(conn *sqlite.Conn, pluginID, key string, ciphertext []byte, size int64, now time.Time) error {
	return sqlitex.Execute(conn, `
		INSERT INTO storage (plugin_id, key, ciphertext, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (plugin_id, key) DO UPDATE
		SET ciphertext = excluded.ciphertext,
		    size = excluded.size,
		    updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{pluginID, key, ciphertext, size, now.Unix()},
		})
}

func selectValue(conn *sqlite.Conn, pluginID, key string) ([]byte, bool, error) {
	var ciphertext []byte
	found := false
	err := sqlitex.Execute(conn,
		"SELECT ciphertext FROM storage WHERE plugin_id = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{pluginID, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ciphertext = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, ciphertext)
				return nil
			},
		})
	if err != nil {
		return nil, false, err
	}
	return ciphertext, found, nil
}

func deleteValue(conn *sqlite.Conn, pluginID, key string) (bool, error) {
	err := sqlitex.Execute(conn,
		"DELETE FROM storage WHERE plugin_id = ? AND key = ?",
		&sqlitex.ExecOptions{Args: []any{pluginID, key}})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

func deleteAllValues(conn *sqlite.Conn, pluginID string) error {
	return sqlitex.Execute(conn,
		"DELETE FROM storage WHERE plugin_id = ?",
		&sqlitex.ExecOptions{Args: []any{pluginID}})
}

func selectKeys(conn *sqlite.Conn, pluginID string) ([]string, error) {
	var keys []string
	err := sqlitex.Execute(conn,
		"SELECT key FROM storage WHERE plugin_id = ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{pluginID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// selectUsage sums plaintext sizes, optionally excluding one key (so a
// Put can compute what usage would be after replacing that key).
func selectUsage(conn *sqlite.Conn, pluginID, excludeKey string) (int64, error) {
	var used int64
	err := sqlitex.Execute(conn,
		"SELECT COALESCE(SUM(size), 0) FROM storage WHERE plugin_id = ? AND key != ?",
		&sqlitex.ExecOptions{
			Args: []any{pluginID, excludeKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				used = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	return used, nil
}
