// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"filippo.io/age"

	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/lib/sqlitepool"
)

// ErrNotFound reports a key with no stored value.
var ErrNotFound = errors.New("storage: key not found")

// maxKeyLength bounds key names. Values are bounded by the quota.
const maxKeyLength = 256

// DefaultQuotaBytes is the per-plugin quota when the Config leaves it
// zero.
const DefaultQuotaBytes = 5 << 20

// QuotaExceededError reports a Put that would push a plugin past its
// quota. Used counts the plugin's other keys; the rejected value is
// Requested bytes.
type QuotaExceededError struct {
	PluginID  string
	Used      int64
	Requested int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded for %s: %d used + %d requested > %d limit",
		e.PluginID, e.Used, e.Requested, e.Limit)
}

// Gate is the permission check the store runs before every plugin
// operation. permission.Manager satisfies it; its Require also writes
// the audit trail.
type Gate interface {
	Require(ctx context.Context, pluginID string, capabilities ...string) error
}

// Capability is the grant a plugin needs for any storage access.
const Capability = "storage"

// Config configures a Store.
type Config struct {
	// DatabasePath is the SQLite file holding all plugins' values.
	// Required.
	DatabasePath string

	// KeyPath is the file holding the store's age identity, created on
	// first open. Required.
	KeyPath string

	// QuotaBytes caps each plugin's total plaintext bytes. Zero means
	// DefaultQuotaBytes.
	QuotaBytes int64

	// Permissions gates every plugin-facing operation on the "storage"
	// capability. Required.
	Permissions Gate

	// PoolSize is the SQLite connection pool size. Zero defaults.
	PoolSize int

	// Clock stamps writes. Required.
	Clock clock.Clock

	// Logger receives store lifecycle messages. Nil means silent.
	Logger *slog.Logger
}

// Store is the host-side plugin key-value store. Values are encrypted
// at rest with an age X25519 identity the host holds; plugins address
// only their own namespace, enforced by the caller passing the
// authenticated plugin ID, never one taken from the message payload.
type Store struct {
	pool     *sqlitepool.Pool
	identity *age.X25519Identity
	perms    Gate
	quota    int64
	clock    clock.Clock
	logger   *slog.Logger

	// writeMu serializes Put so the quota check and the insert are
	// atomic across pool connections.
	writeMu sync.Mutex
}

// Open loads (or creates) the encryption identity and opens the
// database. The caller must Close the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Permissions == nil {
		return nil, fmt.Errorf("storage: Permissions is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("storage: Clock is required")
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("storage: KeyPath is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	quota := cfg.QuotaBytes
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}

	identity, err := loadOrCreateIdentity(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	pool, err := openPool(cfg.DatabasePath, cfg.PoolSize, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		pool:     pool,
		identity: identity,
		perms:    cfg.Permissions,
		quota:    quota,
		clock:    cfg.Clock,
		logger:   logger,
	}, nil
}

// Close releases the database pool. The key file stays on disk.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Put stores a value under the plugin's key, replacing any previous
// value. Rejected with QuotaExceededError when the plugin's total
// plaintext would exceed its quota.
func (s *Store) Put(ctx context.Context, pluginID, key string, value []byte) error {
	if err := s.perms.Require(ctx, pluginID, Capability); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	ciphertext, err := seal(s.identity.Recipient(), value)
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", pluginID, key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", pluginID, key, err)
	}
	defer s.pool.Put(conn)

	used, err := selectUsage(conn, pluginID, key)
	if err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", pluginID, key, err)
	}
	size := int64(len(value))
	if used+size > s.quota {
		return &QuotaExceededError{PluginID: pluginID, Used: used, Requested: size, Limit: s.quota}
	}

	if err := upsertValue(conn, pluginID, key, ciphertext, size, s.clock.Now()); err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", pluginID, key, err)
	}
	return nil
}

// Get returns the plugin's value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, pluginID, key string) ([]byte, error) {
	if err := s.perms.Require(ctx, pluginID, Capability); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", pluginID, key, err)
	}
	defer s.pool.Put(conn)

	ciphertext, found, err := selectValue(conn, pluginID, key)
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", pluginID, key, err)
	}
	if !found {
		return nil, fmt.Errorf("get %s/%s: %w", pluginID, key, ErrNotFound)
	}

	value, err := unseal(s.identity, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", pluginID, key, err)
	}
	return value, nil
}

// Delete removes the plugin's value for key. Deleting an absent key
// returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, pluginID, key string) error {
	if err := s.perms.Require(ctx, pluginID, Capability); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", pluginID, key, err)
	}
	defer s.pool.Put(conn)

	deleted, err := deleteValue(conn, pluginID, key)
	if err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", pluginID, key, err)
	}
	if !deleted {
		return fmt.Errorf("delete %s/%s: %w", pluginID, key, ErrNotFound)
	}
	return nil
}

// Keys lists the plugin's keys in lexical order.
func (s *Store) Keys(ctx context.Context, pluginID string) ([]string, error) {
	if err := s.perms.Require(ctx, pluginID, Capability); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: keys %s: %w", pluginID, err)
	}
	defer s.pool.Put(conn)

	keys, err := selectKeys(conn, pluginID)
	if err != nil {
		return nil, fmt.Errorf("storage: keys %s: %w", pluginID, err)
	}
	return keys, nil
}

// Usage reports the plugin's stored plaintext bytes and its quota.
func (s *Store) Usage(ctx context.Context, pluginID string) (used, limit int64, err error) {
	if err := s.perms.Require(ctx, pluginID, Capability); err != nil {
		return 0, 0, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: usage %s: %w", pluginID, err)
	}
	defer s.pool.Put(conn)

	used, err = selectUsage(conn, pluginID, "")
	if err != nil {
		return 0, 0, fmt.Errorf("storage: usage %s: %w", pluginID, err)
	}
	return used, s.quota, nil
}

// Purge drops every value the plugin has stored. Host-side only, part
// of full uninstall; it does not consult the permission gate because
// it runs after grants are revoked.
func (s *Store) Purge(ctx context.Context, pluginID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: purge %s: %w", pluginID, err)
	}
	defer s.pool.Put(conn)

	if err := deleteAllValues(conn, pluginID); err != nil {
		return fmt.Errorf("storage: purge %s: %w", pluginID, err)
	}
	s.logger.Info("plugin storage purged", "plugin", pluginID)
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("storage: key must not be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("storage: key exceeds %d bytes", maxKeyLength)
	}
	return nil
}
