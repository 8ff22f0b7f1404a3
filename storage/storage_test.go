// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/permission"
)

// fakeGate grants "storage" to listed plugins.
type fakeGate struct {
	mu      sync.Mutex
	granted map[string]bool
}

func (g *fakeGate) grant(pluginID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[pluginID] = true
}

func (g *fakeGate) Require(ctx context.Context, pluginID string, capabilities ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.granted[pluginID] {
		return &permission.PermissionDeniedError{PluginID: pluginID, Missing: capabilities}
	}
	return nil
}

func openTestStore(t *testing.T, quota int64) (*Store, *fakeGate, string) {
	t.Helper()
	dir := t.TempDir()
	gate := &fakeGate{granted: make(map[string]bool)}
	store, err := Open(Config{
		DatabasePath: filepath.Join(dir, "storage.db"),
		KeyPath:      filepath.Join(dir, "storage.key"),
		QuotaBytes:   quota,
		Permissions:  gate,
		PoolSize:     2,
		Clock:        clock.Fake(time.Unix(1000, 0)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, gate, dir
}

func TestPutGetDelete(t *testing.T) {
	store, gate, _ := openTestStore(t, 0)
	gate.grant("weather")
	ctx := context.Background()

	value := []byte(`{"city":"Oslo"}`)
	if err := store.Put(ctx, "weather", "last-location", value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "weather", "last-location")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get = %q, want %q", got, value)
	}

	if err := store.Delete(ctx, "weather", "last-location"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "weather", "last-location"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "weather", "last-location"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestAccessRequiresGrant(t *testing.T) {
	store, _, _ := openTestStore(t, 0)
	ctx := context.Background()

	err := store.Put(ctx, "weather", "k", []byte("v"))
	var denied *permission.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Put without grant = %v, want PermissionDeniedError", err)
	}
	if _, err := store.Get(ctx, "weather", "k"); !errors.As(err, &denied) {
		t.Errorf("Get without grant = %v", err)
	}
	if _, err := store.Keys(ctx, "weather"); !errors.As(err, &denied) {
		t.Errorf("Keys without grant = %v", err)
	}
}

func TestValuesEncryptedAtRest(t *testing.T) {
	store, gate, dir := openTestStore(t, 0)
	gate.grant("weather")
	ctx := context.Background()

	secret := []byte("coordinates 59.91,10.75")
	if err := store.Put(ctx, "weather", "home", secret); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	// The raw database file must not contain the plaintext. WAL content
	// is checkpointed into the main file on close.
	for _, name := range []string{"storage.db", "storage.db-wal"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			t.Fatalf("ReadFile %s: %v", name, err)
		}
		if bytes.Contains(raw, secret) {
			t.Errorf("%s contains plaintext value", name)
		}
	}
}

func TestValuesSurviveReopenWithSameKey(t *testing.T) {
	store, gate, dir := openTestStore(t, 0)
	gate.grant("weather")
	ctx := context.Background()

	if err := store.Put(ctx, "weather", "k", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	reopened, err := Open(Config{
		DatabasePath: filepath.Join(dir, "storage.db"),
		KeyPath:      filepath.Join(dir, "storage.key"),
		Permissions:  gate,
		PoolSize:     1,
		Clock:        clock.Fake(time.Unix(2000, 0)),
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "weather", "k")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want v1", got)
	}
}

func TestQuotaEnforced(t *testing.T) {
	store, gate, _ := openTestStore(t, 100)
	gate.grant("weather")
	ctx := context.Background()

	if err := store.Put(ctx, "weather", "a", make([]byte, 60)); err != nil {
		t.Fatalf("Put a: %v", err)
	}

	err := store.Put(ctx, "weather", "b", make([]byte, 60))
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("Put over quota = %v, want QuotaExceededError", err)
	}
	if quota.Used != 60 || quota.Requested != 60 || quota.Limit != 100 {
		t.Errorf("quota error = %+v", quota)
	}

	// Replacing an existing key counts its old size as freed.
	if err := store.Put(ctx, "weather", "a", make([]byte, 90)); err != nil {
		t.Errorf("replace within quota: %v", err)
	}

	used, limit, err := store.Usage(ctx, "weather")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if used != 90 || limit != 100 {
		t.Errorf("usage = %d/%d, want 90/100", used, limit)
	}
}

func TestQuotaIsPerPlugin(t *testing.T) {
	store, gate, _ := openTestStore(t, 100)
	gate.grant("weather")
	gate.grant("notes")
	ctx := context.Background()

	if err := store.Put(ctx, "weather", "a", make([]byte, 80)); err != nil {
		t.Fatalf("Put weather: %v", err)
	}
	if err := store.Put(ctx, "notes", "a", make([]byte, 80)); err != nil {
		t.Errorf("Put notes hit weather's quota: %v", err)
	}
}

func TestNamespacesIsolated(t *testing.T) {
	store, gate, _ := openTestStore(t, 0)
	gate.grant("weather")
	gate.grant("notes")
	ctx := context.Background()

	if err := store.Put(ctx, "weather", "shared-key", []byte("weather")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "notes", "shared-key", []byte("notes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "notes", "shared-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "notes" {
		t.Errorf("Get = %q, want notes", got)
	}

	keys, err := store.Keys(ctx, "weather")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"shared-key"}) {
		t.Errorf("keys = %v", keys)
	}
}

func TestPurgeDropsEverything(t *testing.T) {
	store, gate, _ := openTestStore(t, 0)
	gate.grant("weather")
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Put(ctx, "weather", key, []byte(key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	// Purge runs after revocation, so it must not consult the gate.
	if err := store.Purge(ctx, "weather"); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	keys, err := store.Keys(ctx, "weather")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("keys after purge = %v", keys)
	}
}

func TestKeyValidation(t *testing.T) {
	store, gate, _ := openTestStore(t, 0)
	gate.grant("weather")
	ctx := context.Background()

	if err := store.Put(ctx, "weather", "", []byte("v")); err == nil {
		t.Error("empty key accepted")
	}
	long := string(make([]byte, maxKeyLength+1))
	if err := store.Put(ctx, "weather", long, []byte("v")); err == nil {
		t.Error("oversized key accepted")
	}
}
