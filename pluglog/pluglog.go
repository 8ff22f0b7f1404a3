// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package pluglog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warden-host/warden/lib/clock"
	"github.com/warden-host/warden/ratelimit"
	"github.com/warden-host/warden/wire"
)

// Admission method names. A record carrying an exception trace is
// admitted under the tighter policy: traces are large and a crash loop
// emits them in floods.
const (
	MethodLog       = "submit-log"
	MethodException = "submit-exception"
)

// Entry is one persisted log record.
type Entry struct {
	PluginID  string
	Level     string
	Tag       string
	Message   string
	Exception string
	Timestamp time.Time
}

// Config configures an Ingestor.
type Config struct {
	// DatabasePath is the SQLite file holding the log table. Required.
	DatabasePath string

	// PoolSize is the SQLite connection pool size. Zero defaults.
	PoolSize int

	// Policies overrides the admission policies. Nil installs
	// ratelimit.DefaultLogPolicy / DefaultExceptionPolicy.
	Policies map[string]ratelimit.Policy

	// OnReject is forwarded to the limiter; the host wires it to the
	// permission audit trail.
	OnReject func(caller, method string)

	// Clock stamps records and drives the limiter. Required.
	Clock clock.Clock

	// Logger receives ingestion diagnostics. Nil means silent.
	Logger *slog.Logger
}

// Ingestor persists plugin log records, admission-controlled per
// (plugin, method). A sandbox flooding its log channel loses records;
// it cannot fill the host's disk or starve other plugins' buckets.
type Ingestor struct {
	store   *store
	limiter *ratelimit.Limiter
	clock   clock.Clock
	logger  *slog.Logger
}

// Open creates the Ingestor and its database. The caller must Close
// it, and should run Run for bucket eviction.
func Open(cfg Config) (*Ingestor, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("pluglog: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policies := cfg.Policies
	if policies == nil {
		policies = map[string]ratelimit.Policy{
			MethodLog:       ratelimit.DefaultLogPolicy,
			MethodException: ratelimit.DefaultExceptionPolicy,
		}
	}

	store, err := openStore(cfg.DatabasePath, cfg.PoolSize, logger)
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		store: store,
		limiter: ratelimit.New(ratelimit.Config{
			Policies: policies,
			Clock:    cfg.Clock,
			Logger:   logger,
			OnReject: cfg.OnReject,
		}),
		clock:  cfg.Clock,
		logger: logger,
	}, nil
}

// Close releases the database pool.
func (i *Ingestor) Close() error {
	return i.store.close()
}

// Run drives the limiter's bucket eviction until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	i.limiter.Run(ctx)
}

// Submit admits and persists one record. The plugin ID used for
// admission is the authenticated one passed by the caller; the payload
// carries it only for display. Rejection returns
// *ratelimit.RateLimitedError and persists nothing.
func (i *Ingestor) Submit(ctx context.Context, pluginID string, record *wire.SubmitLogPayload) error {
	method := MethodLog
	if record.Exception != "" {
		method = MethodException
	}
	if err := i.limiter.Admit(pluginID, method); err != nil {
		return err
	}

	entry := Entry{
		PluginID:  pluginID,
		Level:     record.Level,
		Tag:       record.Tag,
		Message:   record.Message,
		Exception: record.Exception,
		Timestamp: i.clock.Now(),
	}
	if err := i.store.append(ctx, entry); err != nil {
		return fmt.Errorf("pluglog: submit from %s: %w", pluginID, err)
	}
	return nil
}

// Violations reports the rejection count for one plugin and method.
func (i *Ingestor) Violations(pluginID, method string) uint64 {
	return i.limiter.Violations(pluginID, method)
}

// Entries returns a plugin's records, newest first. Level filters when
// non-empty; limit caps the result (zero means 100).
func (i *Ingestor) Entries(ctx context.Context, pluginID, level string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := i.store.entries(ctx, pluginID, level, limit)
	if err != nil {
		return nil, fmt.Errorf("pluglog: entries for %s: %w", pluginID, err)
	}
	return entries, nil
}

// Prune deletes records older than the cutoff, returning the count
// removed. Retention is the daemon's call, not the ingestor's.
func (i *Ingestor) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := i.store.prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pluglog: prune: %w", err)
	}
	if removed > 0 {
		i.logger.Info("log records pruned", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
