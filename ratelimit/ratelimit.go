// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/warden-host/warden/lib/clock"
)

// RateLimitedError reports a rejected admission, with the wait until a
// token would have been available at rejection time.
type RateLimitedError struct {
	Caller     string
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s calling %s (retry after %s)", e.Caller, e.Method, e.RetryAfter)
}

// Policy configures one method's token bucket: a refill rate and a
// burst capacity. Tokens never exceed Burst.
type Policy struct {
	// PerSecond is the refill rate in tokens per second.
	PerSecond float64 `yaml:"per_second"`

	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
}

// Default ingestion policies, taken from the host's log pipeline: a
// cheap method admits 100/s with burst 150, an expensive one (payloads
// carrying exception traces) 50/s with burst 75.
var (
	DefaultLogPolicy       = Policy{PerSecond: 100, Burst: 150}
	DefaultExceptionPolicy = Policy{PerSecond: 50, Burst: 75}
)

// Config holds the limiter's parameters.
type Config struct {
	// Policies maps method name to its admission policy. A method
	// with no policy is admitted unconditionally — not every protocol
	// method is flood-prone, and an absent policy must not silently
	// throttle lifecycle traffic.
	Policies map[string]Policy

	// IdleWindow is how long a bucket may sit unused before the sweep
	// evicts it. Zero defaults to 5 minutes.
	IdleWindow time.Duration

	// SweepInterval is the eviction cadence. Zero defaults to 1 minute.
	SweepInterval time.Duration

	// Clock drives refill arithmetic and the sweep. Nil defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives sweep and rejection diagnostics. Nil is silent.
	Logger *slog.Logger

	// OnReject is called after each rejected admission, outside the
	// limiter's lock. The host wires this to the audit trail so a
	// rejection is recorded, never silently dropped.
	OnReject func(caller, method string)
}

// Limiter is a keyed token-bucket admission controller. Every inbound
// call from an untrusted process passes through Allow before any
// business logic or persistence runs.
//
// Buckets are created lazily per (caller, method) and evicted after
// the idle window so the table cannot grow without bound. Check and
// deduct are atomic under the limiter's lock.
type Limiter struct {
	policies      map[string]Policy
	idleWindow    time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	onReject      func(caller, method string)

	mu         sync.Mutex
	buckets    map[bucketKey]*bucket
	violations map[bucketKey]uint64
}

type bucketKey struct {
	caller string
	method string
}

type bucket struct {
	limiter    *rate.Limiter
	lastActive time.Time
}

// New creates a Limiter. Call Run to start the eviction sweep.
func New(cfg Config) *Limiter {
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Limiter{
		policies:      cfg.Policies,
		idleWindow:    cfg.IdleWindow,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		onReject:      cfg.OnReject,
		buckets:       make(map[bucketKey]*bucket),
		violations:    make(map[bucketKey]uint64),
	}
}

// Allow attempts to admit one call for (caller, method). Refill is
// lazy, computed from the elapsed wall-clock time since the bucket's
// last refill; the check-and-deduct is atomic. A method without a
// policy is always admitted.
func (l *Limiter) Allow(caller, method string) bool {
	policy, limited := l.policies[method]
	if !limited {
		return true
	}

	key := bucketKey{caller: caller, method: method}
	now := l.clock.Now()

	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucket{limiter: rate.NewLimiter(rate.Limit(policy.PerSecond), policy.Burst)}
		l.buckets[key] = entry
	}
	entry.lastActive = now
	allowed := entry.limiter.AllowN(now, 1)
	if !allowed {
		l.violations[key]++
	}
	l.mu.Unlock()

	if !allowed {
		l.logger.Debug("call rejected by rate limit", "caller", caller, "method", method)
		if l.onReject != nil {
			l.onReject(caller, method)
		}
	}
	return allowed
}

// Admit is Allow with a typed rejection: nil when the call is
// admitted, a *RateLimitedError carrying the retry hint otherwise.
func (l *Limiter) Admit(caller, method string) error {
	if l.Allow(caller, method) {
		return nil
	}
	return &RateLimitedError{
		Caller:     caller,
		Method:     method,
		RetryAfter: l.RetryAfter(caller, method),
	}
}

// RetryAfter reports how long (caller, method) must wait before one
// token becomes available. Diagnostic only — nothing enforces the
// returned duration. Zero means a call would be admitted now.
func (l *Limiter) RetryAfter(caller, method string) time.Duration {
	if _, limited := l.policies[method]; !limited {
		return 0
	}

	key := bucketKey{caller: caller, method: method}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.buckets[key]
	if !ok {
		return 0
	}
	reservation := entry.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	// The reservation was only a probe; hand the token back.
	reservation.CancelAt(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// Violations returns the rejection count for (caller, method) since
// its bucket was last created. Evicted along with the bucket.
func (l *Limiter) Violations(caller, method string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations[bucketKey{caller: caller, method: method}]
}

// BucketCount returns the live bucket count, for tests and metrics.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep evicts buckets (and their violation counters) idle past the
// window.
func (l *Limiter) sweep() {
	cutoff := l.clock.Now().Add(-l.idleWindow)

	l.mu.Lock()
	evicted := 0
	for key, entry := range l.buckets {
		if entry.lastActive.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.violations, key)
			evicted++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	if evicted > 0 {
		l.logger.Debug("swept idle rate buckets", "evicted", evicted, "remaining", remaining)
	}
}
