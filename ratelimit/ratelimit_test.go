// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warden-host/warden/lib/clock"
)

func newTestLimiter(fake *clock.FakeClock, policies map[string]Policy) *Limiter {
	return New(Config{
		Policies: policies,
		Clock:    fake,
	})
}

func TestBurstAdmittedThenRejected(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log": {PerSecond: 100, Burst: 150},
	})

	for i := range 150 {
		if !limiter.Allow("plugin-a", "submit-log") {
			t.Fatalf("call %d rejected inside burst", i)
		}
	}
	if limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("call 151 admitted past burst capacity")
	}
	if got := limiter.Violations("plugin-a", "submit-log"); got != 1 {
		t.Errorf("violations = %d, want 1", got)
	}
}

func TestRefillAdmitsExactlyOne(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log": {PerSecond: 100, Burst: 150},
	})

	for range 150 {
		limiter.Allow("plugin-a", "submit-log")
	}
	if limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("admitted with empty bucket")
	}

	// One refill interval restores exactly one token.
	fake.Advance(10 * time.Millisecond)
	if !limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("rejected after refill interval elapsed")
	}
	if limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("second call admitted after a single refill interval")
	}
}

func TestFloodAdmitsBurstRejectsRest(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))

	rejected := 0
	limiter := New(Config{
		Policies: map[string]Policy{"submit-log": DefaultLogPolicy},
		Clock:    fake,
		OnReject: func(caller, method string) { rejected++ },
	})

	admitted := 0
	for range 200 {
		if limiter.Allow("chatty", "submit-log") {
			admitted++
		}
	}

	if admitted != 150 {
		t.Errorf("admitted = %d, want 150", admitted)
	}
	if rejected != 50 {
		t.Errorf("OnReject calls = %d, want 50", rejected)
	}
	if got := limiter.Violations("chatty", "submit-log"); got != 50 {
		t.Errorf("violations = %d, want 50", got)
	}
}

func TestCallersIsolated(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log": {PerSecond: 1, Burst: 1},
	})

	if !limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("plugin-a first call rejected")
	}
	if limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("plugin-a second call admitted")
	}
	// plugin-a exhausting its bucket must not affect plugin-b.
	if !limiter.Allow("plugin-b", "submit-log") {
		t.Fatal("plugin-b rejected by plugin-a's bucket")
	}
}

func TestMethodsIsolated(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log":           {PerSecond: 1, Burst: 1},
		"submit-log-exception": {PerSecond: 1, Burst: 1},
	})

	limiter.Allow("plugin-a", "submit-log")
	if limiter.Allow("plugin-a", "submit-log") {
		t.Fatal("submit-log bucket not exhausted")
	}
	if !limiter.Allow("plugin-a", "submit-log-exception") {
		t.Fatal("exception bucket drained by submit-log traffic")
	}
}

func TestUnlimitedMethodAlwaysAdmitted(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log": {PerSecond: 1, Burst: 1},
	})

	for range 1000 {
		if !limiter.Allow("plugin-a", "push-state") {
			t.Fatal("unlimited method rejected")
		}
	}
	if limiter.BucketCount() != 0 {
		t.Errorf("bucket created for unlimited method")
	}
}

func TestRetryAfter(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log": {PerSecond: 100, Burst: 2},
	})

	if got := limiter.RetryAfter("plugin-a", "submit-log"); got != 0 {
		t.Errorf("RetryAfter before any calls = %v, want 0", got)
	}

	limiter.Allow("plugin-a", "submit-log")
	limiter.Allow("plugin-a", "submit-log")

	got := limiter.RetryAfter("plugin-a", "submit-log")
	if got <= 0 || got > 10*time.Millisecond {
		t.Errorf("RetryAfter with empty bucket = %v, want ~10ms", got)
	}

	// The probe must not consume tokens: after a refill interval, the
	// next call is still admitted.
	fake.Advance(10 * time.Millisecond)
	if !limiter.Allow("plugin-a", "submit-log") {
		t.Error("RetryAfter probe consumed the refilled token")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := New(Config{
		Policies:      map[string]Policy{"submit-log": {PerSecond: 1, Burst: 1}},
		IdleWindow:    time.Minute,
		SweepInterval: time.Minute,
		Clock:         fake,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go limiter.Run(ctx)
	fake.WaitForTimers(1)

	limiter.Allow("idle", "submit-log")
	limiter.Allow("idle", "submit-log") // rejected, counted
	if limiter.BucketCount() != 1 {
		t.Fatalf("bucket count = %d, want 1", limiter.BucketCount())
	}

	// Two sweep intervals: the first observes the bucket inside the
	// idle window, the second evicts it.
	fake.Advance(time.Minute)
	fake.Advance(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for limiter.BucketCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bucket not evicted; count = %d", limiter.BucketCount())
		}
		time.Sleep(time.Millisecond)
	}
	if got := limiter.Violations("idle", "submit-log"); got != 0 {
		t.Errorf("violations survived eviction: %d", got)
	}
}

func TestActiveBucketSurvivesSweep(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := New(Config{
		Policies:      map[string]Policy{"submit-log": {PerSecond: 100, Burst: 150}},
		IdleWindow:    10 * time.Minute,
		SweepInterval: time.Minute,
		Clock:         fake,
	})

	limiter.Allow("busy", "submit-log")
	fake.Advance(time.Minute)
	limiter.sweep()

	if limiter.BucketCount() != 1 {
		t.Errorf("active bucket evicted inside idle window")
	}
}

func TestAdmitReturnsTypedRejection(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	limiter := newTestLimiter(fake, map[string]Policy{
		"submit-log": {PerSecond: 100, Burst: 1},
	})

	if err := limiter.Admit("plugin-a", "submit-log"); err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	err := limiter.Admit("plugin-a", "submit-log")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if limited.Caller != "plugin-a" || limited.Method != "submit-log" {
		t.Errorf("rejection = %+v", limited)
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > 10*time.Millisecond {
		t.Errorf("retry after = %s", limited.RetryAfter)
	}
}
