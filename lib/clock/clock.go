// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations for testability. Production code
// injects Real(); tests inject Fake() and drive time with Advance.
//
// Anything in Warden that calls time.Now, time.After, time.NewTicker,
// or time.Sleep takes a Clock instead, either as a parameter or as a
// field on its Config struct. This is what makes the supervisor's
// health-check cadence and the rate limiter's sweep deterministic
// under test.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. C is buffered with capacity 1 — ticks are dropped
// rather than queued when the consumer falls behind, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }
