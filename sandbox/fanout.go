// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warden-host/warden/lib/clock"
)

// FanOutResult is the outcome for one fan-out item. Err is non-nil for
// items that failed or timed out; the rest of the batch is unaffected.
type FanOutResult[R any] struct {
	Index int
	Value R
	Err   error
}

// FanOut runs work over items with at most limit in flight and a
// per-item timeout. Slow items are cancelled and reported in their
// result slot; the batch always completes with whatever succeeded.
// Results are positionally aligned with items.
func FanOut[T, R any](ctx context.Context, clk clock.Clock, limit int, timeout time.Duration, items []T, work func(context.Context, T) (R, error)) []FanOutResult[R] {
	if limit <= 0 {
		limit = 1
	}

	results := make([]FanOutResult[R], len(items))

	group := &errgroup.Group{}
	group.SetLimit(limit)

	for index, item := range items {
		group.Go(func() error {
			itemCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			expired := clk.After(timeout)
			go func() {
				select {
				case <-expired:
					cancel()
				case <-itemCtx.Done():
				}
			}()

			value, err := work(itemCtx, item)
			results[index] = FanOutResult[R]{Index: index, Value: value, Err: err}
			return nil
		})
	}

	group.Wait()
	return results
}
