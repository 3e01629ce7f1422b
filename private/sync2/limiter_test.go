// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IATI/refresher/private/sync2"
)

func TestLimiter_Limiting(t *testing.T) {
	t.Parallel()

	const n, limit = 100, 5

	ctx := context.Background()
	limiter := sync2.NewLimiter(limit)

	var concurrent, maxConcurrent int64
	for i := 0; i < n; i++ {
		started := limiter.Go(ctx, func() {
			current := atomic.AddInt64(&concurrent, 1)
			defer atomic.AddInt64(&concurrent, -1)

			for {
				max := atomic.LoadInt64(&maxConcurrent)
				if current <= max {
					break
				}
				if atomic.CompareAndSwapInt64(&maxConcurrent, max, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
		})
		require.True(t, started)
	}
	limiter.Wait()

	require.LessOrEqual(t, atomic.LoadInt64(&maxConcurrent), int64(limit))
	require.Zero(t, atomic.LoadInt64(&concurrent))
}

func TestLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	limiter := sync2.NewLimiter(1)
	started := limiter.Go(ctx, func() {
		t.Error("should not be called")
	})
	require.False(t, started)
	limiter.Wait()
}

func TestLimiter_AfterClose(t *testing.T) {
	t.Parallel()

	limiter := sync2.NewLimiter(1)
	limiter.Close()

	started := limiter.Go(context.Background(), func() {
		t.Error("should not be called")
	})
	require.False(t, started)
}
