package perf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, d.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncerFlushRunsImmediately(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(time.Hour, func() { calls.Add(1) })

	d.Flush()
	assert.Zero(t, calls.Load(), "flush without pending call must not run")

	d.Trigger()
	d.Flush()
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, d.Pending())
}

func TestDebouncerStopIgnoresTriggers(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() { calls.Add(1) })
	d.Trigger()
	d.Stop()
	d.Trigger()

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestThrottlerLeadingAndTrailing(t *testing.T) {
	var calls atomic.Int32
	th := NewThrottler(40*time.Millisecond, true, true, func() { calls.Add(1) })

	th.Trigger()
	assert.Equal(t, int32(1), calls.Load(), "leading call runs synchronously")

	for i := 0; i < 5; i++ {
		th.Trigger()
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, th.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestThrottlerTrailingOnly(t *testing.T) {
	var calls atomic.Int32
	th := NewThrottler(20*time.Millisecond, false, true, func() { calls.Add(1) })

	th.Trigger()
	th.Trigger()
	assert.Zero(t, calls.Load())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestThrottlerCancelDropsTrailing(t *testing.T) {
	var calls atomic.Int32
	th := NewThrottler(20*time.Millisecond, true, true, func() { calls.Add(1) })
	th.Trigger()
	th.Trigger()
	th.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBatcherFlushesOnSize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int
	b := NewBatcher(3, time.Hour, func(items []int) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, items)
	})

	for i := 1; i <= 7; i++ {
		b.Add(i)
	}
	mu.Lock()
	require.Len(t, batches, 2)
	assert.Equal(t, []int{1, 2, 3}, batches[0])
	assert.Equal(t, []int{4, 5, 6}, batches[1])
	mu.Unlock()
	assert.Equal(t, 1, b.Len())

	b.Close()
	assert.False(t, b.Add(8))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 3)
	assert.Equal(t, []int{7}, batches[2])
}

func TestBatcherFlushesOnWait(t *testing.T) {
	var flushed atomic.Int32
	b := NewBatcher(100, 20*time.Millisecond, func(items []string) {
		flushed.Add(int32(len(items)))
	})
	b.Add("a")
	b.Add("b")

	require.Eventually(t, func() bool { return flushed.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAsyncQueueBoundsConcurrency(t *testing.T) {
	q := NewAsyncQueue(2, nil)
	defer q.Close()

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, q.Submit(func(ctx context.Context) error {
			n := inFlight.Add(1)
			for {
				current := maxInFlight.Load()
				if n <= current || maxInFlight.CompareAndSwap(current, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		}))
	}

	require.Eventually(t, func() bool { return q.Running() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, q.Pending())
	close(release)
	q.Wait()
	assert.Equal(t, int32(2), maxInFlight.Load())
}

func TestAsyncQueueReportsErrorsAndRejectsAfterClose(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	q := NewAsyncQueue(1, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	})

	boom := errors.New("boom")
	require.NoError(t, q.Submit(func(context.Context) error { return boom }))
	q.Wait()
	q.Close()

	mu.Lock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	mu.Unlock()
	assert.ErrorIs(t, q.Submit(func(context.Context) error { return nil }), ErrQueueClosed)
}

func TestRateLimiterBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 3)
	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	unlimited := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow())
	}
}
