package perf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("perf: async queue closed")

// Task is one unit of work run by an AsyncQueue.
type Task func(ctx context.Context) error

// AsyncQueue runs submitted tasks with at most concurrency of them in flight.
type AsyncQueue struct {
	sem     *semaphore.Weighted
	onError func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	pending atomic.Int64
	running atomic.Int64
}

// NewAsyncQueue builds a queue. onError receives task errors and may be nil.
func NewAsyncQueue(concurrency int, onError func(error)) *AsyncQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncQueue{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit schedules task. Tasks waiting for a slot are abandoned when the queue closes.
func (q *AsyncQueue) Submit(task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.pending.Add(1)
	go func() {
		defer q.wg.Done()

		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			q.pending.Add(-1)
			return
		}
		defer q.sem.Release(1)

		q.pending.Add(-1)
		q.running.Add(1)
		defer q.running.Add(-1)

		if err := task(q.ctx); err != nil && q.onError != nil {
			q.onError(err)
		}
	}()
	return nil
}

// Pending returns the number of tasks waiting for a slot.
func (q *AsyncQueue) Pending() int {
	return int(q.pending.Load())
}

// Running returns the number of tasks currently executing.
func (q *AsyncQueue) Running() int {
	return int(q.running.Load())
}

// Wait blocks until every submitted task has finished or been abandoned.
func (q *AsyncQueue) Wait() {
	q.wg.Wait()
}

// Close cancels the queue context, rejects new tasks and waits for running ones.
func (q *AsyncQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
