// Package perf holds the timing and back-pressure primitives shared by the sync
// components: Debouncer, Throttler, Batcher, AsyncQueue and RateLimiter.
//
// Every primitive is safe for concurrent use. Callbacks run on timer goroutines
// (or on the caller's goroutine for explicit Flush calls), never while an
// internal lock is held.
package perf
