package perf

import (
	"sync"
	"time"
)

// Throttler limits fn to at most one call per interval.
//
// With leading set, the first Trigger of a window runs immediately. With trailing
// set, triggers that land inside an open window collapse into one call at the end
// of the window.
type Throttler struct {
	interval time.Duration
	fn       func()
	leading  bool
	trailing bool

	mu              sync.Mutex
	timer           *time.Timer
	trailingPending bool
	stopped         bool
}

// NewThrottler builds a throttler. At least one of leading or trailing should be set;
// when neither is, trailing is assumed.
func NewThrottler(interval time.Duration, leading, trailing bool, fn func()) *Throttler {
	if !leading && !trailing {
		trailing = true
	}
	return &Throttler{
		interval: interval,
		fn:       fn,
		leading:  leading,
		trailing: trailing,
	}
}

// Trigger requests a call.
func (t *Throttler) Trigger() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	if t.timer != nil {
		if t.trailing {
			t.trailingPending = true
		}
		t.mu.Unlock()
		return
	}

	t.timer = time.AfterFunc(t.interval, t.windowElapsed)
	if !t.leading {
		t.trailingPending = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fn()
}

// Flush runs a pending trailing call immediately.
func (t *Throttler) Flush() {
	t.mu.Lock()
	if !t.trailingPending {
		t.mu.Unlock()
		return
	}
	t.trailingPending = false
	t.mu.Unlock()

	t.fn()
}

// Cancel drops a pending trailing call and closes the current window.
func (t *Throttler) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

// Stop cancels and ignores later triggers.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.stopped = true
}

// Pending reports whether a trailing call is scheduled.
func (t *Throttler) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trailingPending
}

func (t *Throttler) windowElapsed() {
	t.mu.Lock()
	if t.timer == nil || t.stopped {
		t.mu.Unlock()
		return
	}
	if !t.trailingPending {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	t.trailingPending = false
	// The trailing call opens a new window so back-to-back bursts stay spaced.
	t.timer = time.AfterFunc(t.interval, t.windowElapsed)
	t.mu.Unlock()

	t.fn()
}

func (t *Throttler) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.trailingPending = false
}
