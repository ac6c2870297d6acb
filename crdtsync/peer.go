package crdtsync

import (
	"sync"
	"time"
)

// syncPeer is one peer's sync record plus the serial worker that runs its
// protocol steps in arrival order, off the channel's read goroutine.
type syncPeer struct {
	deviceID string
	channel  Channel

	mu         sync.Mutex
	synced     bool
	lastSyncAt time.Time

	work     chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSyncPeer(deviceID string, channel Channel) *syncPeer {
	p := &syncPeer{
		deviceID: deviceID,
		channel:  channel,
		work:     make(chan func(), peerQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// run executes steps in order. After stop it drains what is already queued.
func (p *syncPeer) run() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.work:
			fn()
		case <-p.quit:
			for {
				select {
				case fn := <-p.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue schedules fn on the worker. A full queue applies back-pressure
// until the worker catches up or the peer is stopped; no lock is held while
// waiting. It reports false once the peer is stopped.
func (p *syncPeer) enqueue(fn func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.work <- fn:
		return true
	case <-p.quit:
		return false
	}
}

// stop ends the worker after the queued steps drain. It does not wait.
func (p *syncPeer) stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

// wait blocks until the worker has drained or timeout elapses, and reports
// whether it drained.
func (p *syncPeer) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *syncPeer) isSynced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// markSynced records a completed sync and reports whether it was the first.
func (p *syncPeer) markSynced(at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	first := !p.synced
	p.synced = true
	p.lastSyncAt = at
	return first
}

func (p *syncPeer) snapshot() SyncPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SyncPeer{DeviceID: p.deviceID, Synced: p.synced, LastSyncAt: p.lastSyncAt}
}
