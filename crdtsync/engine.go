// Package crdtsync runs the document reconciliation protocol over
// authenticated peer channels: state vector exchange, diff delivery,
// coalesced incremental updates and throttled presence.
package crdtsync

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hearthsync/events"
	"hearthsync/metrics"
	"hearthsync/perf"
	"hearthsync/protocol"
)

const (
	DefaultDebounce          = 100 * time.Millisecond
	DefaultMaxPendingUpdates = 50
	DefaultMaxPendingBytes   = 1 << 20
	DefaultAwarenessThrottle = 200 * time.Millisecond

	peerQueueSize = 128
	// closeDrainTimeout bounds how long Close waits for each peer's final sends.
	closeDrainTimeout = 2 * time.Second
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("crdtsync: engine closed")

// Config configures the engine.
type Config struct {
	Document  Document
	Awareness Awareness

	Debounce          time.Duration
	MaxPendingUpdates int
	MaxPendingBytes   int
	AwarenessThrottle time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxPendingUpdates <= 0 {
		c.MaxPendingUpdates = DefaultMaxPendingUpdates
	}
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if c.AwarenessThrottle <= 0 {
		c.AwarenessThrottle = DefaultAwarenessThrottle
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// SyncPeer is a snapshot of one peer's sync record.
type SyncPeer struct {
	DeviceID   string
	Synced     bool
	LastSyncAt time.Time
}

// SyncCompleted is emitted when a peer's initial diff has been applied.
type SyncCompleted struct {
	DeviceID string
	At       time.Time
}

// UpdateReceived is emitted after an incremental update from a peer is applied.
type UpdateReceived struct {
	DeviceID string
	Size     int
}

// Engine synchronizes one document with any number of peers.
type Engine struct {
	cfg Config
	log zerolog.Logger

	peersMu sync.RWMutex
	peers   map[string]*syncPeer

	pendingMu    sync.Mutex
	pending      [][]byte
	pendingBytes int
	debouncer    *perf.Debouncer

	awarenessMu      sync.Mutex
	awarenessPending []byte
	awarenessSend    *perf.Throttler

	unsubscribe []func()

	closeOnce sync.Once
	closed    chan struct{}

	syncedFeed  events.Feed[SyncCompleted]
	updatedFeed events.Feed[UpdateReceived]
	errorsFeed  events.Feed[error]
}

// NewEngine subscribes to the document and awareness store.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Document == nil {
		return nil, errors.New("document is required")
	}
	if cfg.Awareness == nil {
		return nil, errors.New("awareness is required")
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "crdtsync").Logger(),
		peers:  make(map[string]*syncPeer),
		closed: make(chan struct{}),
	}
	e.debouncer = perf.NewDebouncer(cfg.Debounce, func() { e.flush("debounce") })
	e.awarenessSend = perf.NewThrottler(cfg.AwarenessThrottle, true, true, e.sendAwareness)

	e.unsubscribe = append(e.unsubscribe,
		cfg.Document.OnUpdate(e.onLocalUpdate),
		cfg.Awareness.OnChange(e.onAwarenessChange),
	)
	return e, nil
}

// OnSyncCompleted subscribes to completed initial syncs.
func (e *Engine) OnSyncCompleted(fn func(SyncCompleted)) func() { return e.syncedFeed.Subscribe(fn) }

// OnUpdateReceived subscribes to applied remote updates.
func (e *Engine) OnUpdateReceived(fn func(UpdateReceived)) func() { return e.updatedFeed.Subscribe(fn) }

// OnError subscribes to per-message processing errors.
func (e *Engine) OnError(fn func(error)) func() { return e.errorsFeed.Subscribe(fn) }

// ListenerCount returns the number of subscribed listeners across all feeds.
func (e *Engine) ListenerCount() int {
	return e.syncedFeed.Len() + e.updatedFeed.Len() + e.errorsFeed.Len()
}

// AddPeer starts syncing with deviceID over channel: it sends our state vector
// and our known presence. A previous record for the device is replaced.
func (e *Engine) AddPeer(deviceID string, channel Channel) error {
	if e.isClosed() {
		return ErrClosed
	}

	p := newSyncPeer(deviceID, channel)
	e.peersMu.Lock()
	old := e.peers[deviceID]
	e.peers[deviceID] = p
	e.peersMu.Unlock()
	if old != nil {
		old.stop()
	}

	p.enqueue(func() {
		e.sendStepOne(p)
		update, err := e.cfg.Awareness.EncodeUpdate(nil)
		if err != nil {
			e.reportError(err)
			return
		}
		e.send(p, protocol.Awareness{Update: update})
	})
	e.log.Debug().Str("peer", deviceID).Msg("sync peer added")
	return nil
}

// RemovePeer forgets deviceID. Nothing is sent to the peer.
func (e *Engine) RemovePeer(deviceID string) {
	e.peersMu.Lock()
	p, ok := e.peers[deviceID]
	delete(e.peers, deviceID)
	e.peersMu.Unlock()
	if ok {
		p.stop()
		e.log.Debug().Str("peer", deviceID).Msg("sync peer removed")
	}
}

// Peer returns a snapshot of deviceID's sync record.
func (e *Engine) Peer(deviceID string) (SyncPeer, bool) {
	e.peersMu.RLock()
	p, ok := e.peers[deviceID]
	e.peersMu.RUnlock()
	if !ok {
		return SyncPeer{}, false
	}
	return p.snapshot(), true
}

// Peers returns snapshots of every sync record.
func (e *Engine) Peers() []SyncPeer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]SyncPeer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.snapshot())
	}
	return out
}

// PendingUpdates returns the number of queued local updates.
func (e *Engine) PendingUpdates() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// HandleMessage processes a channel message from deviceID on that peer's
// worker, preserving arrival order. Messages from unknown peers and
// non-sync messages are ignored.
func (e *Engine) HandleMessage(deviceID string, msg protocol.Message) {
	e.peersMu.RLock()
	p, ok := e.peers[deviceID]
	e.peersMu.RUnlock()
	if !ok || e.isClosed() {
		return
	}

	switch typed := msg.(type) {
	case protocol.SyncStep1:
		p.enqueue(func() { e.handleStepOne(p, typed.StateVector) })
	case protocol.SyncStep2:
		p.enqueue(func() { e.handleStepTwo(p, typed.Update) })
	case protocol.Update:
		p.enqueue(func() { e.handleUpdate(p, typed.Update) })
	case protocol.Awareness:
		p.enqueue(func() {
			if err := e.cfg.Awareness.ApplyUpdate(typed.Update, RemoteOrigin{DeviceID: p.deviceID}); err != nil {
				e.log.Debug().Err(err).Str("peer", p.deviceID).Msg("ignoring awareness update")
			}
		})
	}
}

// HandleRaw decodes raw channel bytes and processes them like HandleMessage.
func (e *Engine) HandleRaw(deviceID string, raw []byte) {
	e.HandleMessage(deviceID, protocol.DecodeChannelMessage(raw))
}

// Flush sends queued local updates immediately.
func (e *Engine) Flush() {
	e.flush("forced")
}

// Close flushes pending updates, cancels timers, drops every peer and
// unsubscribes from the document and awareness store. It returns once every
// peer's queued sends are written or closeDrainTimeout elapses. It is idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		for _, unsubscribe := range e.unsubscribe {
			unsubscribe()
		}
		e.debouncer.Stop()
		e.awarenessSend.Stop()
		e.flush("close")
		close(e.closed)

		e.peersMu.Lock()
		peers := e.peers
		e.peers = make(map[string]*syncPeer)
		e.peersMu.Unlock()
		for _, p := range peers {
			p.stop()
		}
		for _, p := range peers {
			if !p.wait(closeDrainTimeout) {
				e.log.Warn().Str("peer", p.deviceID).Msg("peer worker did not drain before close")
			}
		}

		e.syncedFeed.Clear()
		e.updatedFeed.Clear()
		e.errorsFeed.Clear()
	})
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Engine) handleStepOne(p *syncPeer, stateVector []byte) {
	diff, err := e.cfg.Document.EncodeStateAsUpdate(stateVector)
	if err != nil {
		e.log.Debug().Err(err).Str("peer", p.deviceID).Msg("ignoring unusable state vector")
		return
	}
	e.send(p, protocol.SyncStep2{Update: diff})

	// Answer with our own vector until the peer's diff has arrived; once synced
	// the exchange is complete and repeating it would ping-pong forever.
	if !p.isSynced() {
		e.sendStepOne(p)
	}
}

func (e *Engine) handleStepTwo(p *syncPeer, update []byte) {
	if err := e.cfg.Document.ApplyUpdate(update, RemoteOrigin{DeviceID: p.deviceID}); err != nil {
		e.reportError(err)
		return
	}

	at := e.cfg.Now()
	first := p.markSynced(at)
	metrics.SyncCompleted()
	if first {
		e.log.Info().Str("peer", p.deviceID).Msg("initial sync completed")
	}
	e.syncedFeed.Dispatch(SyncCompleted{DeviceID: p.deviceID, At: at})
}

func (e *Engine) handleUpdate(p *syncPeer, update []byte) {
	if err := e.cfg.Document.ApplyUpdate(update, RemoteOrigin{DeviceID: p.deviceID}); err != nil {
		e.reportError(err)
		return
	}
	e.updatedFeed.Dispatch(UpdateReceived{DeviceID: p.deviceID, Size: len(update)})
}

func (e *Engine) sendStepOne(p *syncPeer) {
	e.send(p, protocol.SyncStep1{StateVector: e.cfg.Document.EncodeStateVector()})
}

func (e *Engine) onLocalUpdate(update []byte, origin any) {
	if _, remote := origin.(RemoteOrigin); remote {
		return
	}

	e.pendingMu.Lock()
	e.pending = append(e.pending, update)
	e.pendingBytes += len(update)
	force := len(e.pending) >= e.cfg.MaxPendingUpdates || e.pendingBytes >= e.cfg.MaxPendingBytes
	e.pendingMu.Unlock()

	if force {
		e.flush("forced")
		return
	}
	e.debouncer.Trigger()
}

// flush merges every queued local update into one UPDATE for each synced peer.
func (e *Engine) flush(trigger string) {
	if trigger != "debounce" {
		e.debouncer.Cancel()
	}

	e.pendingMu.Lock()
	queued := e.pending
	e.pending = nil
	e.pendingBytes = 0
	e.pendingMu.Unlock()

	if len(queued) == 0 {
		return
	}

	merged, err := e.cfg.Document.MergeUpdates(queued)
	if err != nil {
		e.reportError(err)
		return
	}
	metrics.UpdateFlushed(trigger)

	for _, p := range e.snapshotPeers() {
		if !p.isSynced() || !p.channel.IsOpen() {
			continue
		}
		p.enqueue(func() { e.send(p, protocol.Update{Update: merged}) })
	}
}

func (e *Engine) onAwarenessChange(clients []uint64, origin any) {
	if _, remote := origin.(RemoteOrigin); remote {
		return
	}

	update, err := e.cfg.Awareness.EncodeUpdate(clients)
	if err != nil {
		e.reportError(err)
		return
	}
	e.awarenessMu.Lock()
	e.awarenessPending = update
	e.awarenessMu.Unlock()
	e.awarenessSend.Trigger()
}

func (e *Engine) sendAwareness() {
	e.awarenessMu.Lock()
	update := e.awarenessPending
	e.awarenessPending = nil
	e.awarenessMu.Unlock()
	if update == nil {
		return
	}

	for _, p := range e.snapshotPeers() {
		if !p.channel.IsOpen() {
			continue
		}
		p.enqueue(func() { e.send(p, protocol.Awareness{Update: update}) })
	}
}

func (e *Engine) snapshotPeers() []*syncPeer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make([]*syncPeer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

func (e *Engine) send(p *syncPeer, msg protocol.Message) {
	if !p.channel.IsOpen() {
		return
	}
	raw, err := protocol.EncodeChannelMessage(msg, e.cfg.Now())
	if err != nil {
		e.reportError(err)
		return
	}
	if err := p.channel.Send(raw); err != nil {
		e.log.Debug().Err(err).Str("peer", p.deviceID).Str("type", string(msg.Kind())).Msg("send failed")
		return
	}
	metrics.ChannelMessage("out", string(msg.Kind()))
}

func (e *Engine) reportError(err error) {
	e.log.Warn().Err(err).Msg("sync error")
	e.errorsFeed.Dispatch(err)
}
