// Package orchestrator wires discovery, signaling, peer connections and the
// CRDT sync engine into the one object applications talk to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"hearthsync/crdtsync"
	"hearthsync/crypto"
	"hearthsync/discovery"
	"hearthsync/events"
	"hearthsync/models"
	"hearthsync/network"
	"hearthsync/perf"
	"hearthsync/signaling"
	"hearthsync/storage"
	"hearthsync/transport"
)

const (
	DefaultStatusThrottle     = 100 * time.Millisecond
	DefaultPeerCountDebounce  = 200 * time.Millisecond
	DefaultConnectAttempts    = 3
	DefaultConnectConcurrency = 4
	DefaultReconnectDelay     = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultPeerStateBatch     = 32
	DefaultPeerStateWait      = 2 * time.Second
)

var (
	// ErrDestroyed is returned by Start after Destroy.
	ErrDestroyed = errors.New("orchestrator: destroyed")
)

// Presence is the awareness store the orchestrator writes local presence to.
type Presence interface {
	crdtsync.Awareness
	SetLocalState(state *models.AwarenessState)
}

// PeerStateStore persists observed peers. storage.Store implements it.
type PeerStateStore interface {
	UpsertPeerSyncStates(states []storage.PeerSyncState) error
	RecordSyncCompleted(deviceID string, at time.Time) error
}

// PeerSource reports same-family peers. *discovery.PeerScanner implements it.
type PeerSource interface {
	OnPeerDiscovered(fn func(models.DiscoveredPeer)) func()
	OnPeerLost(fn func(deviceID string)) func()
	OnError(fn func(error)) func()
}

// DiscoveryStarter advertises the local device and starts a peer source. wire
// runs before the first scan so no event is missed.
type DiscoveryStarter func(cfg discovery.Config, wire func(PeerSource)) (stop func(), err error)

// StartMDNS is the default DiscoveryStarter.
func StartMDNS(cfg discovery.Config, wire func(PeerSource)) (func(), error) {
	svc, err := discovery.Start(cfg, func(scanner *discovery.PeerScanner) { wire(scanner) })
	if err != nil {
		return nil, err
	}
	return svc.Stop, nil
}

// Options configures the orchestrator.
type Options struct {
	DeviceID   string
	DeviceName string
	FamilyID   string
	AppVersion string
	// SyncKey signs auth handshakes and signaling. Empty disables signing.
	SyncKey []byte

	Document  crdtsync.Document
	Presence  Presence
	Transport transport.Transport
	// Store records observed peers and sync times when set.
	Store PeerStateStore

	Signaling signaling.Config
	// Discovery carries scan tuning; identity fields are filled in by Start.
	Discovery      discovery.Config
	StartDiscovery DiscoveryStarter

	AuthTimeout       time.Duration
	Debounce          time.Duration
	MaxPendingUpdates int
	MaxPendingBytes   int
	AwarenessThrottle time.Duration

	StatusThrottle     time.Duration
	PeerCountDebounce  time.Duration
	ConnectAttempts    int
	ConnectConcurrency int
	// ReconnectDelay is the first wait before redialing a peer that is still
	// visible after a failed or dropped connection. It doubles per failure up
	// to ReconnectMaxDelay and resets once the peer authenticates.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StartDiscovery == nil {
		o.StartDiscovery = StartMDNS
	}
	if o.StatusThrottle <= 0 {
		o.StatusThrottle = DefaultStatusThrottle
	}
	if o.PeerCountDebounce <= 0 {
		o.PeerCountDebounce = DefaultPeerCountDebounce
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ConnectConcurrency <= 0 {
		o.ConnectConcurrency = DefaultConnectConcurrency
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectMaxDelay < o.ReconnectDelay {
		o.ReconnectMaxDelay = max(DefaultReconnectMaxDelay, o.ReconnectDelay)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) validate() error {
	if o.DeviceID == "" {
		return errors.New("device id is required")
	}
	if o.DeviceName == "" {
		return errors.New("device name is required")
	}
	if o.FamilyID == "" {
		return errors.New("family id is required")
	}
	if o.Document == nil {
		return errors.New("document is required")
	}
	if o.Presence == nil {
		return errors.New("presence store is required")
	}
	return nil
}

// Orchestrator owns every sync component for one device.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger

	lifecycleMu sync.Mutex
	destroyed   bool
	running     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	componentsMu sync.RWMutex
	signaling    *signaling.Server
	network      *network.PeerManager
	engine       *crdtsync.Engine

	connects      *perf.AsyncQueue
	peerStates    *perf.Batcher[storage.PeerSyncState]
	stopDiscovery func()
	unsubscribe   []func()

	statusThrottle    *perf.Throttler
	peerCountDebounce *perf.Debouncer

	discoveredMu sync.RWMutex
	discovered   map[string]models.DiscoveredPeer

	pendingMu sync.Mutex
	pending   map[string]struct{}

	reconnectMu sync.Mutex
	reconnects  map[string]*reconnect

	syncedMu sync.RWMutex
	synced   map[string]bool

	statusMu      sync.Mutex
	lastStatus    models.SyncState
	lastPeerCount int
	lastErr       string
	lastSyncAt    time.Time

	statusFeed    events.Feed[models.SyncStatus]
	peerCountFeed events.Feed[int]
	syncedFeed    events.Feed[crdtsync.SyncCompleted]
	updateFeed    events.Feed[crdtsync.UpdateReceived]
	discoverFeed  events.Feed[models.DiscoveredPeer]
	errorFeed     events.Feed[error]
}

// New validates options. Nothing touches the network until Start.
func New(options Options) (*Orchestrator, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()

	o := &Orchestrator{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "orchestrator").Str("device_id", crypto.ShortID(opts.DeviceID, 8)).Logger(),
		discovered: make(map[string]models.DiscoveredPeer),
		pending:    make(map[string]struct{}),
		reconnects: make(map[string]*reconnect),
		synced:     make(map[string]bool),
		lastStatus: models.SyncStateOffline,
	}
	o.statusThrottle = perf.NewThrottler(opts.StatusThrottle, true, true, o.emitStatus)
	o.peerCountDebounce = perf.NewDebouncer(opts.PeerCountDebounce, o.emitPeerCount)
	return o, nil
}

// Start brings up signaling, the peer manager, the sync engine and discovery.
func (o *Orchestrator) Start() error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.destroyed {
		return ErrDestroyed
	}
	if o.running.Load() {
		return nil
	}

	signer, err := crypto.NewSigner(o.opts.SyncKey)
	if err != nil {
		return err
	}

	sigCfg := o.opts.Signaling
	sigCfg.Logger = o.opts.Logger
	sig, err := signaling.Listen(sigCfg)
	if err != nil {
		return err
	}

	mgr, err := network.NewPeerManager(network.PeerManagerOptions{
		DeviceID:    o.opts.DeviceID,
		DeviceName:  o.opts.DeviceName,
		Transport:   o.opts.Transport,
		Signaler:    sig,
		Signer:      signer,
		AuthTimeout: o.opts.AuthTimeout,
		Logger:      o.opts.Logger,
		Now:         o.opts.Now,
	})
	if err != nil {
		_ = sig.Close()
		return err
	}

	engine, err := crdtsync.NewEngine(crdtsync.Config{
		Document:          o.opts.Document,
		Awareness:         o.opts.Presence,
		Debounce:          o.opts.Debounce,
		MaxPendingUpdates: o.opts.MaxPendingUpdates,
		MaxPendingBytes:   o.opts.MaxPendingBytes,
		AwarenessThrottle: o.opts.AwarenessThrottle,
		Logger:            o.opts.Logger,
		Now:               o.opts.Now,
	})
	if err != nil {
		_ = sig.Close()
		return err
	}

	o.componentsMu.Lock()
	o.signaling = sig
	o.network = mgr
	o.engine = engine
	o.componentsMu.Unlock()

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.connects = perf.NewAsyncQueue(o.opts.ConnectConcurrency, o.reportError)
	if o.opts.Store != nil {
		o.peerStates = perf.NewBatcher(DefaultPeerStateBatch, DefaultPeerStateWait, o.persistPeerStates)
	}
	o.wire()

	discCfg := o.opts.Discovery
	discCfg.DeviceID = o.opts.DeviceID
	discCfg.DeviceName = o.opts.DeviceName
	discCfg.FamilyID = o.opts.FamilyID
	discCfg.AppVersion = o.opts.AppVersion
	discCfg.SignalingPort = sig.Port()
	discCfg.Logger = o.opts.Logger
	stop, err := o.opts.StartDiscovery(discCfg, o.wireDiscovery)
	if err != nil {
		o.teardownLocked()
		return fmt.Errorf("start discovery: %w", err)
	}
	o.stopDiscovery = stop
	o.running.Store(true)

	o.log.Info().Int("signaling_port", sig.Port()).Msg("sync started")
	o.changed()
	return nil
}

// Destroy stops every component, flushes pending CRDT updates and drops all
// listeners and tracked peers. It is safe to call more than once.
func (o *Orchestrator) Destroy() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.destroyed {
		return
	}
	o.destroyed = true
	o.teardownLocked()

	o.statusThrottle.Stop()
	o.peerCountDebounce.Stop()

	o.statusFeed.Clear()
	o.peerCountFeed.Clear()
	o.syncedFeed.Clear()
	o.updateFeed.Clear()
	o.discoverFeed.Clear()
	o.errorFeed.Clear()

	o.log.Info().Msg("sync destroyed")
}

func (o *Orchestrator) teardownLocked() {
	o.running.Store(false)
	for _, unsubscribe := range o.unsubscribe {
		unsubscribe()
	}
	o.unsubscribe = nil
	if o.cancel != nil {
		o.cancel()
	}

	if o.connects != nil {
		o.connects.Close()
	}
	if o.engine != nil {
		o.engine.Close()
	}
	if o.network != nil {
		o.network.CloseAll()
	}
	if o.signaling != nil {
		_ = o.signaling.Close()
	}
	if o.stopDiscovery != nil {
		o.stopDiscovery()
		o.stopDiscovery = nil
	}
	if o.peerStates != nil {
		o.peerStates.Close()
	}

	o.discoveredMu.Lock()
	o.discovered = make(map[string]models.DiscoveredPeer)
	o.discoveredMu.Unlock()
	o.pendingMu.Lock()
	o.pending = make(map[string]struct{})
	o.pendingMu.Unlock()
	o.reconnectMu.Lock()
	for _, r := range o.reconnects {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	o.reconnects = make(map[string]*reconnect)
	o.reconnectMu.Unlock()
	o.syncedMu.Lock()
	o.synced = make(map[string]bool)
	o.syncedMu.Unlock()
}

// SetPresence publishes what the local user is looking at.
func (o *Orchestrator) SetPresence(view, itemID string) {
	o.opts.Presence.SetLocalState(&models.AwarenessState{
		DeviceID:      o.opts.DeviceID,
		DeviceName:    o.opts.DeviceName,
		CurrentView:   view,
		CurrentItemID: itemID,
		LastSeen:      o.opts.Now(),
	})
}

// Status returns the current aggregate status.
func (o *Orchestrator) Status() models.SyncStatus {
	running := o.running.Load()
	var peers []network.PeerInfo
	if mgr := o.manager(); running && mgr != nil {
		peers = mgr.Peers()
	}

	o.syncedMu.RLock()
	synced := make(map[string]bool, len(o.synced))
	for id, ok := range o.synced {
		synced[id] = ok
	}
	o.syncedMu.RUnlock()

	o.statusMu.Lock()
	lastSync, lastErr := o.lastSyncAt, o.lastErr
	o.statusMu.Unlock()

	return deriveStatus(running, peers, synced, lastSync, lastErr)
}

// Peers returns the tracked peer connections.
func (o *Orchestrator) Peers() []network.PeerInfo {
	mgr := o.manager()
	if !o.running.Load() || mgr == nil {
		return nil
	}
	return mgr.Peers()
}

func (o *Orchestrator) manager() *network.PeerManager {
	o.componentsMu.RLock()
	defer o.componentsMu.RUnlock()
	return o.network
}

// DiscoveredPeers returns same-family peers currently visible, ordered by id.
func (o *Orchestrator) DiscoveredPeers() []models.DiscoveredPeer {
	o.discoveredMu.RLock()
	out := make([]models.DiscoveredPeer, 0, len(o.discovered))
	for _, p := range o.discovered {
		out = append(out, p)
	}
	o.discoveredMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// SignalingPort returns the bound signaling port, or 0 before Start.
func (o *Orchestrator) SignalingPort() int {
	o.componentsMu.RLock()
	defer o.componentsMu.RUnlock()
	if o.signaling == nil || !o.running.Load() {
		return 0
	}
	return o.signaling.Port()
}

// OnStatusChange subscribes to throttled aggregate status changes.
func (o *Orchestrator) OnStatusChange(fn func(models.SyncStatus)) func() {
	return o.statusFeed.Subscribe(fn)
}

// OnPeerCountChange subscribes to debounced connected-peer counts.
func (o *Orchestrator) OnPeerCountChange(fn func(int)) func() {
	return o.peerCountFeed.Subscribe(fn)
}

// OnSyncCompleted subscribes to completed initial syncs.
func (o *Orchestrator) OnSyncCompleted(fn func(crdtsync.SyncCompleted)) func() {
	return o.syncedFeed.Subscribe(fn)
}

// OnUpdateReceived subscribes to applied remote updates.
func (o *Orchestrator) OnUpdateReceived(fn func(crdtsync.UpdateReceived)) func() {
	return o.updateFeed.Subscribe(fn)
}

// OnPeerDiscovered subscribes to discovered same-family peers.
func (o *Orchestrator) OnPeerDiscovered(fn func(models.DiscoveredPeer)) func() {
	return o.discoverFeed.Subscribe(fn)
}

// OnError subscribes to non-fatal errors from every layer.
func (o *Orchestrator) OnError(fn func(error)) func() {
	return o.errorFeed.Subscribe(fn)
}

// ListenerCount returns live subscriptions on the orchestrator and on the
// components it drives.
func (o *Orchestrator) ListenerCount() int {
	n := o.statusFeed.Len() + o.peerCountFeed.Len() + o.syncedFeed.Len() +
		o.updateFeed.Len() + o.discoverFeed.Len() + o.errorFeed.Len()

	o.componentsMu.RLock()
	defer o.componentsMu.RUnlock()
	if o.signaling != nil {
		n += o.signaling.ListenerCount()
	}
	if o.network != nil {
		n += o.network.ListenerCount()
	}
	if o.engine != nil {
		n += o.engine.ListenerCount()
	}
	return n
}

func (o *Orchestrator) wire() {
	o.unsubscribe = append(o.unsubscribe,
		o.signaling.OnMessage(o.handleSignal),
		o.signaling.OnClientDisconnected(o.handleSignalingDisconnect),
		o.signaling.OnError(o.reportError),

		o.network.OnAuthenticated(o.handleAuthenticated),
		o.network.OnMessage(func(ev network.ChannelMessage) {
			o.engine.HandleMessage(ev.DeviceID, ev.Message)
		}),
		o.network.OnStateChange(o.handleStateChange),
		o.network.OnAuthenticationFailed(func(ev network.AuthFailure) {
			o.reportError(fmt.Errorf("authentication with %s failed: %s", ev.DeviceID, ev.Reason))
		}),

		o.engine.OnSyncCompleted(o.handleSyncCompleted),
		o.engine.OnUpdateReceived(o.updateFeed.Dispatch),
		o.engine.OnError(o.reportError),
	)
}

func (o *Orchestrator) wireDiscovery(source PeerSource) {
	o.unsubscribe = append(o.unsubscribe,
		source.OnPeerDiscovered(o.handlePeerDiscovered),
		source.OnPeerLost(o.handlePeerLost),
		source.OnError(o.reportError),
	)
}

func (o *Orchestrator) handlePeerDiscovered(peer models.DiscoveredPeer) {
	o.discoveredMu.Lock()
	o.discovered[peer.DeviceID] = peer
	o.discoveredMu.Unlock()

	if o.peerStates != nil {
		host, port := peer.Host, peer.Port
		o.peerStates.Add(storage.PeerSyncState{
			DeviceID:   peer.DeviceID,
			DeviceName: peer.DeviceName,
			LastHost:   &host,
			LastPort:   &port,
			LastSeenAt: o.opts.Now().UnixMilli(),
		})
	}
	o.discoverFeed.Dispatch(peer)
	o.changed()

	if !network.ShouldInitiate(o.opts.DeviceID, peer.DeviceID) {
		o.log.Debug().Str("peer", peer.DeviceID).Msg("waiting for remote offer")
		return
	}
	o.startConnect(peer)
}

// startConnect queues a connect unless one is pending or the peer is tracked.
// A failed attempt schedules a reconnect.
func (o *Orchestrator) startConnect(peer models.DiscoveredPeer) {
	if _, tracked := o.network.Peer(peer.DeviceID); tracked {
		return
	}
	if !o.markPending(peer.DeviceID) {
		return
	}

	if err := o.connects.Submit(func(ctx context.Context) error {
		err := o.connect(ctx, peer)
		o.clearPending(peer.DeviceID)
		if err != nil {
			o.scheduleReconnect(peer.DeviceID)
		}
		return err
	}); err != nil {
		o.clearPending(peer.DeviceID)
	}
}

type reconnect struct {
	policy *backoff.ExponentialBackOff
	timer  *time.Timer
}

// scheduleReconnect redials deviceID after a growing delay while it is still
// discovered and this device is the initiator.
func (o *Orchestrator) scheduleReconnect(deviceID string) {
	if !o.running.Load() || !network.ShouldInitiate(o.opts.DeviceID, deviceID) {
		return
	}
	if _, visible := o.discoveredPeer(deviceID); !visible {
		return
	}

	o.reconnectMu.Lock()
	defer o.reconnectMu.Unlock()
	r, ok := o.reconnects[deviceID]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = o.opts.ReconnectDelay
		policy.MaxInterval = o.opts.ReconnectMaxDelay
		policy.MaxElapsedTime = 0
		policy.Reset()
		r = &reconnect{policy: policy}
		o.reconnects[deviceID] = r
	}
	if r.timer != nil {
		return
	}

	delay := r.policy.NextBackOff()
	o.log.Debug().Str("peer", deviceID).Dur("delay", delay).Msg("scheduling reconnect")
	r.timer = time.AfterFunc(delay, func() {
		o.reconnectMu.Lock()
		if current, ok := o.reconnects[deviceID]; ok && current == r {
			r.timer = nil
		}
		o.reconnectMu.Unlock()

		if !o.running.Load() {
			return
		}
		if peer, visible := o.discoveredPeer(deviceID); visible {
			o.startConnect(peer)
		}
	})
}

// resetReconnect clears the backoff for deviceID once it is connected or gone.
func (o *Orchestrator) resetReconnect(deviceID string) {
	o.reconnectMu.Lock()
	defer o.reconnectMu.Unlock()
	if r, ok := o.reconnects[deviceID]; ok {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(o.reconnects, deviceID)
	}
}

func (o *Orchestrator) discoveredPeer(deviceID string) (models.DiscoveredPeer, bool) {
	o.discoveredMu.RLock()
	defer o.discoveredMu.RUnlock()
	peer, ok := o.discovered[deviceID]
	return peer, ok
}

// connect dials the peer's signaling endpoint, retrying with exponential
// backoff, then sends the offer.
func (o *Orchestrator) connect(ctx context.Context, peer models.DiscoveredPeer) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return nil
		}
		attempt++
		err := o.signaling.ConnectTo(ctx, peer.Host, peer.Port, peer.DeviceID)
		if err != nil {
			o.log.Debug().Err(err).Str("peer", peer.DeviceID).Int("attempt", attempt).Msg("signaling connect failed")
		}
		return err
	}, backoff.WithMaxRetries(policy, uint64(o.opts.ConnectAttempts-1)))
	if err != nil {
		return fmt.Errorf("connect signaling to %s after %d attempts: %w", peer.DeviceID, attempt, err)
	}
	if ctx.Err() != nil {
		return nil
	}

	if err := o.network.CreateOffer(ctx, peer.DeviceID, peer.DeviceName); err != nil {
		if errors.Is(err, network.ErrConnectionExists) {
			return nil
		}
		return err
	}
	return nil
}

func (o *Orchestrator) handlePeerLost(deviceID string) {
	o.discoveredMu.Lock()
	delete(o.discovered, deviceID)
	o.discoveredMu.Unlock()

	o.log.Info().Str("peer", deviceID).Msg("peer lost, closing connection")
	o.clearPending(deviceID)
	o.resetReconnect(deviceID)
	o.network.Close(deviceID)
	o.changed()
}

func (o *Orchestrator) handleSignal(in signaling.Inbound) {
	msg := in.Message
	if msg.To != o.opts.DeviceID {
		o.log.Debug().Str("from", msg.From).Str("to", msg.To).Msg("ignoring signal for another device")
		return
	}
	if err := o.network.HandleSignal(o.ctx, msg); err != nil {
		o.reportError(fmt.Errorf("handle %s from %s: %w", msg.Type, msg.From, err))
	}
}

// handleSignalingDisconnect closes negotiations that can no longer complete.
// Authenticated peers keep their direct channel.
func (o *Orchestrator) handleSignalingDisconnect(d signaling.Disconnect) {
	if d.DeviceID == "" {
		return
	}
	info, ok := o.network.Peer(d.DeviceID)
	if !ok || info.Status == network.StatusConnected {
		return
	}
	o.log.Info().Str("peer", d.DeviceID).Msg("signaling closed during negotiation")
	o.network.Close(d.DeviceID)
}

func (o *Orchestrator) handleAuthenticated(ev network.Authenticated) {
	o.clearPending(ev.DeviceID)
	o.resetReconnect(ev.DeviceID)
	if err := o.engine.AddPeer(ev.DeviceID, ev.Channel); err != nil {
		o.reportError(fmt.Errorf("start sync with %s: %w", ev.DeviceID, err))
		o.network.Close(ev.DeviceID)
		return
	}
	o.syncedMu.Lock()
	o.synced[ev.DeviceID] = false
	o.syncedMu.Unlock()
	o.changed()
}

func (o *Orchestrator) handleStateChange(ev network.StateChange) {
	if ev.To == network.StatusDisconnected {
		o.engine.RemovePeer(ev.DeviceID)
		o.clearPending(ev.DeviceID)
		o.syncedMu.Lock()
		delete(o.synced, ev.DeviceID)
		o.syncedMu.Unlock()
		o.scheduleReconnect(ev.DeviceID)
	}
	o.changed()
}

func (o *Orchestrator) handleSyncCompleted(ev crdtsync.SyncCompleted) {
	o.syncedMu.Lock()
	if _, ok := o.synced[ev.DeviceID]; ok {
		o.synced[ev.DeviceID] = true
	}
	o.syncedMu.Unlock()

	o.statusMu.Lock()
	if ev.At.After(o.lastSyncAt) {
		o.lastSyncAt = ev.At
	}
	o.statusMu.Unlock()

	o.network.MarkSynced(ev.DeviceID, ev.At)
	if o.opts.Store != nil {
		if err := o.opts.Store.RecordSyncCompleted(ev.DeviceID, ev.At); err != nil {
			o.log.Warn().Err(err).Str("peer", ev.DeviceID).Msg("record sync time")
		}
	}
	o.syncedFeed.Dispatch(ev)
	o.changed()
}

func (o *Orchestrator) persistPeerStates(states []storage.PeerSyncState) {
	if err := o.opts.Store.UpsertPeerSyncStates(states); err != nil {
		o.log.Warn().Err(err).Int("peers", len(states)).Msg("persist peer sync state")
	}
}

func (o *Orchestrator) markPending(deviceID string) bool {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if _, ok := o.pending[deviceID]; ok {
		return false
	}
	o.pending[deviceID] = struct{}{}
	return true
}

func (o *Orchestrator) clearPending(deviceID string) {
	o.pendingMu.Lock()
	delete(o.pending, deviceID)
	o.pendingMu.Unlock()
}

func (o *Orchestrator) reportError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	o.log.Warn().Err(err).Msg("sync error")
	o.statusMu.Lock()
	o.lastErr = err.Error()
	o.statusMu.Unlock()
	o.errorFeed.Dispatch(err)
	o.changed()
}

// changed schedules status and peer-count notifications.
func (o *Orchestrator) changed() {
	o.statusThrottle.Trigger()
	o.peerCountDebounce.Trigger()
}

func (o *Orchestrator) emitStatus() {
	status := o.Status()
	o.statusMu.Lock()
	if status.Status == o.lastStatus {
		o.statusMu.Unlock()
		return
	}
	o.lastStatus = status.Status
	o.statusMu.Unlock()

	o.log.Info().Str("status", string(status.Status)).Int("peers", status.PeerCount).Msg("sync status changed")
	o.statusFeed.Dispatch(status)
}

func (o *Orchestrator) emitPeerCount() {
	count := o.Status().PeerCount
	o.statusMu.Lock()
	if count == o.lastPeerCount {
		o.statusMu.Unlock()
		return
	}
	o.lastPeerCount = count
	o.statusMu.Unlock()

	o.peerCountFeed.Dispatch(count)
}
