// Package network manages direct peer connections: transport negotiation over
// signaling, the connection state machine and the application-level auth
// handshake that gates sync traffic.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hearthsync/crypto"
	"hearthsync/events"
	"hearthsync/metrics"
	"hearthsync/protocol"
	"hearthsync/transport"
)

// DefaultAuthTimeout bounds the auth handshake after the data channel opens.
const DefaultAuthTimeout = 10 * time.Second

var (
	// ErrConnectionExists is returned when a live connection to the device is already tracked.
	ErrConnectionExists = errors.New("network: connection already exists")
	// ErrUnknownPeer is returned for signals about a device with no connection record.
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrInvalidSignature is returned for signaling messages failing verification.
	ErrInvalidSignature = errors.New("network: invalid signaling signature")
)

// Signaler delivers signaling messages to a device.
type Signaler interface {
	Send(deviceID string, msg protocol.SignalingMessage) error
}

// PeerManagerOptions configures the peer manager.
type PeerManagerOptions struct {
	DeviceID   string
	DeviceName string

	Transport transport.Transport
	Signaler  Signaler
	// Signer signs auth bodies and signaling messages. Nil disables signing.
	Signer *crypto.Signer

	AuthTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// PeerManager owns every peer connection record and its transport.
type PeerManager struct {
	options PeerManagerOptions
	log     zerolog.Logger

	connMu sync.RWMutex
	conns  map[string]*peerConnection

	stateFeed    events.Feed[StateChange]
	authFeed     events.Feed[Authenticated]
	authFailFeed events.Feed[AuthFailure]
	closedFeed   events.Feed[ChannelClosed]
	messageFeed  events.Feed[ChannelMessage]
}

// NewPeerManager validates options and returns a manager.
func NewPeerManager(options PeerManagerOptions) (*PeerManager, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if options.DeviceName == "" {
		return nil, errors.New("device name is required")
	}
	if options.Signaler == nil {
		return nil, errors.New("signaler is required")
	}
	options.Transport = transport.OrUnavailable(options.Transport)
	if options.Signer == nil {
		options.Signer, _ = crypto.NewSigner(nil)
	}
	if options.AuthTimeout <= 0 {
		options.AuthTimeout = DefaultAuthTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	log := options.Logger.With().Str("component", "network").Str("device_id", crypto.ShortID(options.DeviceID, 8)).Logger()
	if !options.Signer.Enabled() {
		log.Warn().Msg("no sync key configured, peer auth signatures are empty and not enforced")
	}

	return &PeerManager{
		options: options,
		log:     log,
		conns:   make(map[string]*peerConnection),
	}, nil
}

// OnStateChange subscribes to status transitions.
func (m *PeerManager) OnStateChange(fn func(StateChange)) func() { return m.stateFeed.Subscribe(fn) }

// OnAuthenticated subscribes to completed handshakes.
func (m *PeerManager) OnAuthenticated(fn func(Authenticated)) func() { return m.authFeed.Subscribe(fn) }

// OnAuthenticationFailed subscribes to rejected or timed-out handshakes.
func (m *PeerManager) OnAuthenticationFailed(fn func(AuthFailure)) func() {
	return m.authFailFeed.Subscribe(fn)
}

// OnChannelClosed subscribes to transport/channel loss.
func (m *PeerManager) OnChannelClosed(fn func(ChannelClosed)) func() {
	return m.closedFeed.Subscribe(fn)
}

// OnMessage subscribes to non-auth messages from authenticated peers.
func (m *PeerManager) OnMessage(fn func(ChannelMessage)) func() { return m.messageFeed.Subscribe(fn) }

// ListenerCount returns the number of subscribed listeners across all feeds.
func (m *PeerManager) ListenerCount() int {
	return m.stateFeed.Len() + m.authFeed.Len() + m.authFailFeed.Len() + m.closedFeed.Len() + m.messageFeed.Len()
}

// Peer returns a snapshot of the connection to deviceID.
func (m *PeerManager) Peer(deviceID string) (PeerInfo, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	pc, ok := m.conns[deviceID]
	if !ok {
		return PeerInfo{}, false
	}
	return pc.info, true
}

// Peers returns snapshots of every tracked connection.
func (m *PeerManager) Peers() []PeerInfo {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	out := make([]PeerInfo, 0, len(m.conns))
	for _, pc := range m.conns {
		out = append(out, pc.info)
	}
	return out
}

// Count returns the number of tracked connections.
func (m *PeerManager) Count() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

// Channel returns the open data channel of an authenticated peer.
func (m *PeerManager) Channel(deviceID string) (transport.DataChannel, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	pc, ok := m.conns[deviceID]
	if !ok || pc.info.Status != StatusConnected || pc.channel == nil {
		return nil, false
	}
	return pc.channel, true
}

// MarkSynced records the time of the last completed sync with deviceID.
func (m *PeerManager) MarkSynced(deviceID string, at time.Time) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if pc, ok := m.conns[deviceID]; ok {
		pc.info.LastSyncAt = at
	}
}

// CreateOffer opens a connection to deviceID as the initiator: it creates the
// transport peer and the sync data channel, then sends the offer.
func (m *PeerManager) CreateOffer(ctx context.Context, deviceID, deviceName string) error {
	if m.tracked(deviceID) {
		return fmt.Errorf("%w: %s", ErrConnectionExists, deviceID)
	}

	peer, err := m.options.Transport.NewPeer(transport.PeerConfig{RemoteDeviceID: deviceID, Logger: m.log})
	if err != nil {
		return fmt.Errorf("create transport peer for %s: %w", deviceID, err)
	}

	pc := newPeerConnection(deviceID, deviceName, true, peer, m.options.Now())
	if !m.insert(pc) {
		_ = peer.Close()
		return fmt.Errorf("%w: %s", ErrConnectionExists, deviceID)
	}
	m.emitState(deviceID, StatusDisconnected, StatusConnecting)
	m.wirePeer(pc)

	channel, err := peer.CreateDataChannel(transport.DefaultChannelLabel)
	if err != nil {
		return m.abort(pc, fmt.Errorf("create data channel for %s: %w", deviceID, err))
	}
	m.wireChannel(pc, channel)

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return m.abort(pc, fmt.Errorf("create offer for %s: %w", deviceID, err))
	}
	if err := m.sendSignal(protocol.SignalOffer, deviceID, offer); err != nil {
		return m.abort(pc, err)
	}

	m.connMu.Lock()
	pc.offerSent = true
	pending := pc.pendingCandidates
	pc.pendingCandidates = nil
	m.connMu.Unlock()
	for _, c := range pending {
		m.sendCandidate(deviceID, c)
	}

	m.log.Debug().Str("peer", deviceID).Msg("offer sent")
	return nil
}

// HandleSignal processes a signaling message. Messages addressed to another
// device are ignored.
func (m *PeerManager) HandleSignal(ctx context.Context, msg protocol.SignalingMessage) error {
	if msg.To != m.options.DeviceID {
		return nil
	}
	if !m.options.Signer.Verify(msg.SignableBytes(), msg.Signature) {
		return fmt.Errorf("%w: %s from %s", ErrInvalidSignature, msg.Type, msg.From)
	}

	switch msg.Type {
	case protocol.SignalOffer:
		return m.handleOffer(ctx, msg)
	case protocol.SignalAnswer:
		return m.handleAnswer(msg)
	case protocol.SignalICECandidate:
		return m.handleCandidate(msg)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrInvalidMessageType, msg.Type)
	}
}

// Close tears down the connection to deviceID. It is idempotent and always
// emits a transition to disconnected.
func (m *PeerManager) Close(deviceID string) {
	m.connMu.Lock()
	pc, ok := m.conns[deviceID]
	if ok {
		delete(m.conns, deviceID)
	}
	m.connMu.Unlock()

	prev := StatusDisconnected
	if ok {
		prev = m.teardown(pc)
	}
	m.emitState(deviceID, prev, StatusDisconnected)
}

// CloseAll closes every tracked connection.
func (m *PeerManager) CloseAll() {
	m.connMu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.connMu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (m *PeerManager) handleOffer(ctx context.Context, msg protocol.SignalingMessage) error {
	var offer transport.SessionDescription
	if err := msg.DecodePayload(&offer); err != nil {
		return err
	}

	// A fresh offer supersedes whatever we had: the remote restarted its side.
	if m.tracked(msg.From) {
		m.log.Debug().Str("peer", msg.From).Msg("replacing existing connection on new offer")
		m.Close(msg.From)
	}

	peer, err := m.options.Transport.NewPeer(transport.PeerConfig{RemoteDeviceID: msg.From, Logger: m.log})
	if err != nil {
		return fmt.Errorf("create transport peer for %s: %w", msg.From, err)
	}

	pc := newPeerConnection(msg.From, msg.From, false, peer, m.options.Now())
	pc.offerSent = true
	if !m.insert(pc) {
		_ = peer.Close()
		return fmt.Errorf("%w: %s", ErrConnectionExists, msg.From)
	}
	m.emitState(msg.From, StatusDisconnected, StatusConnecting)
	m.wirePeer(pc)
	peer.OnDataChannel(func(channel transport.DataChannel) {
		m.wireChannel(pc, channel)
	})

	if err := peer.SetRemoteDescription(offer); err != nil {
		return m.abort(pc, fmt.Errorf("apply offer from %s: %w", msg.From, err))
	}
	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return m.abort(pc, fmt.Errorf("create answer for %s: %w", msg.From, err))
	}
	if err := m.sendSignal(protocol.SignalAnswer, msg.From, answer); err != nil {
		return m.abort(pc, err)
	}
	return nil
}

func (m *PeerManager) handleAnswer(msg protocol.SignalingMessage) error {
	m.connMu.RLock()
	pc, ok := m.conns[msg.From]
	m.connMu.RUnlock()
	if !ok || !pc.info.Initiator {
		return fmt.Errorf("%w: answer from %s", ErrUnknownPeer, msg.From)
	}

	var answer transport.SessionDescription
	if err := msg.DecodePayload(&answer); err != nil {
		return err
	}
	if err := pc.peer.SetRemoteDescription(answer); err != nil {
		return m.abort(pc, fmt.Errorf("apply answer from %s: %w", msg.From, err))
	}
	return nil
}

func (m *PeerManager) handleCandidate(msg protocol.SignalingMessage) error {
	m.connMu.RLock()
	pc, ok := m.conns[msg.From]
	m.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: candidate from %s", ErrUnknownPeer, msg.From)
	}

	var candidate transport.Candidate
	if err := msg.DecodePayload(&candidate); err != nil {
		return err
	}
	if err := pc.peer.AddCandidate(candidate); err != nil {
		m.log.Debug().Err(err).Str("peer", msg.From).Msg("ignoring unusable candidate")
	}
	return nil
}

func (m *PeerManager) wirePeer(pc *peerConnection) {
	deviceID := pc.info.DeviceID

	pc.peer.OnCandidate(func(c transport.Candidate) {
		m.connMu.Lock()
		if !pc.offerSent {
			pc.pendingCandidates = append(pc.pendingCandidates, c)
			m.connMu.Unlock()
			return
		}
		m.connMu.Unlock()
		m.sendCandidate(deviceID, c)
	})

	pc.peer.OnStateChange(func(state transport.PeerState) {
		switch {
		case state == transport.StateConnected:
			m.setStatus(pc, StatusAuthenticating)
		case state.Terminal():
			m.lose(pc, string(state))
		}
	})
}

func (m *PeerManager) wireChannel(pc *peerConnection, channel transport.DataChannel) {
	m.connMu.Lock()
	if m.conns[pc.info.DeviceID] != pc {
		m.connMu.Unlock()
		_ = channel.Close()
		return
	}
	pc.channel = channel
	m.connMu.Unlock()

	channel.OnMessage(func(raw []byte) { m.handleChannelData(pc, raw) })
	channel.OnClose(func() { m.lose(pc, "channel closed") })
	channel.OnOpen(func() { m.handleChannelOpen(pc) })
}

func (m *PeerManager) handleChannelOpen(pc *peerConnection) {
	m.setStatus(pc, StatusAuthenticating)

	m.connMu.Lock()
	if m.conns[pc.info.DeviceID] != pc || pc.authRequestSent {
		m.connMu.Unlock()
		return
	}
	pc.authRequestSent = true
	pc.authTimer = time.AfterFunc(m.options.AuthTimeout, func() {
		m.connMu.RLock()
		pending := m.conns[pc.info.DeviceID] == pc && pc.info.Status != StatusConnected
		m.connMu.RUnlock()
		if pending {
			m.failAuth(pc, "timeout")
		}
	})
	channel := pc.channel
	m.connMu.Unlock()

	body := buildAuthBody(m.options.Signer, m.options.DeviceID, m.options.DeviceName, m.options.Now(), nil)
	if err := m.sendChannel(channel, protocol.AuthRequest{Body: body}); err != nil {
		m.log.Warn().Err(err).Str("peer", pc.info.DeviceID).Msg("send auth request")
	}
}

func (m *PeerManager) handleChannelData(pc *peerConnection, raw []byte) {
	msg := protocol.DecodeChannelMessage(raw)

	m.connMu.Lock()
	current := m.conns[pc.info.DeviceID] == pc
	if current {
		pc.info.LastSeen = m.options.Now()
	}
	status := pc.info.Status
	m.connMu.Unlock()
	if !current {
		return
	}
	kind := string(msg.Kind())
	if kind == "" {
		kind = "ignored"
	}
	metrics.ChannelMessage("in", kind)

	switch typed := msg.(type) {
	case protocol.AuthRequest:
		m.handleAuthRequest(pc, typed.Body)
	case protocol.AuthResponse:
		m.handleAuthResponse(pc, typed)
	case protocol.Ignored:
		m.log.Debug().Str("peer", pc.info.DeviceID).Str("reason", typed.Reason).Msg("ignoring channel message")
	default:
		if status != StatusConnected {
			m.log.Debug().Str("peer", pc.info.DeviceID).Str("type", string(msg.Kind())).Msg("dropping message before authentication")
			return
		}
		m.messageFeed.Dispatch(ChannelMessage{DeviceID: pc.info.DeviceID, Message: msg})
	}
}

func (m *PeerManager) handleAuthRequest(pc *peerConnection, body protocol.AuthBody) {
	now := m.options.Now()
	ok, reason := verifyAuthBody(m.options.Signer, body, pc.info.DeviceID, now)

	m.connMu.Lock()
	channel := pc.channel
	if ok {
		pc.requestVerified = true
		if body.DeviceName != "" {
			pc.info.DeviceName = body.DeviceName
		}
	}
	m.connMu.Unlock()

	reply := buildAuthBody(m.options.Signer, m.options.DeviceID, m.options.DeviceName, now, &ok)
	if err := m.sendChannel(channel, protocol.AuthResponse{Body: reply}); err != nil {
		m.log.Warn().Err(err).Str("peer", pc.info.DeviceID).Msg("send auth response")
	}

	if !ok {
		m.failAuth(pc, reason)
		return
	}
	m.maybeAuthenticated(pc)
}

func (m *PeerManager) handleAuthResponse(pc *peerConnection, resp protocol.AuthResponse) {
	if !resp.Succeeded() {
		m.failAuth(pc, "rejected by remote")
		return
	}
	if ok, reason := verifyAuthBody(m.options.Signer, resp.Body, pc.info.DeviceID, m.options.Now()); !ok {
		m.failAuth(pc, reason)
		return
	}

	m.connMu.Lock()
	pc.responseAccepted = true
	m.connMu.Unlock()
	m.maybeAuthenticated(pc)
}

// maybeAuthenticated completes the handshake once we accepted the remote's
// request and the remote accepted ours.
func (m *PeerManager) maybeAuthenticated(pc *peerConnection) {
	m.connMu.Lock()
	if m.conns[pc.info.DeviceID] != pc || !pc.requestVerified || !pc.responseAccepted || pc.info.Status == StatusConnected {
		m.connMu.Unlock()
		return
	}
	if pc.authTimer != nil {
		pc.authTimer.Stop()
		pc.authTimer = nil
	}
	prev := pc.info.Status
	pc.info.Status = StatusConnected
	event := Authenticated{DeviceID: pc.info.DeviceID, DeviceName: pc.info.DeviceName, Channel: pc.channel}
	m.connMu.Unlock()

	m.log.Info().Str("peer", event.DeviceID).Str("peer_name", event.DeviceName).Msg("peer authenticated")
	m.emitState(event.DeviceID, prev, StatusConnected)
	m.authFeed.Dispatch(event)
}

func (m *PeerManager) failAuth(pc *peerConnection, reason string) {
	if !m.remove(pc) {
		return
	}
	metrics.AuthFailed()
	m.log.Warn().Str("peer", pc.info.DeviceID).Str("reason", reason).Msg("peer authentication failed")
	m.authFailFeed.Dispatch(AuthFailure{DeviceID: pc.info.DeviceID, Reason: reason})

	prev := m.teardown(pc)
	m.emitState(pc.info.DeviceID, prev, StatusDisconnected)
}

// lose handles transport or channel loss for a still-current record.
func (m *PeerManager) lose(pc *peerConnection, reason string) {
	if !m.remove(pc) {
		return
	}
	m.log.Info().Str("peer", pc.info.DeviceID).Str("reason", reason).Msg("peer channel closed")
	m.closedFeed.Dispatch(ChannelClosed{DeviceID: pc.info.DeviceID})

	prev := m.teardown(pc)
	m.emitState(pc.info.DeviceID, prev, StatusDisconnected)
}

// abort records err on pc, closes it and returns err.
func (m *PeerManager) abort(pc *peerConnection, err error) error {
	m.connMu.Lock()
	pc.info.Err = err
	m.connMu.Unlock()

	if m.remove(pc) {
		prev := m.teardown(pc)
		m.emitState(pc.info.DeviceID, prev, StatusDisconnected)
	}
	return err
}

// teardown stops timers and closes the channel and transport of a record that
// has already been removed from the map. It returns the prior status.
func (m *PeerManager) teardown(pc *peerConnection) ConnectionStatus {
	m.connMu.Lock()
	prev := pc.info.Status
	pc.info.Status = StatusDisconnected
	if pc.authTimer != nil {
		pc.authTimer.Stop()
		pc.authTimer = nil
	}
	channel := pc.channel
	peer := pc.peer
	m.connMu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if peer != nil {
		_ = peer.Close()
	}
	return prev
}

func (m *PeerManager) tracked(deviceID string) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	_, ok := m.conns[deviceID]
	return ok
}

func (m *PeerManager) insert(pc *peerConnection) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if _, ok := m.conns[pc.info.DeviceID]; ok {
		return false
	}
	m.conns[pc.info.DeviceID] = pc
	return true
}

func (m *PeerManager) remove(pc *peerConnection) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conns[pc.info.DeviceID] != pc {
		return false
	}
	delete(m.conns, pc.info.DeviceID)
	return true
}

// setStatus moves a current record to status. A connected peer is never downgraded.
func (m *PeerManager) setStatus(pc *peerConnection, status ConnectionStatus) {
	m.connMu.Lock()
	if m.conns[pc.info.DeviceID] != pc || pc.info.Status == status || pc.info.Status == StatusConnected {
		m.connMu.Unlock()
		return
	}
	prev := pc.info.Status
	pc.info.Status = status
	m.connMu.Unlock()

	m.emitState(pc.info.DeviceID, prev, status)
}

func (m *PeerManager) emitState(deviceID string, from, to ConnectionStatus) {
	m.log.Debug().Str("peer", deviceID).Str("from", string(from)).Str("to", string(to)).Msg("connection state changed")
	m.updateConnectedGauge()
	m.stateFeed.Dispatch(StateChange{DeviceID: deviceID, From: from, To: to})
}

func (m *PeerManager) updateConnectedGauge() {
	m.connMu.RLock()
	connected := 0
	for _, pc := range m.conns {
		if pc.info.Status == StatusConnected {
			connected++
		}
	}
	m.connMu.RUnlock()
	metrics.SetPeersConnected(connected)
}

func (m *PeerManager) sendSignal(msgType protocol.SignalType, to string, payload any) error {
	msg, err := protocol.NewSignal(msgType, m.options.DeviceID, to, payload)
	if err != nil {
		return err
	}
	msg.Timestamp = m.options.Now().UnixMilli()
	msg.Signature = m.options.Signer.Sign(msg.SignableBytes())
	if err := m.options.Signaler.Send(to, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msgType, to, err)
	}
	return nil
}

func (m *PeerManager) sendCandidate(deviceID string, c transport.Candidate) {
	if err := m.sendSignal(protocol.SignalICECandidate, deviceID, c); err != nil {
		m.log.Debug().Err(err).Str("peer", deviceID).Msg("trickle candidate")
	}
}

func (m *PeerManager) sendChannel(channel transport.DataChannel, msg protocol.Message) error {
	if channel == nil {
		return transport.ErrChannelClosed
	}
	raw, err := protocol.EncodeChannelMessage(msg, m.options.Now())
	if err != nil {
		return err
	}
	if err := channel.Send(raw); err != nil {
		return err
	}
	metrics.ChannelMessage("out", string(msg.Kind()))
	return nil
}
