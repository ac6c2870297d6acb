package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthsync/crypto"
	"hearthsync/protocol"
	"hearthsync/transport"
	"hearthsync/transport/wstransport"
)

func newTestManager(t *testing.T, id, name string, tr transport.Transport, sig Signaler, syncKey []byte, authTimeout time.Duration) *PeerManager {
	t.Helper()
	signer, err := crypto.NewSigner(syncKey)
	require.NoError(t, err)
	m, err := NewPeerManager(PeerManagerOptions{
		DeviceID:    id,
		DeviceName:  name,
		Transport:   tr,
		Signaler:    sig,
		Signer:      signer,
		AuthTimeout: authTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestShouldInitiateOnlyGreaterID(t *testing.T) {
	assert.True(t, ShouldInitiate("z", "a"))
	assert.False(t, ShouldInitiate("a", "z"))
	assert.False(t, ShouldInitiate("same", "same"))
}

func TestNewPeerManagerValidatesOptions(t *testing.T) {
	_, err := NewPeerManager(PeerManagerOptions{DeviceName: "x", Signaler: newPipeSignaler()})
	assert.Error(t, err)
	_, err = NewPeerManager(PeerManagerOptions{DeviceID: "x", Signaler: newPipeSignaler()})
	assert.Error(t, err)
	_, err = NewPeerManager(PeerManagerOptions{DeviceID: "x", DeviceName: "x"})
	assert.Error(t, err)
}

func TestPeersAuthenticateOverWebsocketTransport(t *testing.T) {
	key := []byte("household-sync-key")
	tr := wstransport.New(wstransport.Options{ListenHost: "127.0.0.1"})
	sig := newPipeSignaler()

	z := newTestManager(t, "device-z", "Zed", tr, sig, key, 0)
	a := newTestManager(t, "device-a", "Ann", tr, sig, key, 0)
	sig.attach("device-z", z)
	sig.attach("device-a", a)

	zAuth := make(chan Authenticated, 1)
	aAuth := make(chan Authenticated, 1)
	z.OnAuthenticated(func(e Authenticated) { zAuth <- e })
	a.OnAuthenticated(func(e Authenticated) { aAuth <- e })

	require.NoError(t, z.CreateOffer(context.Background(), "device-a", "Ann"))

	fromZ := waitFor(t, zAuth, "initiator authenticated")
	fromA := waitFor(t, aAuth, "responder authenticated")
	assert.Equal(t, "device-a", fromZ.DeviceID)
	assert.Equal(t, "device-z", fromA.DeviceID)
	assert.Equal(t, "Zed", fromA.DeviceName)

	info, ok := a.Peer("device-z")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, info.Status)
	assert.False(t, info.Initiator)

	received := make(chan ChannelMessage, 1)
	a.OnMessage(func(m ChannelMessage) { received <- m })

	channel, ok := z.Channel("device-a")
	require.True(t, ok)
	raw, err := protocol.EncodeChannelMessage(protocol.Update{Update: []byte("delta")}, time.Now())
	require.NoError(t, err)
	require.NoError(t, channel.Send(raw))

	got := waitFor(t, received, "forwarded update")
	assert.Equal(t, "device-z", got.DeviceID)
	assert.Equal(t, protocol.Update{Update: []byte("delta")}, got.Message)

	closed := make(chan ChannelClosed, 1)
	a.OnChannelClosed(func(e ChannelClosed) { closed <- e })
	z.Close("device-a")

	assert.Equal(t, "device-z", waitFor(t, closed, "remote channel closed").DeviceID)
	assert.Equal(t, 0, a.Count())
	assert.Equal(t, 0, z.Count())
}

func TestMismatchedSyncKeysFailAuthentication(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, "device-z", "Zed", ft, newPipeSignaler(), []byte("key-two"), 0)
	failures := make(chan AuthFailure, 1)
	m.OnAuthenticationFailed(func(f AuthFailure) { failures <- f })

	require.NoError(t, m.CreateOffer(context.Background(), "device-a", "Ann"))
	channel := ft.last().channel
	channel.openNow()

	otherFamily, err := crypto.NewSigner([]byte("key-one"))
	require.NoError(t, err)
	req, err := protocol.EncodeChannelMessage(protocol.AuthRequest{Body: buildAuthBody(otherFamily, "device-a", "Ann", time.Now(), nil)}, time.Now())
	require.NoError(t, err)
	channel.receive(req)

	f := waitFor(t, failures, "authentication failure")
	assert.Equal(t, "device-a", f.DeviceID)
	assert.Equal(t, "invalid signature", f.Reason)
	assert.Equal(t, 0, m.Count())

	sent := channel.sentMessages()
	require.Len(t, sent, 2)
	resp, ok := sent[1].(protocol.AuthResponse)
	require.True(t, ok)
	assert.False(t, resp.Succeeded())
	assert.NotEmpty(t, resp.Body.Signature)
}

func TestAuthTimeoutClosesConnection(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, "device-z", "Zed", ft, newPipeSignaler(), nil, 50*time.Millisecond)

	failures := make(chan AuthFailure, 1)
	m.OnAuthenticationFailed(func(f AuthFailure) { failures <- f })
	states := make(chan StateChange, 8)
	m.OnStateChange(func(s StateChange) { states <- s })

	require.NoError(t, m.CreateOffer(context.Background(), "device-a", "Ann"))
	peer := ft.last()
	peer.channel.openNow()

	info, ok := m.Peer("device-a")
	require.True(t, ok)
	assert.Equal(t, StatusAuthenticating, info.Status)
	sent := peer.channel.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeAuthRequest, sent[0].Kind())

	f := waitFor(t, failures, "auth timeout")
	assert.Equal(t, "timeout", f.Reason)
	assert.Equal(t, 0, m.Count())
	assert.True(t, peer.isClosed())

	var last StateChange
	for len(states) > 0 {
		last = <-states
	}
	assert.Equal(t, StatusDisconnected, last.To)
}

func TestOfferPrecedesBufferedCandidates(t *testing.T) {
	ft := &fakeTransport{}
	sig := newPipeSignaler()
	m := newTestManager(t, "device-z", "Zed", ft, sig, nil, 0)

	require.NoError(t, m.CreateOffer(context.Background(), "device-a", "Ann"))
	assert.Equal(t, []protocol.SignalType{protocol.SignalOffer, protocol.SignalICECandidate}, sig.sentTypes())

	err := m.CreateOffer(context.Background(), "device-a", "Ann")
	assert.ErrorIs(t, err, ErrConnectionExists)
}

func TestResponderHandshakeAndMessageGating(t *testing.T) {
	ft := &fakeTransport{}
	sig := newPipeSignaler()
	m := newTestManager(t, "device-a", "Ann", ft, sig, nil, 0)

	offer, err := protocol.NewSignal(protocol.SignalOffer, "device-z", "device-a", transport.SessionDescription{Type: "offer", SDP: "{}"})
	require.NoError(t, err)
	require.NoError(t, m.HandleSignal(context.Background(), offer))
	assert.Equal(t, []protocol.SignalType{protocol.SignalAnswer}, sig.sentTypes())

	info, ok := m.Peer("device-z")
	require.True(t, ok)
	assert.Equal(t, StatusConnecting, info.Status)

	peer := ft.last()
	peer.emitState(transport.StateConnected)
	channel := peer.deliverChannel()

	info, _ = m.Peer("device-z")
	assert.Equal(t, StatusAuthenticating, info.Status)

	forwarded := make(chan ChannelMessage, 4)
	m.OnMessage(func(cm ChannelMessage) { forwarded <- cm })
	authed := make(chan Authenticated, 1)
	m.OnAuthenticated(func(e Authenticated) { authed <- e })

	update, err := protocol.EncodeChannelMessage(protocol.Update{Update: []byte("early")}, time.Now())
	require.NoError(t, err)
	channel.receive(update)
	assert.Empty(t, forwarded)

	signer, _ := crypto.NewSigner(nil)
	req, err := protocol.EncodeChannelMessage(protocol.AuthRequest{Body: buildAuthBody(signer, "device-z", "Zed", time.Now(), nil)}, time.Now())
	require.NoError(t, err)
	channel.receive(req)

	success := true
	resp, err := protocol.EncodeChannelMessage(protocol.AuthResponse{Body: buildAuthBody(signer, "device-z", "Zed", time.Now(), &success)}, time.Now())
	require.NoError(t, err)
	channel.receive(resp)

	e := waitFor(t, authed, "authenticated")
	assert.Equal(t, "Zed", e.DeviceName)

	sent := channel.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.TypeAuthRequest, sent[0].Kind())
	require.Equal(t, protocol.TypeAuthResponse, sent[1].Kind())
	assert.True(t, sent[1].(protocol.AuthResponse).Succeeded())

	channel.receive(update)
	cm := waitFor(t, forwarded, "update after auth")
	assert.Equal(t, protocol.Update{Update: []byte("early")}, cm.Message)

	garbage := []byte(`{"type":"CHAT","payload":"","timestamp":1}`)
	channel.receive(garbage)
	assert.Empty(t, forwarded)
}

func TestRejectedAuthResponseFailsPeer(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, "device-z", "Zed", ft, newPipeSignaler(), nil, 0)
	failures := make(chan AuthFailure, 1)
	m.OnAuthenticationFailed(func(f AuthFailure) { failures <- f })

	require.NoError(t, m.CreateOffer(context.Background(), "device-a", "Ann"))
	channel := ft.last().channel
	channel.openNow()

	denied := false
	signer, _ := crypto.NewSigner(nil)
	resp, err := protocol.EncodeChannelMessage(protocol.AuthResponse{Body: buildAuthBody(signer, "device-a", "Ann", time.Now(), &denied)}, time.Now())
	require.NoError(t, err)
	channel.receive(resp)

	assert.Equal(t, "rejected by remote", waitFor(t, failures, "rejection").Reason)
	assert.Equal(t, 0, m.Count())
}

func TestTransportFailureEmitsChannelClosed(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, "device-z", "Zed", ft, newPipeSignaler(), nil, 0)
	closed := make(chan ChannelClosed, 1)
	m.OnChannelClosed(func(e ChannelClosed) { closed <- e })

	require.NoError(t, m.CreateOffer(context.Background(), "device-a", "Ann"))
	ft.last().emitState(transport.StateFailed)

	assert.Equal(t, "device-a", waitFor(t, closed, "channel closed").DeviceID)
	_, ok := m.Peer("device-a")
	assert.False(t, ok)
}

func TestCloseIsIdempotentAndAlwaysEmitsDisconnected(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, "device-z", "Zed", ft, newPipeSignaler(), nil, 0)

	var transitions []StateChange
	m.OnStateChange(func(s StateChange) { transitions = append(transitions, s) })

	require.NoError(t, m.CreateOffer(context.Background(), "device-a", "Ann"))
	m.Close("device-a")
	m.Close("device-a")

	require.Len(t, transitions, 3)
	assert.Equal(t, StateChange{DeviceID: "device-a", From: StatusDisconnected, To: StatusConnecting}, transitions[0])
	assert.Equal(t, StateChange{DeviceID: "device-a", From: StatusConnecting, To: StatusDisconnected}, transitions[1])
	assert.Equal(t, StateChange{DeviceID: "device-a", From: StatusDisconnected, To: StatusDisconnected}, transitions[2])
	assert.True(t, ft.last().isClosed())
}

func TestHandleSignalFiltering(t *testing.T) {
	m := newTestManager(t, "device-a", "Ann", &fakeTransport{}, newPipeSignaler(), nil, 0)

	elsewhere, err := protocol.NewSignal(protocol.SignalOffer, "device-z", "device-q", transport.SessionDescription{Type: "offer"})
	require.NoError(t, err)
	require.NoError(t, m.HandleSignal(context.Background(), elsewhere))
	assert.Equal(t, 0, m.Count())

	answer, err := protocol.NewSignal(protocol.SignalAnswer, "device-z", "device-a", transport.SessionDescription{Type: "answer"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.HandleSignal(context.Background(), answer), ErrUnknownPeer)

	signed := newTestManager(t, "device-b", "Bea", &fakeTransport{}, newPipeSignaler(), []byte("k"), 0)
	unsignedOffer, err := protocol.NewSignal(protocol.SignalOffer, "device-z", "device-b", transport.SessionDescription{Type: "offer"})
	require.NoError(t, err)
	assert.ErrorIs(t, signed.HandleSignal(context.Background(), unsignedOffer), ErrInvalidSignature)
}

func TestUnavailableTransportFailsOffer(t *testing.T) {
	m := newTestManager(t, "device-z", "Zed", nil, newPipeSignaler(), nil, 0)
	err := m.CreateOffer(context.Background(), "device-a", "Ann")
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	assert.Equal(t, 0, m.Count())
}
