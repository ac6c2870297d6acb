package wstransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthsync/transport"
)

type recorder struct {
	mu       sync.Mutex
	messages [][]byte
	states   []transport.PeerState
}

func (r *recorder) addMessage(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, append([]byte(nil), b...))
}

func (r *recorder) addState(s transport.PeerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) hasState(s transport.PeerState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func newLoopbackTransport() *Transport {
	return New(Options{ListenHost: "127.0.0.1", DialTimeout: time.Second, ConnectTimeout: 5 * time.Second})
}

// pair negotiates an offerer/answerer pair over loopback and returns both channels.
func pair(t *testing.T) (offerer, answerer transport.Peer, offerCh, answerCh transport.DataChannel, offRec, ansRec *recorder) {
	t.Helper()
	ctx := context.Background()
	tr := newLoopbackTransport()

	var err error
	offerer, err = tr.NewPeer(transport.PeerConfig{RemoteDeviceID: "answerer"})
	require.NoError(t, err)
	answerer, err = tr.NewPeer(transport.PeerConfig{RemoteDeviceID: "offerer"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})

	offRec, ansRec = &recorder{}, &recorder{}
	offerer.OnStateChange(offRec.addState)
	answerer.OnStateChange(ansRec.addState)

	offerCh, err = offerer.CreateDataChannel("sync")
	require.NoError(t, err)
	opened := make(chan struct{})
	offerCh.OnOpen(func() { close(opened) })
	offerCh.OnMessage(offRec.addMessage)

	gotChannel := make(chan transport.DataChannel, 1)
	answerer.OnDataChannel(func(dc transport.DataChannel) {
		dc.OnMessage(ansRec.addMessage)
		gotChannel <- dc
	})

	// Candidates may race ahead of the offer, as they can over signaling.
	offerer.OnCandidate(func(c transport.Candidate) {
		assert.NoError(t, answerer.AddCandidate(c))
	})

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Type)
	require.NoError(t, answerer.SetRemoteDescription(offer))

	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, offerer.SetRemoteDescription(answer))

	select {
	case answerCh = <-gotChannel:
	case <-time.After(5 * time.Second):
		t.Fatal("answerer never received data channel")
	}
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("offerer channel never opened")
	}
	return offerer, answerer, offerCh, answerCh, offRec, ansRec
}

func TestOfferAnswerOpensChannelBothWays(t *testing.T) {
	offerer, _, offerCh, answerCh, offRec, ansRec := pair(t)
	_ = offerer

	assert.Equal(t, "sync", answerCh.Label())
	assert.True(t, answerCh.IsOpen())
	assert.True(t, offerCh.IsOpen())

	require.NoError(t, offerCh.Send([]byte("from-offerer")))
	require.NoError(t, answerCh.Send([]byte("from-answerer")))

	require.Eventually(t, func() bool {
		return offRec.messageCount() == 1 && ansRec.messageCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []byte("from-answerer"), offRec.messages[0])
	assert.Equal(t, []byte("from-offerer"), ansRec.messages[0])
	assert.True(t, offRec.hasState(transport.StateConnected))
	assert.True(t, ansRec.hasState(transport.StateConnected))
}

func TestOnOpenFiresImmediatelyWhenAlreadyOpen(t *testing.T) {
	_, _, _, answerCh, _, _ := pair(t)

	fired := false
	answerCh.OnOpen(func() { fired = true })
	assert.True(t, fired)
}

func TestRemoteCloseDisconnectsPeer(t *testing.T) {
	offerer, _, offerCh, answerCh, offRec, _ := pair(t)
	_ = offerer

	closed := make(chan struct{})
	offerCh.OnClose(func() { close(closed) })

	require.NoError(t, answerCh.Close())

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("offerer channel did not observe remote close")
	}
	require.Eventually(t, func() bool {
		return offRec.hasState(transport.StateDisconnected)
	}, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, offerCh.Send([]byte("late")), transport.ErrChannelClosed)
}

func TestAnswerWithForeignTokenRejected(t *testing.T) {
	tr := newLoopbackTransport()
	offerer, err := tr.NewPeer(transport.PeerConfig{})
	require.NoError(t, err)
	defer offerer.Close()

	_, err = offerer.CreateOffer(context.Background())
	require.NoError(t, err)

	err = offerer.SetRemoteDescription(transport.SessionDescription{Type: "answer", SDP: `{"token":"someone-else"}`})
	assert.ErrorIs(t, err, ErrTokenMismatch)
}

func TestAnswerBeforeOfferFails(t *testing.T) {
	peer, err := newLoopbackTransport().NewPeer(transport.PeerConfig{})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.CreateAnswer(context.Background())
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestConnectTimeoutFailsPeer(t *testing.T) {
	tr := New(Options{ListenHost: "127.0.0.1", CandidateHosts: []string{"127.0.0.1"}, ConnectTimeout: 50 * time.Millisecond})
	peer, err := tr.NewPeer(transport.PeerConfig{})
	require.NoError(t, err)
	defer peer.Close()

	rec := &recorder{}
	peer.OnStateChange(rec.addState)
	_, err = peer.CreateOffer(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.hasState(transport.StateFailed)
	}, 2*time.Second, 10*time.Millisecond)
}
