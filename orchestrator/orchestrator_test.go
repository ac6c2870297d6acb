package orchestrator

import (
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthsync/crdtsync"
	"hearthsync/discovery"
	"hearthsync/document"
	"hearthsync/events"
	"hearthsync/models"
	"hearthsync/network"
	"hearthsync/signaling"
	"hearthsync/storage"
	"hearthsync/transport/wstransport"
)

const testFamilyID = "family-test-1"

// fakeSource stands in for the mDNS scanner.
type fakeSource struct {
	discovered events.Feed[models.DiscoveredPeer]
	lost       events.Feed[string]
	errs       events.Feed[error]
	stopped    bool
}

func (s *fakeSource) OnPeerDiscovered(fn func(models.DiscoveredPeer)) func() {
	return s.discovered.Subscribe(fn)
}
func (s *fakeSource) OnPeerLost(fn func(string)) func() { return s.lost.Subscribe(fn) }
func (s *fakeSource) OnError(fn func(error)) func()     { return s.errs.Subscribe(fn) }

func (s *fakeSource) starter(cfg discovery.Config, wire func(PeerSource)) (func(), error) {
	wire(s)
	return func() { s.stopped = true }, nil
}

type node struct {
	orch   *Orchestrator
	doc    *document.Doc
	source *fakeSource
}

func newNode(t *testing.T, id string, store PeerStateStore, tweaks ...func(*Options)) *node {
	t.Helper()
	doc := document.New()
	source := &fakeSource{}
	opts := Options{
		DeviceID:       id,
		DeviceName:     "Device " + id,
		FamilyID:       testFamilyID,
		AppVersion:     "test",
		SyncKey:        []byte("household-sync-key"),
		Document:       doc,
		Presence:       document.NewAwareness(doc.ClientID()),
		Transport:      wstransport.New(wstransport.Options{ListenHost: "127.0.0.1"}),
		Store:          store,
		Signaling:      signaling.Config{ListenAddress: "127.0.0.1:0"},
		StartDiscovery: source.starter,
		Debounce:       10 * time.Millisecond,
		StatusThrottle: 10 * time.Millisecond,

		PeerCountDebounce: 20 * time.Millisecond,
		ReconnectDelay:    50 * time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	orch, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(orch.Destroy)
	return &node{orch: orch, doc: doc, source: source}
}

func (n *node) announce(peer *node, id string) {
	n.source.discovered.Dispatch(models.DiscoveredPeer{
		DeviceID:     id,
		DeviceName:   "Device " + id,
		Host:         "127.0.0.1",
		Port:         peer.orch.SignalingPort(),
		DiscoveredAt: time.Now(),
	})
}

func connectedTo(n *node, id string) bool {
	for _, p := range n.orch.Peers() {
		if p.DeviceID == id && p.Status == network.StatusConnected {
			return true
		}
	}
	return false
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DeviceName: "n", FamilyID: "f"})
	require.Error(t, err)

	doc := document.New()
	_, err = New(Options{DeviceID: "d", DeviceName: "n", Document: doc})
	require.Error(t, err)
}

func TestOrchestratorTieBreakAndConvergence(t *testing.T) {
	a := newNode(t, "a", nil)
	z := newNode(t, "z", nil)

	require.NoError(t, a.doc.Set("groceries", "milk", nil))
	require.NoError(t, z.doc.Set("chores", "dishes", nil))

	synced := make(chan string, 4)
	z.orch.OnSyncCompleted(func(ev crdtsync.SyncCompleted) { synced <- ev.DeviceID })

	require.NoError(t, a.orch.Start())
	require.NoError(t, z.orch.Start())

	a.announce(z, "z")
	z.announce(a, "a")

	require.Eventually(t, func() bool {
		return connectedTo(a, "z") && connectedTo(z, "a")
	}, 10*time.Second, 20*time.Millisecond)

	zPeer, ok := z.orch.manager().Peer("a")
	require.True(t, ok)
	assert.True(t, zPeer.Initiator, "higher id initiates")
	aPeer, ok := a.orch.manager().Peer("z")
	require.True(t, ok)
	assert.False(t, aPeer.Initiator, "lower id waits for the offer")

	select {
	case id := <-synced:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("initial sync never completed")
	}

	require.Eventually(t, func() bool {
		var chores, groceries string
		okA, _ := a.doc.Get("chores", &chores)
		okZ, _ := z.doc.Get("groceries", &groceries)
		return okA && okZ && chores == "dishes" && groceries == "milk"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.doc.Set("groceries", "oat milk", nil))
	require.Eventually(t, func() bool {
		var groceries string
		ok, _ := z.doc.Get("groceries", &groceries)
		return ok && groceries == "oat milk"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		s := z.orch.Status()
		return s.Status == models.SyncStateConnected && s.PeerCount == 1 && !s.LastSyncAt.IsZero()
	}, 5*time.Second, 20*time.Millisecond)

	z.source.lost.Dispatch("a")
	require.Eventually(t, func() bool {
		_, tracked := z.orch.manager().Peer("a")
		return !tracked
	}, 5*time.Second, 20*time.Millisecond)
}

// startPair brings up a and z, announces them to each other and waits for
// both to finish the initial sync.
func startPair(t *testing.T, a, z *node) {
	t.Helper()
	require.NoError(t, a.orch.Start())
	require.NoError(t, z.orch.Start())
	a.announce(z, "z")
	z.announce(a, "a")

	require.Eventually(t, func() bool {
		za, okZ := z.orch.engine.Peer("a")
		az, okA := a.orch.engine.Peer("z")
		return okZ && okA && za.Synced && az.Synced
	}, 10*time.Second, 20*time.Millisecond)
}

func TestDestroyDeliversPendingEdit(t *testing.T) {
	a := newNode(t, "a", nil, func(o *Options) { o.Debounce = time.Hour })
	z := newNode(t, "z", nil)
	startPair(t, a, z)

	require.NoError(t, a.doc.Set("last-edit", "pay rent", nil))
	a.orch.Destroy()

	require.Eventually(t, func() bool {
		var got string
		ok, _ := z.doc.Get("last-edit", &got)
		return ok && got == "pay rent"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDroppedChannelIsReconnected(t *testing.T) {
	a := newNode(t, "a", nil)
	z := newNode(t, "z", nil)
	startPair(t, a, z)

	authenticated := make(chan string, 4)
	z.orch.manager().OnAuthenticated(func(ev network.Authenticated) { authenticated <- ev.DeviceID })

	channel, ok := a.orch.manager().Channel("z")
	require.True(t, ok)
	require.NoError(t, channel.Close())

	select {
	case id := <-authenticated:
		assert.Equal(t, "a", id)
	case <-time.After(10 * time.Second):
		t.Fatal("z never reconnected to a visible peer")
	}
	require.Eventually(t, func() bool {
		return connectedTo(a, "z") && connectedTo(z, "a")
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, a.doc.Set("after-reconnect", true, nil))
	require.Eventually(t, func() bool {
		var got bool
		ok, _ := z.doc.Get("after-reconnect", &got)
		return ok && got
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFailedConnectIsRetriedWhilePeerVisible(t *testing.T) {
	z := newNode(t, "z", nil, func(o *Options) { o.ConnectAttempts = 1 })
	require.NoError(t, z.orch.Start())

	var failures atomic.Int32
	z.orch.OnError(func(error) { failures.Add(1) })

	a := newNode(t, "a", nil)
	// Announce a before its signaling server exists: the first dial fails.
	z.source.discovered.Dispatch(models.DiscoveredPeer{
		DeviceID: "a", DeviceName: "Device a", Host: "127.0.0.1", Port: closedPort(t), DiscoveredAt: time.Now(),
	})

	require.Eventually(t, func() bool { return failures.Load() >= 2 }, 5*time.Second, 10*time.Millisecond,
		"connect is retried with backoff while the peer stays visible")

	require.NoError(t, a.orch.Start())
	z.announce(a, "a")
	require.Eventually(t, func() bool { return connectedTo(z, "a") }, 10*time.Second, 20*time.Millisecond)
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestLowerIDWaitsForOffer(t *testing.T) {
	a := newNode(t, "a", nil)
	z := newNode(t, "z", nil)
	require.NoError(t, a.orch.Start())
	require.NoError(t, z.orch.Start())

	var discovered []string
	a.orch.OnPeerDiscovered(func(p models.DiscoveredPeer) { discovered = append(discovered, p.DeviceID) })

	a.announce(z, "z")

	require.Never(t, func() bool { return len(a.orch.Peers()) > 0 || len(z.orch.Peers()) > 0 },
		300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, []string{"z"}, discovered)
	assert.Len(t, a.orch.DiscoveredPeers(), 1)
	assert.Equal(t, models.SyncStateDiscovering, a.orch.Status().Status)
}

func TestDestroyIsIdempotent(t *testing.T) {
	n := newNode(t, "a", nil)
	require.NoError(t, n.orch.Start())

	n.orch.OnStatusChange(func(models.SyncStatus) {})
	n.orch.OnPeerCountChange(func(int) {})
	n.orch.OnError(func(error) {})
	require.Positive(t, n.orch.ListenerCount())

	require.NotPanics(t, func() {
		n.orch.Destroy()
		n.orch.Destroy()
	})

	assert.Zero(t, n.orch.ListenerCount())
	assert.Empty(t, n.orch.Peers())
	assert.Empty(t, n.orch.DiscoveredPeers())
	assert.Equal(t, models.SyncStateOffline, n.orch.Status().Status)
	assert.True(t, n.source.stopped)
	assert.ErrorIs(t, n.orch.Start(), ErrDestroyed)
}

func TestStatusChangeEmitted(t *testing.T) {
	n := newNode(t, "a", nil)

	statuses := make(chan models.SyncState, 8)
	n.orch.OnStatusChange(func(s models.SyncStatus) { statuses <- s.Status })
	require.NoError(t, n.orch.Start())

	select {
	case s := <-statuses:
		assert.Equal(t, models.SyncStateDiscovering, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no status change after start")
	}
}

func TestErrorsSurfaceInStatus(t *testing.T) {
	n := newNode(t, "a", nil)
	require.NoError(t, n.orch.Start())

	got := make(chan error, 1)
	n.orch.OnError(func(err error) { got <- err })
	n.source.errs.Dispatch(errors.New("browse failed"))

	select {
	case err := <-got:
		assert.EqualError(t, err, "browse failed")
	case <-time.After(time.Second):
		t.Fatal("error not forwarded")
	}
	assert.Equal(t, "browse failed", n.orch.Status().Err)
}

func TestDiscoveredPeersPersisted(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "hearthsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	n := newNode(t, "a", store)
	require.NoError(t, n.orch.Start())
	n.source.discovered.Dispatch(models.DiscoveredPeer{
		DeviceID:   "peer-device-456",
		DeviceName: "Kitchen Tablet",
		Host:       "192.168.1.20",
		Port:       47600,
	})
	n.orch.Destroy()

	state, err := store.GetPeerSyncState("peer-device-456")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen Tablet", state.DeviceName)
	require.NotNil(t, state.LastHost)
	assert.Equal(t, "192.168.1.20", *state.LastHost)
	require.NotNil(t, state.LastPort)
	assert.Equal(t, 47600, *state.LastPort)
	assert.Nil(t, state.LastSyncAt)
}

func TestDeriveStatus(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	later := at.Add(time.Minute)

	cases := []struct {
		name    string
		running bool
		peers   []network.PeerInfo
		synced  map[string]bool
		want    models.SyncState
		count   int
	}{
		{name: "stopped", running: false, want: models.SyncStateOffline},
		{name: "no peers", running: true, want: models.SyncStateDiscovering},
		{
			name:    "negotiating",
			running: true,
			peers:   []network.PeerInfo{{DeviceID: "z", Status: network.StatusAuthenticating}},
			want:    models.SyncStateConnecting,
		},
		{
			name:    "connected and synced",
			running: true,
			peers: []network.PeerInfo{
				{DeviceID: "z", Status: network.StatusConnected},
				{DeviceID: "y", Status: network.StatusConnecting},
			},
			synced: map[string]bool{"z": true},
			want:   models.SyncStateConnected,
			count:  1,
		},
		{
			name:    "initial sync pending",
			running: true,
			peers: []network.PeerInfo{
				{DeviceID: "z", Status: network.StatusConnected},
				{DeviceID: "y", Status: network.StatusConnected, LastSyncAt: later},
			},
			synced: map[string]bool{"z": true, "y": false},
			want:   models.SyncStateSyncing,
			count:  2,
		},
		{
			name:    "disconnected records ignored",
			running: true,
			peers:   []network.PeerInfo{{DeviceID: "z", Status: network.StatusDisconnected}},
			want:    models.SyncStateDiscovering,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveStatus(tc.running, tc.peers, tc.synced, at, "")
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.count, got.PeerCount)
		})
	}

	got := deriveStatus(true, []network.PeerInfo{{DeviceID: "z", Status: network.StatusConnected, LastSyncAt: later}}, map[string]bool{"z": true}, at, "")
	assert.Equal(t, later, got.LastSyncAt)
}
