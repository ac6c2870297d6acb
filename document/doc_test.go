package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthsync/models"
)

type remote struct{}

func TestLocalWritesEmitUpdates(t *testing.T) {
	doc := NewWithClientID(1)
	var updates [][]byte
	var origins []any
	doc.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
		origins = append(origins, origin)
	})

	require.NoError(t, doc.Set("task:1", map[string]string{"title": "buy milk"}, nil))
	doc.Delete("task:1", "ui")

	require.Len(t, updates, 2)
	assert.Equal(t, []any{nil, "ui"}, origins)
	assert.Empty(t, doc.Keys())
}

func TestExchangeConverges(t *testing.T) {
	a := NewWithClientID(1)
	b := NewWithClientID(2)

	require.NoError(t, a.Set("calendar", "a-value", nil))
	require.NoError(t, b.Set("calendar", "b-value", nil))
	require.NoError(t, b.Set("tasks", []string{"x"}, nil))

	toB, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	require.NoError(t, err)
	toA, err := b.EncodeStateAsUpdate(a.EncodeStateVector())
	require.NoError(t, err)

	require.NoError(t, b.ApplyUpdate(toB, remote{}))
	require.NoError(t, a.ApplyUpdate(toA, remote{}))

	fullA, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	fullB, err := b.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, fullA, fullB)
	assert.Equal(t, a.EncodeStateVector(), b.EncodeStateVector())

	var va, vb string
	_, err = a.Get("calendar", &va)
	require.NoError(t, err)
	_, err = b.Get("calendar", &vb)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	// Equal Lamport clocks fall back to the higher client id.
	assert.Equal(t, "b-value", va)
}

func TestOutOfOrderOpsWaitForGap(t *testing.T) {
	source := NewWithClientID(7)
	var updates [][]byte
	source.OnUpdate(func(update []byte, _ any) { updates = append(updates, update) })
	require.NoError(t, source.Set("k", 1, nil))
	require.NoError(t, source.Set("k", 2, nil))

	sink := NewWithClientID(8)
	require.NoError(t, sink.ApplyUpdate(updates[1], remote{}))
	var v int
	found, err := sink.Get("k", &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, sink.ApplyUpdate(updates[0], remote{}))
	found, err = sink.Get("k", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, v)
}

func TestApplyIsIdempotentAndSilentForKnownOps(t *testing.T) {
	a := NewWithClientID(1)
	require.NoError(t, a.Set("k", "v", nil))
	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	b := NewWithClientID(2)
	calls := 0
	b.OnUpdate(func([]byte, any) { calls++ })
	require.NoError(t, b.ApplyUpdate(full, remote{}))
	require.NoError(t, b.ApplyUpdate(full, remote{}))
	assert.Equal(t, 1, calls)
}

func TestMergeUpdatesDeduplicates(t *testing.T) {
	doc := NewWithClientID(3)
	var updates [][]byte
	doc.OnUpdate(func(update []byte, _ any) { updates = append(updates, update) })
	for i := 0; i < 3; i++ {
		require.NoError(t, doc.Set("n", i, nil))
	}

	merged, err := doc.MergeUpdates(append(updates, updates[0]))
	require.NoError(t, err)
	full, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	assert.Equal(t, full, merged)
}

func TestMalformedInputRejected(t *testing.T) {
	doc := New()
	assert.ErrorIs(t, doc.ApplyUpdate([]byte("nope"), nil), ErrMalformedUpdate)
	_, err := doc.EncodeStateAsUpdate([]byte(`{"x":1}`))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	_, err = doc.MergeUpdates([][]byte{[]byte(`{"ops":[{"c":1}]}`)})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestAwarenessClockOrdering(t *testing.T) {
	local := NewAwareness(1)
	peer := NewAwareness(2)

	var changed [][]uint64
	peer.OnChange(func(clients []uint64, _ any) { changed = append(changed, clients) })

	local.SetLocalState(&models.AwarenessState{DeviceID: "dev-1", CurrentView: "calendar"})
	first, err := local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)
	local.SetLocalState(&models.AwarenessState{DeviceID: "dev-1", CurrentView: "tasks"})
	second, err := local.EncodeUpdate(nil)
	require.NoError(t, err)

	require.NoError(t, peer.ApplyUpdate(second, remote{}))
	require.NoError(t, peer.ApplyUpdate(first, remote{}))

	require.Len(t, changed, 1)
	assert.Equal(t, "tasks", peer.States()[1].CurrentView)

	local.SetLocalState(nil)
	cleared, err := local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)
	require.NoError(t, peer.ApplyUpdate(cleared, remote{}))
	assert.NotContains(t, peer.States(), uint64(1))
}

func TestAwarenessIgnoresRemoteWritesToLocalClient(t *testing.T) {
	a := NewAwareness(1)
	a.SetLocalState(&models.AwarenessState{CurrentView: "home"})

	forged := []byte(`[{"client":1,"clock":99,"state":{"currentView":"evil"}}]`)
	require.NoError(t, a.ApplyUpdate(forged, remote{}))

	state, ok := a.LocalState()
	require.True(t, ok)
	assert.Equal(t, "home", state.CurrentView)
}
