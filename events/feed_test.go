package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedDispatchesInSubscriptionOrder(t *testing.T) {
	var feed Feed[int]
	var got []string

	feed.Subscribe(func(v int) { got = append(got, "first") })
	feed.Subscribe(func(v int) { got = append(got, "second") })

	feed.Dispatch(1)
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 2, feed.Len())
}

func TestFeedUnsubscribeIsIdempotent(t *testing.T) {
	var feed Feed[string]
	calls := 0

	unsubscribe := feed.Subscribe(func(string) { calls++ })
	feed.Dispatch("a")
	unsubscribe()
	unsubscribe()
	feed.Dispatch("b")

	require.Equal(t, 1, calls)
	require.Zero(t, feed.Len())
}

func TestFeedListenerMayUnsubscribeDuringDispatch(t *testing.T) {
	var feed Feed[int]
	var unsubscribe func()
	calls := 0
	unsubscribe = feed.Subscribe(func(int) {
		calls++
		unsubscribe()
	})

	feed.Dispatch(1)
	feed.Dispatch(2)
	assert.Equal(t, 1, calls)
}

func TestFeedClear(t *testing.T) {
	var feed Feed[int]
	feed.Subscribe(func(int) {})
	feed.Subscribe(func(int) {})
	feed.Clear()
	assert.Zero(t, feed.Len())
	feed.Dispatch(1)
}
