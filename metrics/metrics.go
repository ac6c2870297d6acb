// Package metrics exposes prometheus instruments for the sync pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	peersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hearthsync",
		Subsystem: "peers",
		Name:      "connected",
		Help:      "Authenticated peer connections.",
	})
	peersDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearthsync",
		Subsystem: "peers",
		Name:      "discovered_total",
		Help:      "Same-family peers seen by discovery.",
	})
	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearthsync",
		Subsystem: "peers",
		Name:      "auth_failures_total",
		Help:      "Peer connections closed by failed or timed-out authentication.",
	})
	channelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearthsync",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Peer channel messages by direction and type.",
		},
		[]string{"direction", "type"},
	)
	signalingMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearthsync",
			Subsystem: "signaling",
			Name:      "messages_total",
			Help:      "Signaling messages by outcome.",
		},
		[]string{"outcome"},
	)
	updateFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hearthsync",
			Subsystem: "crdt",
			Name:      "flushes_total",
			Help:      "Outgoing update flushes by trigger.",
		},
		[]string{"trigger"},
	)
	syncCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hearthsync",
		Subsystem: "crdt",
		Name:      "sync_completed_total",
		Help:      "Initial state exchanges completed with a peer.",
	})
)

// Register adds all instruments to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			peersConnected,
			peersDiscovered,
			authFailures,
			channelMessages,
			signalingMessages,
			updateFlushes,
			syncCompletions,
		)
	})
}

func SetPeersConnected(n int) {
	peersConnected.Set(float64(n))
}

func PeerDiscovered() {
	peersDiscovered.Inc()
}

func AuthFailed() {
	authFailures.Inc()
}

// ChannelMessage counts one peer channel message; direction is "in" or "out".
func ChannelMessage(direction, msgType string) {
	channelMessages.WithLabelValues(direction, msgType).Inc()
}

// SignalingMessage counts one signaling line; outcome is "ok", "malformed" or "rate_limited".
func SignalingMessage(outcome string) {
	signalingMessages.WithLabelValues(outcome).Inc()
}

// UpdateFlushed counts one outgoing flush; trigger is "debounce", "forced" or "close".
func UpdateFlushed(trigger string) {
	updateFlushes.WithLabelValues(trigger).Inc()
}

func SyncCompleted() {
	syncCompletions.Inc()
}
