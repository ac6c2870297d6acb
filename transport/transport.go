// Package transport describes the direct peer channel capability the sync
// subsystem negotiates through signaling. Implementations are injected; the
// zero value is Unavailable.
package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// DefaultChannelLabel names the data channel carrying sync traffic.
const DefaultChannelLabel = "sync"

var (
	// ErrUnavailable is returned when no direct transport is configured.
	ErrUnavailable = errors.New("transport: direct peer transport unavailable")
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrNoRemoteDescription indicates an answer was requested before the offer was set.
	ErrNoRemoteDescription = errors.New("transport: remote description not set")
)

// PeerState is the connectivity state of a transport peer.
type PeerState string

const (
	StateNew          PeerState = "new"
	StateConnecting   PeerState = "connecting"
	StateConnected    PeerState = "connected"
	StateDisconnected PeerState = "disconnected"
	StateFailed       PeerState = "failed"
	StateClosed       PeerState = "closed"
)

// Terminal reports whether s ends the peer's life.
func (s PeerState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// SessionDescription is an offer or answer exchanged through signaling.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity hint exchanged through signaling.
type Candidate struct {
	Candidate string `json:"candidate"`
	SDPMid    string `json:"sdpMid,omitempty"`
}

// PeerConfig configures one transport peer.
type PeerConfig struct {
	// RemoteDeviceID is informational; implementations may log it.
	RemoteDeviceID string
	Logger         zerolog.Logger
}

// Transport creates peers.
type Transport interface {
	NewPeer(cfg PeerConfig) (Peer, error)
}

// Peer is one negotiated direct connection.
type Peer interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetRemoteDescription(desc SessionDescription) error
	AddCandidate(c Candidate) error

	OnCandidate(fn func(Candidate))
	OnStateChange(fn func(PeerState))
	OnDataChannel(fn func(DataChannel))

	Close() error
}

// DataChannel is a message-oriented bidirectional channel. OnOpen runs
// immediately when registered on a channel that is already open.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	IsOpen() bool

	OnOpen(fn func())
	OnMessage(fn func([]byte))
	OnClose(fn func())

	Close() error
}

// Unavailable is the default transport when none is configured. Every peer
// creation fails with ErrUnavailable.
type Unavailable struct{}

// NewPeer implements Transport.
func (Unavailable) NewPeer(PeerConfig) (Peer, error) {
	return nil, ErrUnavailable
}

// OrUnavailable returns t, or Unavailable when t is nil.
func OrUnavailable(t Transport) Transport {
	if t == nil {
		return Unavailable{}
	}
	return t
}
