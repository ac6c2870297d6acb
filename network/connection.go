package network

import (
	"time"

	"hearthsync/protocol"
	"hearthsync/transport"
)

// ConnectionStatus is the lifecycle state of one peer connection.
type ConnectionStatus string

const (
	StatusConnecting     ConnectionStatus = "connecting"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusConnected      ConnectionStatus = "connected"
	StatusDisconnected   ConnectionStatus = "disconnected"
)

// PeerInfo is a snapshot of one connection record.
type PeerInfo struct {
	DeviceID   string
	DeviceName string
	Status     ConnectionStatus
	Initiator  bool
	LastSeen   time.Time
	LastSyncAt time.Time
	Err        error
}

// StateChange is emitted on every status transition.
type StateChange struct {
	DeviceID string
	From     ConnectionStatus
	To       ConnectionStatus
}

// Authenticated is emitted once both sides accepted each other's auth request.
type Authenticated struct {
	DeviceID   string
	DeviceName string
	Channel    transport.DataChannel
}

// AuthFailure is emitted before an unauthenticated connection is force-closed.
type AuthFailure struct {
	DeviceID string
	Reason   string
}

// ChannelClosed is emitted when the transport or its data channel goes away.
type ChannelClosed struct {
	DeviceID string
}

// ChannelMessage carries a non-auth message received from an authenticated peer.
type ChannelMessage struct {
	DeviceID string
	Message  protocol.Message
}

// peerConnection is the mutable record behind PeerInfo. Fields are guarded by
// Manager.connMu.
type peerConnection struct {
	info PeerInfo

	peer    transport.Peer
	channel transport.DataChannel

	authTimer        *time.Timer
	authRequestSent  bool
	requestVerified  bool
	responseAccepted bool

	offerSent         bool
	pendingCandidates []transport.Candidate
}

func newPeerConnection(deviceID, deviceName string, initiator bool, peer transport.Peer, now time.Time) *peerConnection {
	return &peerConnection{
		info: PeerInfo{
			DeviceID:   deviceID,
			DeviceName: deviceName,
			Status:     StatusConnecting,
			Initiator:  initiator,
			LastSeen:   now,
		},
		peer: peer,
	}
}

// ShouldInitiate reports whether the local device opens the connection. Only
// the lexicographically greater id initiates, so two devices that discover
// each other never race with crossing offers.
func ShouldInitiate(localID, remoteID string) bool {
	return localID > remoteID
}
