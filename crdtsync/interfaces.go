package crdtsync

// Document is the replicated document the engine keeps in sync. Updates and
// state vectors are opaque bytes.
type Document interface {
	EncodeStateVector() []byte
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	ApplyUpdate(update []byte, origin any) error
	MergeUpdates(updates [][]byte) ([]byte, error)
	OnUpdate(fn func(update []byte, origin any)) (unsubscribe func())
}

// Awareness is the ephemeral presence store shared alongside the document.
type Awareness interface {
	ClientID() uint64
	EncodeUpdate(clients []uint64) ([]byte, error)
	ApplyUpdate(update []byte, origin any) error
	OnChange(fn func(clients []uint64, origin any)) (unsubscribe func())
}

// Channel is the peer data channel the engine writes to.
type Channel interface {
	Send(data []byte) error
	IsOpen() bool
}

// RemoteOrigin tags changes applied from a peer so they are not broadcast back.
type RemoteOrigin struct {
	DeviceID string
}
