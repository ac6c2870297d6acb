package models

import "time"

// SyncState is the aggregate connectivity state of the local device.
type SyncState string

const (
	SyncStateOffline     SyncState = "offline"
	SyncStateDiscovering SyncState = "discovering"
	SyncStateConnecting  SyncState = "connecting"
	SyncStateConnected   SyncState = "connected"
	SyncStateSyncing     SyncState = "syncing"
)

// SyncStatus is derived from connection and sync records; it is never the source of truth.
type SyncStatus struct {
	Status     SyncState `json:"status"`
	PeerCount  int       `json:"peer_count"`
	LastSyncAt time.Time `json:"last_sync_at"`
	Err        string    `json:"error,omitempty"`
}

// AwarenessState is ephemeral per-client presence shared with peers.
type AwarenessState struct {
	DeviceID      string    `json:"deviceId"`
	DeviceName    string    `json:"deviceName"`
	CurrentView   string    `json:"currentView"`
	CurrentItemID string    `json:"currentItemId,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`
}
