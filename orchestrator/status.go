package orchestrator

import (
	"time"

	"hearthsync/models"
	"hearthsync/network"
)

// deriveStatus folds connection and sync records into the aggregate status.
// Precedence: syncing, connected, connecting, discovering.
func deriveStatus(running bool, peers []network.PeerInfo, synced map[string]bool, lastSync time.Time, lastErr string) models.SyncStatus {
	if !running {
		return models.SyncStatus{Status: models.SyncStateOffline, LastSyncAt: lastSync, Err: lastErr}
	}

	var connected, connecting, syncing int
	for _, p := range peers {
		switch p.Status {
		case network.StatusConnected:
			connected++
			if !synced[p.DeviceID] {
				syncing++
			}
		case network.StatusConnecting, network.StatusAuthenticating:
			connecting++
		}
		if p.LastSyncAt.After(lastSync) {
			lastSync = p.LastSyncAt
		}
	}

	status := models.SyncStatus{PeerCount: connected, LastSyncAt: lastSync, Err: lastErr}
	switch {
	case syncing > 0:
		status.Status = models.SyncStateSyncing
	case connected > 0:
		status.Status = models.SyncStateConnected
	case connecting > 0:
		status.Status = models.SyncStateConnecting
	default:
		status.Status = models.SyncStateDiscovering
	}
	return status
}
