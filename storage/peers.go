package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPeerSyncStates writes a batch of observed peers in one transaction.
// LastSyncAt is only overwritten when the incoming row carries one.
func (s *Store) UpsertPeerSyncStates(states []PeerSyncState) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin peer sync state transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO peer_sync_state (
			device_id,
			device_name,
			last_host,
			last_port,
			last_seen_at,
			last_sync_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = CASE WHEN excluded.device_name = '' THEN peer_sync_state.device_name ELSE excluded.device_name END,
			last_host = COALESCE(excluded.last_host, peer_sync_state.last_host),
			last_port = COALESCE(excluded.last_port, peer_sync_state.last_port),
			last_seen_at = MAX(excluded.last_seen_at, peer_sync_state.last_seen_at),
			last_sync_at = COALESCE(excluded.last_sync_at, peer_sync_state.last_sync_at)`,
	)
	if err != nil {
		return fmt.Errorf("prepare peer sync state upsert: %w", err)
	}
	defer stmt.Close()

	for _, state := range states {
		if state.DeviceID == "" {
			return errors.New("device_id is required")
		}
		if state.LastSeenAt == 0 {
			state.LastSeenAt = nowUnixMilli()
		}
		if _, err := stmt.Exec(
			state.DeviceID,
			state.DeviceName,
			nullString(state.LastHost),
			nullInt64FromInt(state.LastPort),
			state.LastSeenAt,
			nullInt64(state.LastSyncAt),
		); err != nil {
			return fmt.Errorf("upsert peer sync state %q: %w", state.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit peer sync state transaction: %w", err)
	}
	return nil
}

// RecordSyncCompleted stamps the last completed initial sync for a peer.
func (s *Store) RecordSyncCompleted(deviceID string, at time.Time) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	ts := at.UnixMilli()
	return s.UpsertPeerSyncStates([]PeerSyncState{{
		DeviceID:   deviceID,
		LastSeenAt: ts,
		LastSyncAt: &ts,
	}})
}

// GetPeerSyncState fetches sync state by device ID.
func (s *Store) GetPeerSyncState(deviceID string) (*PeerSyncState, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			last_host,
			last_port,
			last_seen_at,
			last_sync_at
		FROM peer_sync_state
		WHERE device_id = ?`,
		deviceID,
	)

	state, err := scanPeerSyncState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer sync state %q: %w", deviceID, err)
	}

	return state, nil
}

// ListPeerSyncStates returns all peers ordered by most recently seen.
func (s *Store) ListPeerSyncStates() ([]PeerSyncState, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			last_host,
			last_port,
			last_seen_at,
			last_sync_at
		FROM peer_sync_state
		ORDER BY last_seen_at DESC, device_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peer sync state: %w", err)
	}
	defer rows.Close()

	out := make([]PeerSyncState, 0)
	for rows.Next() {
		state, err := scanPeerSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer sync state: %w", err)
		}
		out = append(out, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer sync state: %w", err)
	}

	return out, nil
}

// RemovePeerSyncState deletes a peer by device ID.
func (s *Store) RemovePeerSyncState(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peer_sync_state WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer sync state %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer sync state %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanPeerSyncState(row scanner) (*PeerSyncState, error) {
	var (
		state    PeerSyncState
		lastHost sql.NullString
		lastPort sql.NullInt64
		lastSync sql.NullInt64
	)

	if err := row.Scan(
		&state.DeviceID,
		&state.DeviceName,
		&lastHost,
		&lastPort,
		&state.LastSeenAt,
		&lastSync,
	); err != nil {
		return nil, err
	}

	state.LastHost = stringPtr(lastHost)
	state.LastPort = intPtrFromNullInt64(lastPort)
	state.LastSyncAt = int64Ptr(lastSync)

	return &state, nil
}
