package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hearthsync/models"
)

// SaveJoinRequest inserts or replaces a join request row.
func (s *Store) SaveJoinRequest(req models.JoinRequest) error {
	if req.ID == "" {
		return errors.New("request_id is required")
	}
	if req.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if req.Status == "" {
		req.Status = models.JoinStatusPending
	}
	if err := validateJoinStatus(req.Status); err != nil {
		return err
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}

	var approval sql.NullString
	if req.Approval != nil {
		raw, err := json.Marshal(req.Approval)
		if err != nil {
			return fmt.Errorf("encode join approval %q: %w", req.ID, err)
		}
		approval = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO join_requests (
			request_id,
			device_id,
			device_name,
			requested_at,
			status,
			assigned_role,
			approval
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status = excluded.status,
			assigned_role = excluded.assigned_role,
			approval = excluded.approval`,
		req.ID,
		req.DeviceID,
		req.DeviceName,
		req.RequestedAt.UnixMilli(),
		string(req.Status),
		nullStringFromValue(req.AssignedRole),
		approval,
	)
	if err != nil {
		return fmt.Errorf("save join request %q: %w", req.ID, err)
	}

	return nil
}

// GetJoinRequest fetches a join request by id.
func (s *Store) GetJoinRequest(requestID string) (models.JoinRequest, bool, error) {
	row := s.db.QueryRow(joinRequestSelect+` WHERE request_id = ?`, requestID)
	return oneJoinRequest(row, requestID)
}

// LatestJoinRequestForDevice fetches the newest join request of a device.
func (s *Store) LatestJoinRequestForDevice(deviceID string) (models.JoinRequest, bool, error) {
	row := s.db.QueryRow(
		joinRequestSelect+` WHERE device_id = ? ORDER BY requested_at DESC LIMIT 1`,
		deviceID,
	)
	return oneJoinRequest(row, deviceID)
}

// PendingJoinRequests lists undecided requests, oldest first.
func (s *Store) PendingJoinRequests() ([]models.JoinRequest, error) {
	rows, err := s.db.Query(
		joinRequestSelect+` WHERE status = ? ORDER BY requested_at ASC, request_id ASC`,
		string(models.JoinStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("query pending join requests: %w", err)
	}
	defer rows.Close()

	out := make([]models.JoinRequest, 0)
	for rows.Next() {
		req, err := scanJoinRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan join request: %w", err)
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate join requests: %w", err)
	}

	return out, nil
}

// DeleteJoinRequest removes a join request. Missing rows are not an error.
func (s *Store) DeleteJoinRequest(requestID string) error {
	if requestID == "" {
		return errors.New("request_id is required")
	}
	if _, err := s.db.Exec(`DELETE FROM join_requests WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("delete join request %q: %w", requestID, err)
	}
	return nil
}

const joinRequestSelect = `SELECT
	request_id,
	device_id,
	device_name,
	requested_at,
	status,
	assigned_role,
	approval
FROM join_requests`

func oneJoinRequest(row *sql.Row, key string) (models.JoinRequest, bool, error) {
	req, err := scanJoinRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JoinRequest{}, false, nil
	}
	if err != nil {
		return models.JoinRequest{}, false, fmt.Errorf("get join request %q: %w", key, err)
	}
	return *req, true, nil
}

func scanJoinRequest(row scanner) (*models.JoinRequest, error) {
	var (
		req          models.JoinRequest
		requestedAt  int64
		status       string
		assignedRole sql.NullString
		approval     sql.NullString
	)

	if err := row.Scan(
		&req.ID,
		&req.DeviceID,
		&req.DeviceName,
		&requestedAt,
		&status,
		&assignedRole,
		&approval,
	); err != nil {
		return nil, err
	}

	req.RequestedAt = time.UnixMilli(requestedAt)
	req.Status = models.JoinStatus(status)
	if assignedRole.Valid {
		req.AssignedRole = assignedRole.String
	}
	if approval.Valid {
		var decoded models.JoinApproval
		if err := json.Unmarshal([]byte(approval.String), &decoded); err != nil {
			return nil, fmt.Errorf("decode join approval: %w", err)
		}
		req.Approval = &decoded
	}

	return &req, nil
}
