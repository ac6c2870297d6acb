package storage

import (
	"errors"
	"fmt"
	"time"
)

// RedeemToken records a sync token id and reports whether this was its first use.
func (s *Store) RedeemToken(tokenID, deviceID string, at time.Time) (bool, error) {
	if tokenID == "" {
		return false, errors.New("token_id is required")
	}
	redeemedAt := at.UnixMilli()
	if at.IsZero() {
		redeemedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO redeemed_tokens (token_id, device_id, redeemed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token_id) DO NOTHING`,
		tokenID,
		deviceID,
		redeemedAt,
	)
	if err != nil {
		return false, fmt.Errorf("redeem token %q: %w", tokenID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for redeem token %q: %w", tokenID, err)
	}

	return rowsAffected == 1, nil
}

// IsTokenRedeemed reports whether a token id has been used.
func (s *Store) IsTokenRedeemed(tokenID string) (bool, error) {
	if tokenID == "" {
		return false, errors.New("token_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM redeemed_tokens WHERE token_id = ?)`,
		tokenID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check redeemed token %q: %w", tokenID, err)
	}

	return exists == 1, nil
}

// PruneRedeemedTokens removes redeemed token rows older than cutoff timestamp.
// Tokens expire long before the retention window closes.
func (s *Store) PruneRedeemedTokens(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM redeemed_tokens WHERE redeemed_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune redeemed tokens: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for redeemed token prune: %w", err)
	}

	return rowsAffected, nil
}
