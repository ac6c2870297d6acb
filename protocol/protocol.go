// Package protocol defines the two wire formats of the sync subsystem: the
// newline-delimited signaling messages and the JSON messages exchanged on a
// direct peer channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ProtocolVersion is advertised in discovery records; peers with another value are ignored.
	ProtocolVersion = "1"
	// MaxLineSize bounds one signaling line or channel message.
	MaxLineSize = 4 * 1024 * 1024
)

var (
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrMissingSender indicates a signaling message without a from field.
	ErrMissingSender = errors.New("protocol: missing sender")
	// ErrMessageTooLarge indicates a message above MaxLineSize.
	ErrMessageTooLarge = errors.New("protocol: message exceeds max size")
)

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}
