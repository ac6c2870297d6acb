package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SignalType is the kind of connection-setup message.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is a known signaling type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	default:
		return false
	}
}

// SignalingMessage is one newline-delimited relay message. Payload carries the
// transport's session description or candidate as opaque JSON.
type SignalingMessage struct {
	Type      SignalType      `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// NewSignal builds a message with payload marshaled to JSON.
func NewSignal(msgType SignalType, from, to string, payload any) (SignalingMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalingMessage{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return SignalingMessage{
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// SignableBytes returns the canonical bytes covered by Signature.
func (m SignalingMessage) SignableBytes() []byte {
	unsigned := m
	unsigned.Signature = ""
	raw, _ := json.Marshal(unsigned)
	return raw
}

// DecodePayload unmarshals Payload into out.
func (m SignalingMessage) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// EncodeSignalingLine marshals msg followed by a newline.
func EncodeSignalingLine(msg SignalingMessage) ([]byte, error) {
	raw, err := EncodeJSON(msg)
	if err != nil {
		return nil, err
	}
	if len(raw)+1 > MaxLineSize {
		return nil, ErrMessageTooLarge
	}
	return append(raw, '\n'), nil
}

// DecodeSignalingLine parses one line (with or without the trailing newline).
func DecodeSignalingLine(line []byte) (SignalingMessage, error) {
	line = bytes.TrimSpace(line)
	var msg SignalingMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return SignalingMessage{}, fmt.Errorf("decode signaling message: %w", err)
	}
	if !msg.Type.Valid() {
		return SignalingMessage{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, msg.Type)
	}
	if msg.From == "" {
		return SignalingMessage{}, ErrMissingSender
	}
	return msg, nil
}
