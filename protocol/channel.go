package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ChannelType is the type tag of a peer channel message.
type ChannelType string

const (
	TypeSyncStep1    ChannelType = "SYNC_STEP_1"
	TypeSyncStep2    ChannelType = "SYNC_STEP_2"
	TypeUpdate       ChannelType = "UPDATE"
	TypeAwareness    ChannelType = "AWARENESS"
	TypeAuthRequest  ChannelType = "AUTH_REQUEST"
	TypeAuthResponse ChannelType = "AUTH_RESPONSE"
)

// ChannelEnvelope is the JSON object exchanged on a peer channel.
type ChannelEnvelope struct {
	Type      ChannelType `json:"type"`
	Payload   string      `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Message is the decoded form of a channel message. Exactly one of the concrete
// types below implements it per message; anything unrecognised decodes to Ignored.
type Message interface {
	Kind() ChannelType
}

// SyncStep1 carries the sender's document state vector.
type SyncStep1 struct {
	StateVector []byte
}

// SyncStep2 carries the update the receiver of a SyncStep1 is missing.
type SyncStep2 struct {
	Update []byte
}

// Update carries merged incremental document changes.
type Update struct {
	Update []byte
}

// Awareness carries an encoded presence delta.
type Awareness struct {
	Update []byte
}

// AuthBody is the JSON carried inside AUTH_REQUEST and AUTH_RESPONSE payloads.
type AuthBody struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
	Success    *bool  `json:"success,omitempty"`
}

// SignableBytes returns the canonical bytes covered by Signature.
func (b AuthBody) SignableBytes() []byte {
	unsigned := b
	unsigned.Signature = ""
	raw, _ := json.Marshal(unsigned)
	return raw
}

// AuthRequest opens the application-level handshake.
type AuthRequest struct {
	Body AuthBody
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Body AuthBody
}

// Succeeded reports whether the remote accepted our request.
func (r AuthResponse) Succeeded() bool {
	return r.Body.Success != nil && *r.Body.Success
}

// Ignored stands in for any payload that is not a known, well-formed message.
type Ignored struct {
	Reason string
}

func (SyncStep1) Kind() ChannelType    { return TypeSyncStep1 }
func (SyncStep2) Kind() ChannelType    { return TypeSyncStep2 }
func (Update) Kind() ChannelType       { return TypeUpdate }
func (Awareness) Kind() ChannelType    { return TypeAwareness }
func (AuthRequest) Kind() ChannelType  { return TypeAuthRequest }
func (AuthResponse) Kind() ChannelType { return TypeAuthResponse }
func (Ignored) Kind() ChannelType      { return "" }

// EncodeChannelMessage serializes msg into a channel envelope stamped with now.
func EncodeChannelMessage(msg Message, now time.Time) ([]byte, error) {
	var raw []byte
	switch m := msg.(type) {
	case SyncStep1:
		raw = m.StateVector
	case SyncStep2:
		raw = m.Update
	case Update:
		raw = m.Update
	case Awareness:
		raw = m.Update
	case AuthRequest:
		body, err := json.Marshal(m.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal auth request: %w", err)
		}
		raw = body
	case AuthResponse:
		body, err := json.Marshal(m.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal auth response: %w", err)
		}
		raw = body
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessageType, msg)
	}

	out, err := EncodeJSON(ChannelEnvelope{
		Type:      msg.Kind(),
		Payload:   base64.StdEncoding.EncodeToString(raw),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	if len(out) > MaxLineSize {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// DecodeChannelMessage parses a channel payload. It never fails: malformed or
// unknown input yields Ignored, because the channel also carries other traffic.
func DecodeChannelMessage(raw []byte) Message {
	var env ChannelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Ignored{Reason: "malformed json"}
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return Ignored{Reason: "malformed payload"}
	}

	switch env.Type {
	case TypeSyncStep1:
		return SyncStep1{StateVector: payload}
	case TypeSyncStep2:
		return SyncStep2{Update: payload}
	case TypeUpdate:
		return Update{Update: payload}
	case TypeAwareness:
		return Awareness{Update: payload}
	case TypeAuthRequest, TypeAuthResponse:
		var body AuthBody
		if err := json.Unmarshal(payload, &body); err != nil || body.DeviceID == "" {
			return Ignored{Reason: "malformed auth body"}
		}
		if env.Type == TypeAuthRequest {
			return AuthRequest{Body: body}
		}
		return AuthResponse{Body: body}
	default:
		return Ignored{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}
}
