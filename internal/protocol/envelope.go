// ABOUTME: Envelope encoding and exhaustive decoding for wire messages
// ABOUTME: Unknown discriminants are an error, never silently dropped

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageType is returned when an envelope carries a discriminant
// this version of the protocol does not recognize.
var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope wraps a message with its type discriminant for transport.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a message in an Envelope and marshals it to JSON.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msg.messageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.messageType(), Payload: payload})
}

// Decode parses an envelope and returns the concrete message it carries.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return env.Message()
}

// Message unmarshals the envelope payload into its concrete type.
func (e *Envelope) Message() (Message, error) {
	var msg Message
	switch e.Type {
	case TypeAuthChallenge:
		msg = &AuthChallenge{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeAuthResult:
		msg = &AuthResult{}
	case TypeAuthReject:
		msg = &AuthReject{}
	case TypePermissionRequest:
		msg = &PermissionRequest{}
	case TypePermissionResponse:
		msg = &PermissionResponse{}
	case TypeHeartbeatProbe:
		msg = &HeartbeatProbe{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{}
	case TypeSessionClose:
		msg = &SessionClose{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}
	if err := json.Unmarshal(e.Payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling %s payload: %w", e.Type, err)
	}
	return msg, nil
}
