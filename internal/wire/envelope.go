// ABOUTME: Visitor-facing wire protocol envelopes for the WebSocket connection.
// ABOUTME: Defines the closed set of {type, data} message kinds and boundary validation.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client envelope types (visitor → server).
const (
	TypeInit    = "init"
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server envelope types (server → visitor).
const (
	TypeReady = "ready"
	TypeError = "error"
	TypePong  = "pong"
	// TypeMessage is shared: agent replies go out as "message" envelopes.
)

// ErrUnknownType indicates a client envelope with a type outside the closed set.
var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the raw {type, data} frame exchanged with visitors.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitData is the payload of an "init" envelope. The optional SessionID
// requests resumption of a previous session.
type InitData struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	Page              string `json:"page"`
	VerificationToken string `json:"verificationToken"`
	SessionID         string `json:"sessionId,omitempty"`
}

// MessageData is the payload of a "message" envelope in either direction.
// Author and Timestamp are only set on server → visitor messages.
type MessageData struct {
	Message   string `json:"message"`
	Author    string `json:"author,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ReadyData is the payload of a "ready" envelope sent after a successful
// handshake.
type ReadyData struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// ErrorData is the payload of an "error" envelope.
type ErrorData struct {
	Message string `json:"message"`
}

// ClientEnvelope is a decoded, validated visitor frame. Exactly one payload
// field is non-nil, matching Type.
type ClientEnvelope struct {
	Type    string
	Init    *InitData
	Message *MessageData
}

// ParseClient decodes a raw frame from a visitor into a ClientEnvelope.
// Unknown types return ErrUnknownType so the caller can surface a visible
// error instead of silently dropping the frame.
func ParseClient(raw []byte) (*ClientEnvelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypeInit:
		var data InitData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding init data: %w", err)
		}
		return &ClientEnvelope{Type: TypeInit, Init: &data}, nil

	case TypeMessage:
		var data MessageData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding message data: %w", err)
		}
		return &ClientEnvelope{Type: TypeMessage, Message: &data}, nil

	case TypePing:
		return &ClientEnvelope{Type: TypePing}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// marshalEnvelope encodes a server envelope with the given payload.
func marshalEnvelope(envType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", envType, err)
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Type: envType, Data: raw})
}

// Ready builds a "ready" envelope.
func Ready(message, sessionID string) ([]byte, error) {
	return marshalEnvelope(TypeReady, ReadyData{Message: message, SessionID: sessionID})
}

// Message builds a server → visitor "message" envelope.
func Message(text, author string, timestampMs int64) ([]byte, error) {
	return marshalEnvelope(TypeMessage, MessageData{Message: text, Author: author, Timestamp: timestampMs})
}

// Error builds an "error" envelope.
func Error(message string) ([]byte, error) {
	return marshalEnvelope(TypeError, ErrorData{Message: message})
}

// Pong builds a "pong" envelope.
func Pong() ([]byte, error) {
	return marshalEnvelope(TypePong, nil)
}
