// ABOUTME: Envelope encoding/decoding for the WebSocket wire protocol.
// ABOUTME: Tagged union over message/typing/ping/pong/presence/ack/error frames.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates envelope payloads.
type Type string

// Envelope types. Every frame on the wire carries exactly one of these.
const (
	TypeMessage    Type = "message"
	TypeTyping     Type = "typing"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
	TypeAck        Type = "ack"
	TypeError      Type = "error"
)

// Close codes. Normal and auth-failure closes suppress client
// reconnection; everything else is treated as abnormal.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseAbnormal    = 1006
	CloseAuthFailure = 4001
)

// Envelope is one wire frame. Payload is decoded lazily by type.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload carries a conversation message in either direction.
// Seq is zero on client-to-server frames; the server assigns it.
type MessagePayload struct {
	ID               string    `json:"id,omitempty"`
	Seq              int64     `json:"seq,omitempty"`
	AuthorID         string    `json:"authorId,omitempty"`
	AuthorName       string    `json:"authorName"`
	Content          string    `json:"content"`
	IsAssistant      bool      `json:"isAssistant"`
	Kind             string    `json:"kind,omitempty"`
	IdempotencyToken string    `json:"idempotencyToken,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// TypingPayload signals that a user is composing. Relayed, never persisted.
type TypingPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Active   bool   `json:"active"`
}

// PresencePayload is shared by user_joined and user_left frames.
type PresencePayload struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
}

// AckPayload confirms a client send, echoing its idempotency token and
// the sequence number the message was committed at. Duplicate is true
// when the token was already seen and no new message was created.
type AckPayload struct {
	IdempotencyToken string `json:"idempotencyToken"`
	MessageID        string `json:"messageId,omitempty"`
	Seq              int64  `json:"seq,omitempty"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

// ErrorPayload reports an explicit per-send failure to the original
// sender. Retryable tells the client whether a fresh idempotency token
// is worth trying.
type ErrorPayload struct {
	IdempotencyToken string `json:"idempotencyToken,omitempty"`
	Code             string `json:"code"`
	Message          string `json:"message"`
	Retryable        bool   `json:"retryable"`
}

// NewEnvelope builds an envelope around a payload value.
func NewEnvelope(t Type, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Envelope{Type: t, Payload: raw}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame into an envelope, rejecting unknown types.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	switch env.Type {
	case TypeMessage, TypeTyping, TypePing, TypePong,
		TypeUserJoined, TypeUserLeft, TypeAck, TypeError:
		return &env, nil
	case "":
		return nil, fmt.Errorf("envelope missing type")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

// DecodePayload unmarshals the payload into T.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var v T
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s envelope has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return &v, nil
}
