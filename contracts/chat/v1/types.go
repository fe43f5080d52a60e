// Package v1 defines the Festiva Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and clients so the wire
// protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every frame.
const Version = "v1"

// Frame type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoin scopes delivery to a conversation (client -> server) and is echoed back.
	TypeJoin = "join"
	// TypeLeave drops a conversation scope (client -> server).
	TypeLeave = "leave"

	// TypeSend asks the gateway to fan a message out (client -> server).
	// Send frames are advisory: the durable path is always the append call,
	// never the socket. The gateway re-broadcasts, it never persists.
	TypeSend = "send"
	// TypeDeliver carries a message to conversation members (server -> client).
	TypeDeliver = "deliver"

	// TypeTyping fans a typing signal out to the other members.
	TypeTyping = "typing"

	// TypeError is a generic error frame (server -> client).
	TypeError = "error"
)

// Frame is the canonical wire wrapper.
type Frame struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for a Frame.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.V) == "" {
		return errors.New("missing field: v")
	}
	if f.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", f.V)
	}
	if strings.TrimSpace(f.Type) == "" {
		return errors.New("missing field: type")
	}

	switch f.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoin,
		TypeLeave,
		TypeSend,
		TypeDeliver,
		TypeTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// ActorID is an opaque identity resolved by the caller's auth system.
type HelloPayload struct {
	ActorID string `json:"actor_id"`
}

// HelloAckPayload carries the server-assigned websocket session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// JoinPayload requests delivery scope for a conversation.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// LeavePayload drops delivery scope for a conversation.
type LeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// WireMessage is the canonical message representation on the wire.
// IDs and timestamps are always server-assigned by the message store.
type WireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// SendPayload asks the gateway to fan a stored message out.
// The message must already be persisted; the gateway trusts the append
// call to have assigned the canonical id and timestamp.
type SendPayload struct {
	ConversationID string      `json:"conversation_id"`
	Message        WireMessage `json:"message"`
}

// DeliverPayload carries a message to the other conversation members.
type DeliverPayload struct {
	Message WireMessage `json:"message"`
}

// TypingPayload fans a typing signal out to the other members.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	ActorID        string `json:"actor_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
