// Package v1 defines the wander realtime protocol v1 contract.
//
// It is shared between the server and the Go client so the wire format has a single definition.
// REST resources (Conversation, Message) use the same JSON shapes as realtime payloads.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated at handshake.
const Subprotocol = "wander.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoinConversation declares interest in a conversation (client -> server).
	TypeJoinConversation = "join_conversation"
	// TypeConversationJoined confirms a join (server -> client).
	TypeConversationJoined = "conversation_joined"
	// TypeLeaveConversation drops interest in a conversation (client -> server).
	TypeLeaveConversation = "leave_conversation"

	// TypeSendMessage asks the hub to fan a message out (client -> server). It does not persist.
	TypeSendMessage = "send_message"
	// TypeMessageRelayed acknowledges a fan-out to the sender (server -> client).
	TypeMessageRelayed = "message_relayed"
	// TypeNewMessage pushes a message to interested connections (server -> client).
	TypeNewMessage = "new_message"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the structural fields shared by every envelope.
// Unknown types are valid: receivers ignore what they do not understand.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// Known reports whether the envelope type is part of protocol v1.
func (e Envelope) Known() bool {
	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinConversation,
		TypeConversationJoined,
		TypeLeaveConversation,
		TypeSendMessage,
		TypeMessageRelayed,
		TypeNewMessage,
		TypeError:
		return true
	default:
		return false
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
