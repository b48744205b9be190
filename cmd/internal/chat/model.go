// Package chat owns the durable side of conversation delivery: the conversation registry
// and the append-only message store.
//
// Stores never fan out. Callers (REST handlers) persist first and the realtime hub pushes
// independently; the store is the durability guarantee.
package chat

import (
	"strings"
	"time"

	v1 "wander/contracts/realtime/v1"
)

// Limits shared by every store implementation.
const (
	MaxBodyChars    = 4000
	MaxMediaURLLen  = 2048
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Session is the authenticated caller. It is passed explicitly to every operation that
// acts on behalf of a user; there is no ambient current user.
type Session struct {
	UserID    string
	SessionID string
}

// Conversation is the durable 1:1 channel between two users.
type Conversation struct {
	ID            string
	UserA         string
	UserB         string
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// Has reports whether userID is one of the two participants.
func (c Conversation) Has(userID string) bool {
	return userID != "" && (c.UserA == userID || c.UserB == userID)
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c Conversation) Peer(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	default:
		return ""
	}
}

// Wire converts the conversation to its REST shape.
func (c Conversation) Wire() v1.Conversation {
	return v1.Conversation{
		ID:            c.ID,
		UserA:         c.UserA,
		UserB:         c.UserB,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
	}
}

// Message is one persisted unit of communication. Never mutated after creation.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	ClientMsgID    string
	FromUserID     string
	ToUserID       string
	Content        v1.Content
	CreatedAt      time.Time
}

// Wire converts the message to its REST / push shape.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		ClientMsgID:    m.ClientMsgID,
		FromUserID:     m.FromUserID,
		ToUserID:       m.ToUserID,
		CreatedAt:      m.CreatedAt,
	}.WithContent(m.Content)
}

// PairKey normalises an unordered user pair.
func PairKey(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// normalizeID trims an identifier.
func normalizeID(s string) string {
	return strings.TrimSpace(s)
}

// bumpLastMessageAt keeps LastMessageAt monotonic (last write wins only forward).
func bumpLastMessageAt(cur *time.Time, at time.Time) *time.Time {
	if cur != nil && !at.After(*cur) {
		return cur
	}
	t := at
	return &t
}
