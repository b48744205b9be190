package realtime

import (
	"context"
	"errors"
	"strings"

	"wander/cmd/internal/chat"
)

// ErrNotParticipant is returned when a user asks for a conversation they are not part of.
var ErrNotParticipant = errors.New("realtime: not a participant")

// Membership defines the authorization boundary for conversation interest.
// chat.Registry satisfies it.
type Membership interface {
	Get(ctx context.Context, conversationID string) (chat.Conversation, error)
}

// authorizeJoin resolves conversationID and checks that userID participates in it.
// Missing conversations and foreign ones are both reported, so callers can map them to
// one "unavailable" answer.
func authorizeJoin(ctx context.Context, m Membership, userID, conversationID string) (chat.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return chat.Conversation{}, chat.ValidationError{Op: "realtime.join", Field: "conversation_id", Msg: "required"}
	}
	conv, err := m.Get(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.Has(userID) {
		return chat.Conversation{}, ErrNotParticipant
	}
	return conv, nil
}
