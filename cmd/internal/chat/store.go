package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	v1 "wander/contracts/realtime/v1"
)

// Registry maps an unordered pair of users to a stable conversation.
//
// Requirements:
//   - GetOrCreate is idempotent on the normalised pair, including under concurrent calls.
//   - Conversations are never deleted.
type Registry interface {
	GetOrCreate(ctx context.Context, userA, userB string) (conv Conversation, created bool, err error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Append writes exactly one row and bumps the conversation's LastMessageAt monotonically.
//   - Idempotency per (conversation_id, client_msg_id) when client_msg_id is set.
//   - Monotonic seq per conversation.
//   - List is a snapshot read ordered oldest to newest: by created_at for the tail window,
//     by seq for the after_seq window.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	List(ctx context.Context, in ListInput) (ListResult, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
}

// Store is the full persistence boundary used by the app.
type Store interface {
	Registry
	MessageStore
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	ClientMsgID    string
	FromUserID     string
	Body           string
	MediaURL       string
	MediaType      string
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// ListInput describes a snapshot read.
//
// Without AfterSeq the newest Limit messages are returned; with AfterSeq the oldest Limit
// messages after it are returned (gap catch-up). Both windows are ordered oldest to newest.
type ListInput struct {
	ConversationID string
	Limit          int
	AfterSeq       *int64
}

// ListResult contains a window of messages.
type ListResult struct {
	Messages []Message
	HasMore  bool
}

const maxClientMsgIDLen = 64

// validateAppend checks everything that does not need the conversation row.
func validateAppend(op string, in *AppendInput) (v1.Content, error) {
	in.ConversationID = normalizeID(in.ConversationID)
	in.FromUserID = normalizeID(in.FromUserID)
	in.ClientMsgID = normalizeID(in.ClientMsgID)

	if in.ConversationID == "" {
		return nil, ValidationError{Op: op, Field: "conversation_id", Msg: "required"}
	}
	if in.FromUserID == "" {
		return nil, ValidationError{Op: op, Field: "from_user_id", Msg: "required"}
	}
	if len(in.ClientMsgID) > maxClientMsgIDLen {
		return nil, ValidationError{Op: op, Field: "client_msg_id", Msg: fmt.Sprintf("max %d bytes", maxClientMsgIDLen)}
	}
	if n := len([]rune(strings.TrimSpace(in.Body))); n > MaxBodyChars {
		return nil, ValidationError{Op: op, Field: "body", Msg: fmt.Sprintf("too long: max=%d chars", MaxBodyChars)}
	}
	if len(strings.TrimSpace(in.MediaURL)) > MaxMediaURLLen {
		return nil, ValidationError{Op: op, Field: "media_url", Msg: "too long"}
	}

	content, err := v1.ContentFromParts(in.Body, in.MediaURL, in.MediaType)
	if err != nil {
		return nil, ValidationError{Op: op, Field: "body", Msg: err.Error()}
	}
	return content, nil
}

// checkSender enforces that the sender participates in the conversation.
func checkSender(op string, conv Conversation, fromUserID string) error {
	if !conv.Has(fromUserID) {
		return ValidationError{Op: op, Field: "from_user_id", Msg: "not a participant"}
	}
	return nil
}

func validatePair(op, userA, userB string) (string, string, error) {
	userA, userB = normalizeID(userA), normalizeID(userB)
	if userA == "" || userB == "" {
		return "", "", ValidationError{Op: op, Field: "user_id", Msg: "required"}
	}
	if userA == userB {
		return "", "", ValidationError{Op: op, Field: "user_id", Msg: "cannot converse with self"}
	}
	return userA, userB, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
