package v1

import "time"

// Message kinds (wire-stable).
const (
	KindText     = "text"
	KindImage    = "image"
	KindFile     = "file"
	KindLocation = "location"
)

// Message is the wire shape of a conversation message, used by REST responses and new_message pushes.
// A pushed message that has not been persisted yet carries no ID and Seq.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq,omitempty"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	FromUserID     string    `json:"from_user_id"`
	ToUserID       string    `json:"to_user_id,omitempty"`
	Kind           string    `json:"kind"`
	Body           string    `json:"body,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	MediaType      string    `json:"media_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the wire shape of a 1:1 conversation.
type Conversation struct {
	ID            string     `json:"id"`
	UserA         string     `json:"user_a"`
	UserB         string     `json:"user_b"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ---- REST bodies ----

// CreateConversationRequest is the POST /conversations body.
type CreateConversationRequest struct {
	PeerUserID string `json:"peer_user_id"`
}

// SendMessageRequest is the POST /messages/{conversationID} body.
type SendMessageRequest struct {
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Body        string `json:"body,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
}

// MessageList is the GET /messages/{conversationID} response.
type MessageList struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
}

// ConversationList is the GET /conversations response.
type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

// APIError is the REST error body.
type APIError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---- Realtime payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload identifies the server-side delivery session.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// JoinConversationPayload declares interest in a conversation.
// Replace drops every other interest held by the connection.
type JoinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	Replace        bool   `json:"replace,omitempty"`
}

// ConversationJoinedPayload confirms a join.
type ConversationJoinedPayload struct {
	ConversationID string   `json:"conversation_id"`
	Interests      []string `json:"interests"`
}

// LeaveConversationPayload drops interest in a conversation.
type LeaveConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessagePayload asks the hub to push a message to the other participant.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Body           string `json:"body,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

// MessageRelayedPayload reports how many local connections received a fan-out.
type MessageRelayedPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Recipients     int    `json:"recipients"`
}

// NewMessagePayload is pushed to connections interested in ConversationID.
type NewMessagePayload struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
