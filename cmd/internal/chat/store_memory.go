package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"wander/cmd/identity/ids"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the dev/test Store used when no database is configured.
// It supports the full Store contract (idempotent pair creation, append with
// client_msg_id dedupe, seq allocation, windowed history).
type InMemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memConv // conversation id -> state
	byPair map[[2]string]string
}

type memConv struct {
	conv   Conversation
	seq    int64
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		byPair: make(map[[2]string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// GetOrCreate returns the conversation for the unordered pair, creating it on first use.
func (s *InMemoryStore) GetOrCreate(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	const op = "chat.GetOrCreate"

	userA, userB, err := validatePair(op, userA, userB)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	low, high := PairKey(userA, userB)
	key := [2]string{low, high}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		return s.convs[id].conv, false, nil
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, persistErr(op, err)
	}
	conv := Conversation{ID: id, UserA: userA, UserB: userB, CreatedAt: now}
	s.convs[id] = &memConv{
		conv:   conv,
		dedupe: make(map[string]Message),
		msgs:   make([]Message, 0, 64),
	}
	s.byPair[key] = id
	return conv, true, nil
}

// Get returns one conversation by id.
func (s *InMemoryStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "chat.Get"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[normalizeID(conversationID)]
	if c == nil {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	return c.conv, nil
}

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.Append"

	content, err := validateAppend(op, &in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return AppendResult{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err := checkSender(op, c.conv, in.FromUserID); err != nil {
		return AppendResult{}, err
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendResult{}, persistErr(op, err)
	}

	c.seq++
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		ClientMsgID:    in.ClientMsgID,
		FromUserID:     in.FromUserID,
		ToUserID:       c.conv.Peer(in.FromUserID),
		Content:        content,
		CreatedAt:      now,
	}
	if msg.ClientMsgID != "" {
		c.dedupe[msg.ClientMsgID] = msg
	}
	c.msgs = append(c.msgs, msg)
	c.conv.LastMessageAt = bumpLastMessageAt(c.conv.LastMessageAt, now)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendResult{Message: msg}, nil
}

// List returns a window of messages ordered oldest to newest.
func (s *InMemoryStore) List(ctx context.Context, in ListInput) (ListResult, error) {
	const op = "chat.List"

	convID := normalizeID(in.ConversationID)
	if convID == "" {
		return ListResult{}, ValidationError{Op: op, Field: "conversation_id", Msg: "required"}
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}
	limit := clampLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[convID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if c == nil {
		return ListResult{}, NotFoundError{Op: op, Resource: "conversation"}
	}

	if in.AfterSeq != nil {
		// Catch-up pages walk seq, the order cursors advance in; created_at may disagree
		// across instances.
		sort.SliceStable(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })
		after := *in.AfterSeq
		out := snap[:0]
		for _, m := range snap {
			if m.Seq > after {
				out = append(out, m)
			}
		}
		hasMore := len(out) > limit
		if hasMore {
			out = out[:limit]
		}
		return ListResult{Messages: out, HasMore: hasMore}, nil
	}

	sortMessages(snap)
	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[len(snap)-limit:]
	}
	return ListResult{Messages: snap, HasMore: hasMore}, nil
}

// ListConversationsForUser returns the caller's conversations, most recently active first.
func (s *InMemoryStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "chat.ListConversationsForUser"

	userID = normalizeID(userID)
	if userID == "" {
		return nil, ValidationError{Op: op, Field: "user_id", Msg: "required"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.Has(userID) {
			out = append(out, c.conv)
		}
	}
	s.mu.Unlock()

	SortByActivity(out)
	return out, nil
}

// sortMessages orders by (created_at, seq). Seq breaks ties between equal timestamps.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// SortByActivity orders conversations by LastMessageAt desc; conversations without
// messages go last, newest created first.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil:
			if !a.LastMessageAt.Equal(*b.LastMessageAt) {
				return a.LastMessageAt.After(*b.LastMessageAt)
			}
		case a.LastMessageAt != nil:
			return true
		case b.LastMessageAt != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
