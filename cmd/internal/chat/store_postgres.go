package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wander/cmd/identity/ids"
	v1 "wander/contracts/realtime/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Appends take a per-conversation transactional advisory lock, so seq has no gaps
//   and duplicates never consume a seq.
// - GetOrCreate relies on the (user_low, user_high) unique constraint.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "wander").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the schema the store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

const convColumns = `id, user_a, user_b, last_message_at, created_at`

const msgColumns = `id, conversation_id, seq, COALESCE(client_msg_id, ''), from_user_id, to_user_id,
       body, media_url, media_type, created_at`

// GetOrCreate returns the conversation for the unordered pair, creating it on first use.
func (s *PostgresStore) GetOrCreate(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	const op = "chat.GetOrCreate"

	userA, userB, err := validatePair(op, userA, userB)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	low, high := PairKey(userA, userB)
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, persistErr(op, err)
	}

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, false, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := scanConversation(tx.QueryRow(ctx,
		`INSERT INTO `+conversations+` (id, user_a, user_b, user_low, user_high, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_low, user_high) DO NOTHING
		 RETURNING `+convColumns,
		id, userA, userB, low, high, now,
	))
	created := true
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+cursors+` (conversation_id, next_seq) VALUES ($1, 1)
			 ON CONFLICT (conversation_id) DO NOTHING`,
			conv.ID,
		); err != nil {
			return Conversation{}, false, persistErr(op, fmt.Errorf("insert cursor: %w", err))
		}
	case errors.Is(err, pgx.ErrNoRows):
		// Lost the race or already present.
		created = false
		conv, err = scanConversation(tx.QueryRow(ctx,
			`SELECT `+convColumns+` FROM `+conversations+` WHERE user_low = $1 AND user_high = $2`,
			low, high,
		))
		if err != nil {
			return Conversation{}, false, persistErr(op, err)
		}
	default:
		return Conversation{}, false, persistErr(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, persistErr(op, err)
	}
	return conv, created, nil
}

// Get returns one conversation by id.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "chat.Get"

	conversationID = normalizeID(conversationID)
	if conversationID == "" {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}

	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+convColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return Conversation{}, persistErr(op, err)
	}
	return conv, nil
}

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.Append"

	content, err := validateAppend(op, &in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := nowOr(in.Now)

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, persistErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writes per conversation.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendResult{}, persistErr(op, fmt.Errorf("advisory lock: %w", err))
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+convColumns+` FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return AppendResult{}, persistErr(op, err)
	}
	if err := checkSender(op, conv, in.FromUserID); err != nil {
		return AppendResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+msgColumns+` FROM `+messages+` WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, persistErr(op, err)
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, persistErr(op, err)
		}
	}

	// Cursor row may be missing for conversations created out of band.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendResult{}, persistErr(op, err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendResult{}, persistErr(op, fmt.Errorf("allocate seq: %w", err))
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendResult{}, persistErr(op, err)
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            seq,
		ClientMsgID:    in.ClientMsgID,
		FromUserID:     in.FromUserID,
		ToUserID:       conv.Peer(in.FromUserID),
		Content:        content,
		CreatedAt:      now,
	}
	body, mediaURL, mediaType := v1.Parts(content)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, client_msg_id, from_user_id, to_user_id,
		     kind, body, media_url, media_type, created_at
		   ) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.ClientMsgID, msg.FromUserID, msg.ToUserID,
		content.Kind(), body, mediaURL, mediaType, msg.CreatedAt,
	); err != nil {
		return AppendResult{}, persistErr(op, fmt.Errorf("insert message: %w", err))
	}

	// GREATEST ignores NULL, so the first message sets the column and later ones only move it forward.
	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1`,
		in.ConversationID, now,
	); err != nil {
		return AppendResult{}, persistErr(op, fmt.Errorf("bump last_message_at: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, persistErr(op, err)
	}
	return AppendResult{Message: msg}, nil
}

// List returns a window of messages ordered oldest to newest. The tail window is ordered
// by created_at; the after_seq window by seq, so a client paging by its last seq never
// skips a row.
func (s *PostgresStore) List(ctx context.Context, in ListInput) (ListResult, error) {
	const op = "chat.List"

	convID := normalizeID(in.ConversationID)
	if convID == "" {
		return ListResult{}, ValidationError{Op: op, Field: "conversation_id", Msg: "required"}
	}
	if _, err := s.Get(ctx, convID); err != nil {
		return ListResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1
	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+msgColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at DESC, seq DESC
			  LIMIT $2`,
			convID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+msgColumns+`
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			convID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return ListResult{}, persistErr(op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListResult{}, persistErr(op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, persistErr(op, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if in.AfterSeq == nil {
		// Tail window was read newest first.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return ListResult{Messages: msgs, HasMore: hasMore}, nil
}

// ListConversationsForUser returns the caller's conversations, most recently active first.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "chat.ListConversationsForUser"

	userID = normalizeID(userID)
	if userID == "" {
		return nil, ValidationError{Op: op, Field: "user_id", Msg: "required"}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+convColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE user_low = $1 OR user_high = $1
		  ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.UserA, &c.UserB, &c.LastMessageAt, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	if c.LastMessageAt != nil {
		t := c.LastMessageAt.UTC()
		c.LastMessageAt = &t
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var body, mediaURL, mediaType string
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&m.ClientMsgID,
		&m.FromUserID,
		&m.ToUserID,
		&body,
		&mediaURL,
		&mediaType,
		&m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	content, err := v1.ContentFromParts(body, mediaURL, mediaType)
	if err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	m.Content = content
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}
