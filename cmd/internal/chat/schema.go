package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "wander"

// schemaDDL is the minimal schema required by PostgresStore.
// Placeholders are filled by SchemaSQL in declaration order.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  user_a          TEXT NOT NULL,
  user_b          TEXT NOT NULL,
  user_low        TEXT NOT NULL,
  user_high       TEXT NOT NULL,
  last_message_at TIMESTAMPTZ NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_pair UNIQUE (user_low, user_high),
  CONSTRAINT chk_conversations_distinct CHECK (user_low < user_high)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  client_msg_id   TEXT NULL,
  from_user_id    TEXT NOT NULL,
  to_user_id      TEXT NOT NULL,
  kind            TEXT NOT NULL CHECK (kind IN ('text', 'image', 'file', 'location')),
  body            TEXT NOT NULL DEFAULT '',
  media_url       TEXT NOT NULL DEFAULT '',
  media_type      TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id),
  CONSTRAINT chk_messages_body_or_media CHECK (body <> '' OR media_url <> ''),
  CONSTRAINT chk_messages_body_len CHECK (char_length(body) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at, seq);

CREATE INDEX IF NOT EXISTS idx_conversations_activity
  ON %s (last_message_at DESC NULLS LAST, created_at DESC);
`

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// SchemaSQL renders the DDL for the given schema.
func SchemaSQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("chat: invalid schema identifier")
	}
	conversations := pgIdent(schema, "conversations")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(schemaDDL,
		pgx.Identifier{schema}.Sanitize(),
		conversations,
		cursors, conversations,
		messages, conversations,
		messages,
		conversations,
	), nil
}

// ApplySchema creates the chat tables if they do not exist. Safe to run on every boot.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
