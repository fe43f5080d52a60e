package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL. See schema.sql for the
// expected tables; schema management is owned by migrations, not by this
// package.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller closes it.
//
// Concurrency model:
//   - Append takes a per-conversation transactional advisory lock so id
//     assignment and CreatedAt stay a strict total order under
//     concurrent senders.
//   - FindOrCreate relies on the unique index over the normalized
//     participant pair, not an application-level existence check, so
//     concurrent first contact cannot create duplicates.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "festiva").
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
		schema: "festiva",
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

// FindOrCreate returns the conversation for the unordered pair, creating
// it on first contact.
func (s *PostgresStore) FindOrCreate(ctx context.Context, actorA, actorB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	actorA = strings.TrimSpace(actorA)
	actorB = strings.TrimSpace(actorB)
	if actorA == "" || actorB == "" {
		return Conversation{}, ValidationError{Field: "actor_id", Reason: "empty"}
	}
	if actorA == actorB {
		return Conversation{}, ErrSelfConversation
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	a, b := NormalizePair(actorA, actorB)
	now := time.Now().UTC()

	id, err := NewID(now)
	if err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	// The unique index on (participant_a, participant_b) serializes first
	// contact; the losing insert is a no-op and the select below returns
	// the winner's row for both callers.
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_a, participant_b, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (participant_a, participant_b) DO NOTHING`,
		id, a, b, now,
	); err != nil {
		return Conversation{}, err
	}

	var conv Conversation
	err = s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, last_message_at, created_at
		   FROM `+conversations+`
		  WHERE participant_a = $1 AND participant_b = $2`,
		a, b,
	).Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &conv.LastMessageAt, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ListFor returns actorID's conversations ordered by LastMessageAt descending.
func (s *PostgresStore) ListFor(ctx context.Context, actorID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, ValidationError{Field: "actor_id", Reason: "empty"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_a, participant_b, last_message_at, created_at
		   FROM `+conversations+`
		  WHERE participant_a = $1 OR participant_b = $1
		  ORDER BY last_message_at DESC, id DESC`,
		actorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessageAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Append validates, persists and returns the canonical message.
func (s *PostgresStore) Append(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ValidationError{Field: "content", Reason: "empty"}
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return Message{}, ValidationError{Field: "content", Reason: "too long"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	// Serialize all appends per conversation: id and CreatedAt assignment
	// must stay strictly ordered even when both participants write at once.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var conv Conversation
	err = tx.QueryRow(ctx,
		`SELECT id, participant_a, participant_b FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return Message{}, ErrNotParticipant
	}

	// CreatedAt is server-assigned and bumped past the newest message so
	// appends within one millisecond still sort in append order.
	now := time.Now().UTC()
	var lastTS *time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM `+messages+` WHERE conversation_id = $1 ORDER BY id DESC LIMIT 1`,
		conversationID,
	).Scan(&lastTS)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, err
	}
	if lastTS != nil && !now.After(*lastTS) {
		now = lastTS.Add(time.Millisecond)
	}

	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		id, conversationID, senderID, content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_at = $2 WHERE id = $1`,
		conversationID, now,
	); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// ListSince returns up to limit messages strictly after the cursor in
// ascending canonical order. Only participants may read.
func (s *PostgresStore) ListSince(ctx context.Context, conversationID, readerID string, after Cursor, limit int) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit = clampListLimit(limit)

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(readerID) {
		return nil, ErrNotParticipant
	}

	var rows pgx.Rows
	if after.AfterID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, created_at, read
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at ASC, id ASC
			  LIMIT $2`,
			conversationID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, created_at, read
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND id > $2
			  ORDER BY created_at ASC, id ASC
			  LIMIT $3`,
			conversationID, after.AfterID, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.Read); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkReadAll flips Read on every message not sent by readerID. Idempotent.
func (s *PostgresStore) MarkReadAll(ctx context.Context, conversationID, readerID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !conv.HasParticipant(readerID) {
		return ErrNotParticipant
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read = TRUE
		  WHERE conversation_id = $1 AND sender_id <> $2 AND read = FALSE`,
		conversationID, readerID,
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
