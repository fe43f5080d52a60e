package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when FESTIVA_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_FindOrCreate_ConcurrentFirstContact(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyChatSchema(t, pool, schema)
	store := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := "it-a-" + testRandomHex(6)
	b := "it-b-" + testRandomHex(6)

	const n = 16

	var wg sync.WaitGroup
	wg.Add(n)

	ids := make([]string, n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = y, x
			}
			conv, err := store.FindOrCreate(ctx, x, y)
			if err != nil {
				errCh <- fmt.Errorf("find or create %d: %w", i, err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatal(err)
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("conversation id diverged at %d: %q vs %q", i, ids[i], ids[0])
		}
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "conversations")+` WHERE participant_a = $1`,
		minString(a, b),
	).Scan(&cnt); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected 1 conversation row, got %d", cnt)
	}
}

func TestPostgresStore_Append_Order_Cursor(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyChatSchema(t, pool, schema)
	store := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	a := "it-a-" + testRandomHex(6)
	b := "it-b-" + testRandomHex(6)

	conv, err := store.FindOrCreate(ctx, a, b)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}

	// Concurrent appends from both sides. The advisory lock serializes
	// them; ids must come out strictly increasing with no ties.
	const n = 24

	var wg sync.WaitGroup
	wg.Add(n)

	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sender := a
			if i%2 == 1 {
				sender = b
			}
			if _, err := store.Append(ctx, conv.ID, sender, fmt.Sprintf("m%d", i)); err != nil {
				errCh <- fmt.Errorf("append %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatal(err)
	}

	msgs, err := store.ListSince(ctx, conv.ID, a, Cursor{}, n)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("got=%d messages want=%d", len(msgs), n)
	}
	for i := 1; i < n; i++ {
		if !msgs[i-1].Less(msgs[i]) {
			t.Fatalf("order violation at %d: %q !< %q", i, msgs[i-1].ID, msgs[i].ID)
		}
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("id tie/regression at %d", i)
		}
	}

	// Cursor paging resumes exactly after the given id.
	mid := msgs[n/2]
	rest, err := store.ListSince(ctx, conv.ID, a, Cursor{AfterID: mid.ID}, n)
	if err != nil {
		t.Fatalf("list after cursor: %v", err)
	}
	if len(rest) != n-(n/2)-1 {
		t.Fatalf("cursor page: got=%d want=%d", len(rest), n-(n/2)-1)
	}
	if len(rest) > 0 && rest[0].ID <= mid.ID {
		t.Fatalf("cursor not exclusive: %q <= %q", rest[0].ID, mid.ID)
	}
}

func TestPostgresStore_MarkReadAll_Idempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplyChatSchema(t, pool, schema)
	store := mustNewChatStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a := "it-a-" + testRandomHex(6)
	b := "it-b-" + testRandomHex(6)

	conv, err := store.FindOrCreate(ctx, a, b)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}

	if _, err := store.Append(ctx, conv.ID, a, "from a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, conv.ID, b, "from b"); err != nil {
		t.Fatalf("append: %v", err)
	}

	for i := 0; i < 2; i++ { // second pass checks idempotence
		if err := store.MarkReadAll(ctx, conv.ID, b); err != nil {
			t.Fatalf("mark read (pass %d): %v", i, err)
		}
	}

	msgs, err := store.ListSince(ctx, conv.ID, b, Cursor{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range msgs {
		wantRead := m.SenderID == a
		if m.Read != wantRead {
			t.Fatalf("message %q: read=%v want=%v", m.ID, m.Read, wantRead)
		}
	}

	if err := store.MarkReadAll(ctx, conv.ID, "it-outsider"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider reader: got=%v want=ErrNotParticipant", err)
	}
	if err := store.MarkReadAll(ctx, "it-missing", b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: got=%v want=ErrNotFound", err)
	}
}

// ---- test helpers ----

func mustNewChatStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("FESTIVA_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: FESTIVA_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse FESTIVA_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "festiva_it_" + strings.ToLower(testRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	// Must remain semantically aligned with internal/chat/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  participant_a   TEXT NOT NULL,
  participant_b   TEXT NOT NULL,
  last_message_at TIMESTAMPTZ NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  CHECK (participant_a < participant_b)
);

CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_uq
  ON %s (participant_a, participant_b);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id),
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  read            BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS messages_conversation_order_idx
  ON %s (conversation_id, id);
`, conversations, conversations, messages, conversations, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func testRandomHex(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

func minString(a, b string) string {
	if a < b {
		return a
	}
	return b
}
