package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	memDefaultListLimit = 50
	memMaxListLimit     = 200
)

// MemoryStore is an in-memory Store used for dev mode and tests.
//
// Concurrency model:
//   - One mutex serializes all writes, which trivially satisfies the
//     per-conversation append ordering requirement.
//   - CreatedAt is bumped monotonically per conversation so two appends
//     landing in the same millisecond still sort in append order.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	pairs map[string]string // normalized "a\x00b" -> conversation id
}

type memConv struct {
	conv   Conversation
	msgs   []Message // ascending canonical order
	lastTS time.Time
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memConv),
		pairs: make(map[string]string),
	}
}

// FindOrCreate returns the conversation for the unordered pair, creating
// it on first contact. The pair index is checked and written under one
// lock, so concurrent first contact from both sides yields one row.
func (s *MemoryStore) FindOrCreate(ctx context.Context, actorA, actorB string) (Conversation, error) {
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
	key := a + "\x00" + b

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairs[key]; ok {
		return s.convs[id].conv, nil
	}

	now := time.Now().UTC()
	id, err := NewID(now)
	if err != nil {
		return Conversation{}, err
	}

	conv := Conversation{
		ID:            id,
		ParticipantA:  a,
		ParticipantB:  b,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	s.convs[id] = &memConv{conv: conv}
	s.pairs[key] = id
	return conv, nil
}

// ListFor returns actorID's conversations ordered by LastMessageAt descending.
func (s *MemoryStore) ListFor(ctx context.Context, actorID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.HasParticipant(actorID) {
			out = append(out, c.conv)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Append validates, persists and returns the canonical message.
func (s *MemoryStore) Append(ctx context.Context, conversationID, senderID, content string) (Message, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if !c.conv.HasParticipant(senderID) {
		return Message{}, ErrNotParticipant
	}

	// Monotonic per-conversation timestamp: appends within one millisecond
	// would otherwise tie on CreatedAt and leave ordering to the random
	// ULID suffix.
	now := time.Now().UTC()
	if !now.After(c.lastTS) {
		now = c.lastTS.Add(time.Millisecond)
	}
	c.lastTS = now

	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	c.conv.LastMessageAt = now
	return msg, nil
}

// ListSince returns up to limit messages strictly after the cursor in
// ascending canonical order. Only participants may read.
func (s *MemoryStore) ListSince(ctx context.Context, conversationID, readerID string, after Cursor, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit = clampListLimit(limit)

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !c.conv.HasParticipant(readerID) {
		s.mu.Unlock()
		return nil, ErrNotParticipant
	}
	snap := append([]Message(nil), c.msgs...)
	s.mu.Unlock()

	start := 0
	if after.AfterID != "" {
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > after.AfterID })
	}
	if start >= len(snap) {
		return nil, nil
	}

	end := start + limit
	if end > len(snap) {
		end = len(snap)
	}
	return snap[start:end], nil
}

// MarkReadAll flips Read on every message not sent by readerID. Idempotent.
func (s *MemoryStore) MarkReadAll(ctx context.Context, conversationID, readerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.conv.HasParticipant(readerID) {
		return ErrNotParticipant
	}

	for i := range c.msgs {
		if c.msgs[i].SenderID != readerID {
			c.msgs[i].Read = true
		}
	}
	return nil
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return memDefaultListLimit
	}
	if limit > memMaxListLimit {
		return memMaxListLimit
	}
	return limit
}
