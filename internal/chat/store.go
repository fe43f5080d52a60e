package chat

import "context"

// Cursor marks a position in a conversation's canonical message order.
// The zero Cursor means "from the beginning". AfterID is exclusive:
// ListSince returns messages strictly after it.
//
// Message ids are ULIDs, which sort in creation order, so an after-id
// cursor alone is a total-order cursor.
type Cursor struct {
	AfterID string
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Append serializes per conversation so (CreatedAt, ID) is a strict
//     total order under concurrent senders.
//   - IDs and timestamps are assigned server-side at insert time.
//   - ListSince returns ascending canonical order; an empty result is
//     valid and not an error.
type MessageStore interface {
	// Append validates, persists and returns the canonical message.
	// It fails with a ValidationError for empty/oversized content,
	// ErrNotFound for an unknown conversation, and ErrNotParticipant
	// when senderID is not one of the two participants. On success the
	// conversation's LastMessageAt is updated.
	Append(ctx context.Context, conversationID, senderID, content string) (Message, error)

	// ListSince returns up to limit messages strictly after the cursor,
	// in ascending canonical order. limit <= 0 selects a default. It
	// fails with ErrNotParticipant when readerID is not one of the two
	// participants, so reads carry the acting identity the same way
	// Append and MarkReadAll do.
	ListSince(ctx context.Context, conversationID, readerID string, after Cursor, limit int) ([]Message, error)

	// MarkReadAll sets Read on every message in the conversation whose
	// sender is not readerID. Idempotent.
	MarkReadAll(ctx context.Context, conversationID, readerID string) error
}

// ConversationRegistry maps participant pairs to conversations.
type ConversationRegistry interface {
	// FindOrCreate returns the conversation for the unordered pair
	// {actorA, actorB}, creating it on first contact. It fails with
	// ErrSelfConversation when actorA == actorB. Safe under concurrent
	// calls from both participants: exactly one conversation is ever
	// created for a given pair.
	FindOrCreate(ctx context.Context, actorA, actorB string) (Conversation, error)

	// ListFor returns all conversations actorID participates in,
	// ordered by LastMessageAt descending.
	ListFor(ctx context.Context, actorID string) ([]Conversation, error)
}

// Store combines both persistence contracts. The memory and postgres
// implementations satisfy it; consumers should depend on the narrower
// interfaces where they can.
type Store interface {
	MessageStore
	ConversationRegistry
}
