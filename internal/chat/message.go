// Package chat contains Festiva's messaging domain model and persistence
// contracts: two-party conversations and their append-only message history.
package chat

import (
	"sort"
	"time"
)

// MaxContentChars is the maximum message length in runes.
// It bounds both storage and transport payload size.
const MaxContentChars = 2000

// Message is one chat message. Messages are immutable once created.
//
// ID and CreatedAt are always assigned by the store at insert time, never
// by clients. That keeps dedup and ordering correct under retries and
// clock skew.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// Less reports whether m precedes other in canonical order.
// Canonical order is (CreatedAt, ID) ascending, ties broken by ID.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SortMessages sorts msgs in place into canonical order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
}

// Conversation is a two-party chat context.
//
// The participant pair is normalized (ParticipantA < ParticipantB) and
// immutable after creation.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasParticipant reports whether actorID is one of the two participants.
func (c Conversation) HasParticipant(actorID string) bool {
	return actorID != "" && (actorID == c.ParticipantA || actorID == c.ParticipantB)
}

// PeerOf returns the other participant for actorID, or "" if actorID is
// not a participant.
func (c Conversation) PeerOf(actorID string) string {
	switch actorID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// NormalizePair returns the participant pair in canonical (A < B) order.
func NormalizePair(actorA, actorB string) (string, string) {
	if actorB < actorA {
		return actorB, actorA
	}
	return actorA, actorB
}
