package realtime

import (
	"log/slog"
	"sync"

	v1 "festiva/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive scoped to
// one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one conversation id.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID, "actor_id", client.ActorID)
}

// Leave removes a client from membership. Unlike a full client shutdown,
// leaving one room must not tear the connection down: a connection may be
// joined to several conversations at once.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()

	r.log.Info("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
}

// Len returns the current member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fanouts a frame to all members except the session named by
// exceptSessionID (pass "" to include everyone).
// Non-blocking: if a member queue is full or the client is shutting down,
// the frame is dropped for that member. Delivery over the socket is an
// optimization; the polling path is the correctness backstop.
func (r *Room) Broadcast(f v1.Frame, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil || m.SessionID == exceptSessionID {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- f:
		default:
			// Drop rather than block the whole room.
			framesDropped.Inc()
		}
	}
}
