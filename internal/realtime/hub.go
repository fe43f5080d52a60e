package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory rooms and provides stable room handles per
// conversation. It is intentionally minimal: persistence lives behind
// chat.MessageStore, and the hub is injected into the gateway rather than
// held as process-global state.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle for a conversation.
func (h *Hub) GetOrCreateRoom(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[conversationID]; ok {
		return r
	}

	r := NewRoom(h.log, conversationID)
	h.rooms[conversationID] = r
	return r
}
