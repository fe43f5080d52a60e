package realtime

import (
	"sync"

	v1 "festiva/contracts/chat/v1"
)

// Client is one identified websocket session attached to the gateway.
// The actor behind it is established by the hello handshake; the same
// client can sit in several conversation rooms at once.
//
// Send carries advisory frames (deliver, typing, join echoes) toward the
// connection's writer goroutine. Rooms broadcast into it without
// blocking and never close it; shutdown is signalled through done.
type Client struct {
	SessionID string
	ActorID   string
	Send      chan v1.Frame

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client for an identified actor with a bounded
// send queue.
func NewClient(sessionID, actorID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		ActorID:   actorID,
		Send:      make(chan v1.Frame, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed when the session is shutting down. A nil
// client reports an already-closed channel.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the session's goroutines to stop. Idempotent. Send stays
// open so concurrent room broadcasts cannot hit a closed channel.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
