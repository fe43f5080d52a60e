package session

import (
	"context"

	"festiva/internal/chat"
)

// Channel is one established realtime connection as seen by the session
// controller.
//
// A Channel is stateless-per-attempt: it never reconnects itself. Any
// connection error or unexpected close fires Done() and the channel is
// finished; retry and backoff belong to the controller.
type Channel interface {
	// Join scopes delivery to a conversation. A channel may join several
	// conversations.
	Join(ctx context.Context, conversationID string) error
	// Leave drops a conversation scope.
	Leave(ctx context.Context, conversationID string) error

	// Broadcast fans an already-persisted message out to the other
	// members. Best-effort: the durable path has already run.
	Broadcast(ctx context.Context, msg chat.Message) error
	// Typing fans a typing signal out. Best-effort.
	Typing(ctx context.Context, conversationID string) error

	// Inbound delivers messages pushed by the server.
	Inbound() <-chan chat.Message
	// Done is closed when the connection has failed or was closed.
	Done() <-chan struct{}

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer establishes one realtime connection attempt for actorID.
// The controller bounds each attempt with its connect timeout via ctx.
type Dialer func(ctx context.Context, actorID string) (Channel, error)
