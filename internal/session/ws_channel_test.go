package session

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"festiva/internal/chat"
	"festiva/internal/realtime"
)

const testOrigin = "http://localhost"

func startTestGateway(t *testing.T) string {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	gw := realtime.NewGateway(log, realtime.NewHub(log))

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialTest(t *testing.T, wsURL, actorID string) *WSChannel {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := DialWS(ctx, wsURL, testOrigin, actorID, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("dial %s: %v", actorID, err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	if ch.SessionID() == "" {
		t.Fatalf("missing session id for %s", actorID)
	}
	return ch
}

func TestWSChannel_DeliverFanout(t *testing.T) {
	t.Parallel()

	wsURL := startTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialTest(t, wsURL, "alice")
	bob := dialTest(t, wsURL, "bob")

	const convID = "conv-ws-1"
	if err := alice.Join(ctx, convID); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.Join(ctx, convID); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	msg := chat.Message{
		ID:             "01TESTULID000000000000000A",
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "hi bob",
		CreatedAt:      time.Now().UTC(),
	}
	if err := alice.Broadcast(ctx, msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-bob.Inbound():
		if got.ID != msg.ID || got.Content != msg.Content || got.SenderID != "alice" {
			t.Fatalf("wrong message: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("bob never received the broadcast")
	}

	// The sender is excluded from its own fanout.
	select {
	case got := <-alice.Inbound():
		t.Fatalf("alice received own broadcast: %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWSChannel_TypingFanout(t *testing.T) {
	t.Parallel()

	wsURL := startTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialTest(t, wsURL, "alice")
	bob := dialTest(t, wsURL, "bob")

	const convID = "conv-ws-typing"
	if err := alice.Join(ctx, convID); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.Join(ctx, convID); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	if err := alice.Typing(ctx, convID); err != nil {
		t.Fatalf("typing: %v", err)
	}

	select {
	case actor := <-bob.TypingEvents():
		if actor != "alice" {
			t.Fatalf("typing actor: got=%q want=alice", actor)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("bob never received the typing signal")
	}
}

func TestWSChannel_LeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	wsURL := startTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialTest(t, wsURL, "alice")
	bob := dialTest(t, wsURL, "bob")

	const convID = "conv-ws-leave"
	if err := alice.Join(ctx, convID); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.Join(ctx, convID); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	if err := bob.Leave(ctx, convID); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	// Leave is fire-and-forget; give the gateway a moment to process it.
	time.Sleep(200 * time.Millisecond)

	msg := chat.Message{
		ID:             "01TESTULID000000000000000B",
		ConversationID: convID,
		SenderID:       "alice",
		Content:        "anyone home?",
		CreatedAt:      time.Now().UTC(),
	}
	if err := alice.Broadcast(ctx, msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-bob.Inbound():
		t.Fatalf("bob received after leaving: %+v", got)
	case <-time.After(500 * time.Millisecond):
	}

	// Leaving one conversation must not tear the connection down.
	select {
	case <-bob.Done():
		t.Fatalf("connection dropped on leave")
	default:
	}
}

func TestWSChannel_CloseIdempotent(t *testing.T) {
	t.Parallel()

	wsURL := startTestGateway(t)

	ch := dialTest(t, wsURL, "alice")

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case <-ch.Done():
	default:
		t.Fatalf("done not signalled after close")
	}
}

// End to end: two full session controllers sharing one store and one
// gateway. The sender's broadcast reaches the peer over the socket well
// before the peer's next poll tick.
func TestSession_EndToEndOverWebSocket(t *testing.T) {
	t.Parallel()

	wsURL := startTestGateway(t)

	store := chat.NewMemoryStore()
	ctx := context.Background()

	conv, err := store.FindOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}

	log := slog.New(slog.DiscardHandler)

	open := func(actorID string) *Session {
		s, err := Open(ctx, Options{
			ConversationID: conv.ID,
			ActorID:        actorID,
			Store:          store,
			Dial:           NewWSDialer(wsURL, testOrigin, log),
			Log:            log,
			// Slow poll so fast delivery must come from the socket.
			PollInterval:   2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			t.Fatalf("open %s: %v", actorID, err)
		}
		t.Cleanup(s.Close)
		return s
	}

	alice := open("alice")
	bob := open("bob")

	statusEventually(t, alice, StatusRealtime)
	statusEventually(t, bob, StatusRealtime)

	sent, err := alice.Send(ctx, "hello over the wire")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(1500 * time.Millisecond)
	for {
		msgs := bob.Messages()
		if len(msgs) == 1 && msgs[0].ID == sent.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bob did not receive the message in time: %+v", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Both sides converge on the same single copy.
	if got := len(alice.Messages()); got != 1 {
		t.Fatalf("alice visible count: got=%d want=1", got)
	}
}
