package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"festiva/internal/chat"
)

// fakeChannel is a scriptable realtime channel for controller tests.
type fakeChannel struct {
	mu         sync.Mutex
	joined     []string
	broadcasts []chat.Message
	typings    int

	inbound   chan chat.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan chat.Message, 32),
		done:    make(chan struct{}),
	}
}

func (c *fakeChannel) Join(_ context.Context, conversationID string) error {
	c.mu.Lock()
	c.joined = append(c.joined, conversationID)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Leave(_ context.Context, _ string) error { return nil }

func (c *fakeChannel) Broadcast(_ context.Context, msg chat.Message) error {
	c.mu.Lock()
	c.broadcasts = append(c.broadcasts, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Typing(_ context.Context, _ string) error {
	c.mu.Lock()
	c.typings++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Inbound() <-chan chat.Message { return c.inbound }
func (c *fakeChannel) Done() <-chan struct{}        { return c.done }

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Push delivers a message as if the server fanned it out.
func (c *fakeChannel) Push(msg chat.Message) { c.inbound <- msg }

// Drop simulates a connection failure.
func (c *fakeChannel) Drop() { c.Close() }

func (c *fakeChannel) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

// scriptedDialer hands out channels in order; exhausted or nil entries fail.
type scriptedDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	calls    int
}

func (d *scriptedDialer) dial(_ context.Context, _ string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.channels) == 0 {
		return nil, errors.New("dial refused")
	}
	ch := d.channels[0]
	d.channels = d.channels[1:]
	if ch == nil {
		return nil, errors.New("dial refused")
	}
	return ch, nil
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testOptions(store chat.MessageStore, conversationID string, dial Dialer) Options {
	return Options{
		ConversationID: conversationID,
		ActorID:        "alice",
		Store:          store,
		Dial:           dial,
		Log:            slog.New(slog.DiscardHandler),
		PollInterval:   10 * time.Millisecond,
		ConnectTimeout: time.Second,
		Backoff:        BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 3},
	}
}

func statusEventually(t *testing.T, s *Session, want Status) {
	t.Helper()
	waitFor(t, func() bool { return s.Status() == want }, "status "+want.String())
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	store := chat.NewMemoryStore()
	ctx := context.Background()

	if _, err := Open(ctx, Options{ActorID: "alice", Store: store}); !chat.IsValidation(err) {
		t.Fatalf("missing conversation id: got=%v", err)
	}
	if _, err := Open(ctx, Options{ConversationID: "c1", Store: store}); !chat.IsValidation(err) {
		t.Fatalf("missing actor id: got=%v", err)
	}
	if _, err := Open(ctx, Options{ConversationID: "c1", ActorID: "alice"}); err == nil {
		t.Fatalf("nil store must be rejected")
	}
}

func TestSession_PollingOnly(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	s, err := Open(ctx, testOptions(store, conv.ID, nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	statusEventually(t, s, StatusPolling)

	// Peer sends through the store; polling picks it up.
	peerMsg, err := store.Append(ctx, conv.ID, "bob", "hi alice")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, func() bool { return len(s.Messages()) == 1 }, "poll delivery")
	if got := s.Messages()[0].ID; got != peerMsg.ID {
		t.Fatalf("got=%q want=%q", got, peerMsg.ID)
	}
}

func TestSession_RealtimePromotionAndSend(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	ch := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{ch}}

	s, err := Open(ctx, testOptions(store, conv.ID, dialer.dial))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	statusEventually(t, s, StatusRealtime)

	ch.mu.Lock()
	joined := append([]string(nil), ch.joined...)
	ch.mu.Unlock()
	if len(joined) != 1 || joined[0] != conv.ID {
		t.Fatalf("joined=%v want=[%s]", joined, conv.ID)
	}

	msg, err := s.Send(ctx, "hello bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.SenderID != "alice" {
		t.Fatalf("bad stored message: %+v", msg)
	}

	// Own echo is visible immediately.
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("echo missing: %+v", msgs)
	}

	// The stored message was also fanned out over the channel.
	waitFor(t, func() bool { return ch.broadcastCount() == 1 }, "broadcast")

	// The durable path rejects bad input and nothing is displayed.
	if _, err := s.Send(ctx, "   "); !chat.IsValidation(err) {
		t.Fatalf("empty content: got=%v", err)
	}
	if len(s.Messages()) != 1 {
		t.Fatalf("failed send leaked into the visible list")
	}
}

func TestSession_DedupAcrossTransports(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	ch := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{ch}}

	s, err := Open(ctx, testOptions(store, conv.ID, dialer.dial))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	statusEventually(t, s, StatusRealtime)

	// Peer message lands in the store (pollable) and is also pushed over
	// the channel twice. Exactly one copy must become visible.
	peerMsg, err := store.Append(ctx, conv.ID, "bob", "hi")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	ch.Push(peerMsg)
	ch.Push(peerMsg)

	waitFor(t, func() bool { return len(s.Messages()) == 1 }, "single copy")

	// Give the second push time to be consumed, then re-check.
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("duplicate visible: count=%d", got)
	}
}

func TestSession_MergeRestoresCanonicalOrder(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	ch := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{ch}}

	s, err := Open(ctx, testOptions(store, conv.ID, dialer.dial))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	statusEventually(t, s, StatusRealtime)

	first, err := store.Append(ctx, conv.ID, "bob", "first")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.Append(ctx, conv.ID, "bob", "second")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Arrival order reversed over the wire.
	ch.Push(second)
	ch.Push(first)

	waitFor(t, func() bool { return len(s.Messages()) == 2 }, "both messages")

	msgs := s.Messages()
	if msgs[0].ID != first.ID || msgs[1].ID != second.ID {
		t.Fatalf("order not canonical: [%q %q]", msgs[0].ID, msgs[1].ID)
	}
}

func TestSession_FallbackOnDropThenReconnect(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	first := newFakeChannel()
	second := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{first, second}}

	s, err := Open(ctx, testOptions(store, conv.ID, dialer.dial))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	statusEventually(t, s, StatusRealtime)

	first.Drop()

	// Liveness across the drop: messages appended while realtime is down
	// arrive via polling.
	peerMsg, err := store.Append(ctx, conv.ID, "bob", "while down")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool {
		for _, m := range s.Messages() {
			if m.ID == peerMsg.ID {
				return true
			}
		}
		return false
	}, "delivery across the drop")

	// The controller reconnects with the next scripted channel.
	statusEventually(t, s, StatusRealtime)
	if dialer.callCount() != 2 {
		t.Fatalf("dial calls: got=%d want=2", dialer.callCount())
	}
}

func TestSession_AbandonsRealtimeAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	dialer := &scriptedDialer{} // every dial fails

	opts := testOptions(store, conv.ID, dialer.dial)
	opts.Backoff = BackoffPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 2}

	s, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	statusEventually(t, s, StatusPolling)

	waitFor(t, func() bool { return dialer.callCount() == 2 }, "attempts stop at the cap")

	// No more attempts after abandonment.
	time.Sleep(30 * time.Millisecond)
	if got := dialer.callCount(); got != 2 {
		t.Fatalf("dial calls after abandonment: got=%d want=2", got)
	}

	// Polling still delivers.
	peerMsg, err := store.Append(ctx, conv.ID, "bob", "still here")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].ID == peerMsg.ID
	}, "polling after abandonment")
}

func TestSession_MarksPeerMessagesRead(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	// Backlog exists before the session opens.
	if _, err := store.Append(ctx, conv.ID, "bob", "unread"); err != nil {
		t.Fatalf("append: %v", err)
	}

	s, err := Open(ctx, testOptions(store, conv.ID, nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	waitFor(t, func() bool {
		msgs, err := store.ListSince(ctx, conv.ID, "alice", chat.Cursor{}, 0)
		if err != nil || len(msgs) == 0 {
			return false
		}
		return msgs[0].Read
	}, "backlog marked read")
}

// stallingReadStore lets one MarkReadAll call finish its write and then
// blocks before returning, holding the round trip in flight.
type stallingReadStore struct {
	*chat.MemoryStore
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (s *stallingReadStore) MarkReadAll(ctx context.Context, conversationID, readerID string) error {
	err := s.MemoryStore.MarkReadAll(ctx, conversationID, readerID)

	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()

	if first {
		<-s.gate
	}
	return err
}

func (s *stallingReadStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSession_MarksMessagesArrivingDuringMarkReadFlight(t *testing.T) {
	t.Parallel()

	inner, conv := newTestConversation(t)
	ctx := context.Background()

	store := &stallingReadStore{MemoryStore: inner, gate: make(chan struct{})}

	// Backlog triggers the first MarkReadAll on open; that round trip
	// stalls after its write and stays in flight.
	if _, err := inner.Append(ctx, conv.ID, "bob", "m1"); err != nil {
		t.Fatalf("append: %v", err)
	}

	s, err := Open(ctx, testOptions(store, conv.ID, nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// Release runs before Close on every exit path so a failed assertion
	// cannot leave Close waiting on the stalled round trip.
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(store.gate) }) }
	defer release()

	// A second peer message lands and is merged while the first round
	// trip is still in flight.
	inFlight, err := inner.Append(ctx, conv.ID, "bob", "m2")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool { return len(s.Messages()) == 2 }, "mid-flight message merged")

	release()

	// The coalesced rerun must cover the mid-flight arrival.
	waitFor(t, func() bool {
		msgs, err := inner.ListSince(ctx, conv.ID, "alice", chat.Cursor{}, 0)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.ID == inFlight.ID {
				return m.Read
			}
		}
		return false
	}, "mid-flight message marked read")

	// The coverage must come from a rerun, not from the stalled call.
	if got := store.callCount(); got < 2 {
		t.Fatalf("mark read calls: got=%d want>=2", got)
	}
}

func TestSession_Close(t *testing.T) {
	t.Parallel()

	store, conv := newTestConversation(t)
	ctx := context.Background()

	ch := newFakeChannel()
	dialer := &scriptedDialer{channels: []*fakeChannel{ch}}

	s, err := Open(ctx, testOptions(store, conv.ID, dialer.dial))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	statusEventually(t, s, StatusRealtime)

	s.Close()
	s.Close() // idempotent

	if got := s.Status(); got != StatusClosed {
		t.Fatalf("status after close: got=%v", got)
	}

	select {
	case <-ch.Done():
	default:
		t.Fatalf("channel not closed by session close")
	}

	if _, err := s.Send(ctx, "too late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got=%v want=ErrClosed", err)
	}

	// Messages appended after close never surface.
	if _, err := store.Append(ctx, conv.ID, "bob", "after close"); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("messages surfaced after close: %d", got)
	}
}
