package realtime

import (
	"log/slog"
	"testing"
	"time"

	v1 "festiva/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testFrame(id string) v1.Frame {
	return v1.Frame{V: v1.Version, Type: v1.TypeDeliver, ID: id, TS: time.Now().UTC()}
}

func TestRoom_JoinLeaveLen(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "conv-1")

	a := NewClient("sess-a", "alice", 4)
	b := NewClient("sess-b", "bob", 4)

	r.Join(a)
	r.Join(b)
	if got := r.Len(); got != 2 {
		t.Fatalf("len after join: got=%d want=2", got)
	}

	r.Leave("sess-a")
	if got := r.Len(); got != 1 {
		t.Fatalf("len after leave: got=%d want=1", got)
	}

	// Leave never tears the connection down.
	select {
	case <-a.Done():
		t.Fatalf("leave must not close the client")
	default:
	}

	// Idempotent leave.
	r.Leave("sess-a")
	if got := r.Len(); got != 1 {
		t.Fatalf("len after duplicate leave: got=%d want=1", got)
	}
}

func TestRoom_Broadcast_ExcludesSender(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "conv-1")

	a := NewClient("sess-a", "alice", 4)
	b := NewClient("sess-b", "bob", 4)
	r.Join(a)
	r.Join(b)

	r.Broadcast(testFrame("f1"), "sess-a")

	select {
	case f := <-b.Send:
		if f.ID != "f1" {
			t.Fatalf("wrong frame: %q", f.ID)
		}
	default:
		t.Fatalf("expected frame for b")
	}

	select {
	case f := <-a.Send:
		t.Fatalf("sender must not receive its own frame: %q", f.ID)
	default:
	}
}

func TestRoom_Broadcast_DropsOnBackpressure(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "conv-1")

	slow := NewClient("sess-slow", "alice", 1)
	r.Join(slow)

	// First frame fills the queue; the second must be dropped, not block.
	done := make(chan struct{})
	go func() {
		r.Broadcast(testFrame("f1"), "")
		r.Broadcast(testFrame("f2"), "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a slow consumer")
	}

	if got := len(slow.Send); got != 1 {
		t.Fatalf("queued frames: got=%d want=1", got)
	}
}

func TestRoom_Broadcast_SkipsClosedClients(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "conv-1")

	closed := NewClient("sess-closed", "alice", 4)
	closed.Close()
	closed.Close() // idempotent

	live := NewClient("sess-live", "bob", 4)

	r.Join(closed)
	r.Join(live)

	r.Broadcast(testFrame("f1"), "")

	if got := len(closed.Send); got != 0 {
		t.Fatalf("closed client received %d frames", got)
	}
	if got := len(live.Send); got != 1 {
		t.Fatalf("live client frames: got=%d want=1", got)
	}
}

func TestHub_GetOrCreateRoom_StableHandle(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())

	r1 := h.GetOrCreateRoom("conv-1")
	r2 := h.GetOrCreateRoom("conv-1")
	if r1 != r2 {
		t.Fatalf("expected stable room handle per conversation")
	}

	other := h.GetOrCreateRoom("conv-2")
	if other == r1 {
		t.Fatalf("distinct conversations must get distinct rooms")
	}
}
