package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"festiva/internal/chat"
)

const (
	defaultConnectTimeout = 10 * time.Second
	broadcastTimeout      = 5 * time.Second
	markReadTimeout       = 10 * time.Second
)

// ErrClosed is returned by operations on a terminated session.
var ErrClosed = errors.New("session closed")

// Options configures one conversation session.
type Options struct {
	ConversationID string
	ActorID        string

	// Store is the durable path: every send appends through it and the
	// poller reads from it. It may be in-process (chat.MemoryStore,
	// chat.PostgresStore) or remote (RemoteStore).
	Store chat.MessageStore

	// Dial establishes realtime connection attempts. Nil disables
	// realtime entirely and polling stays the sole transport.
	Dial Dialer

	Log   *slog.Logger
	Clock Clock

	PollInterval   time.Duration
	ListLimit      int
	ConnectTimeout time.Duration
	Backoff        BackoffPolicy
}

// Session is the per-conversation client controller.
//
// Concurrency model:
//   - One mutex guards the visible message list, dedup set, status and
//     the active channel handle.
//   - Both transports funnel inbound messages through merge; the dedup
//     filter makes the transport handover window safe.
//   - Close is idempotent and guarantees no further callbacks or update
//     notifications after it returns.
type Session struct {
	opts  Options
	log   *slog.Logger
	clock Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	poller *Poller

	mu       sync.Mutex
	status   Status
	msgs     []chat.Message // ascending canonical order
	seen     map[string]struct{}
	channel  Channel // non-nil only while realtime is open
	closed   bool
	markBusy bool
	// markDirty records a trigger that arrived while a MarkReadAll round
	// trip was in flight; the worker reruns once more before finishing.
	markDirty bool
	updateCh  chan struct{}
}

// Open starts a session: polling begins immediately as the baseline and
// a realtime connect attempt runs concurrently. The caller must Close
// the returned session.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.ConversationID == "" {
		return nil, chat.ValidationError{Field: "conversation_id", Reason: "empty"}
	}
	if opts.ActorID == "" {
		return nil, chat.ValidationError{Field: "actor_id", Reason: "empty"}
	}
	if opts.Store == nil {
		return nil, errors.New("session: nil store")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoff()
	}

	sctx, cancel := context.WithCancel(ctx)

	s := &Session{
		opts:     opts,
		log:      opts.Log,
		clock:    opts.Clock,
		ctx:      sctx,
		cancel:   cancel,
		status:   StatusConnecting,
		seen:     make(map[string]struct{}),
		updateCh: make(chan struct{}, 1),
	}
	s.poller = NewPoller(opts.Log, opts.Clock, opts.Store, opts.ConversationID, opts.ActorID, opts.PollInterval, opts.ListLimit, s.onPollBatch)

	// Baseline first: the poller covers the window before realtime opens,
	// so nothing appended during the handshake can be lost.
	s.poller.Start(sctx)

	if opts.Dial != nil {
		s.wg.Add(1)
		go s.runRealtime()
	} else {
		s.setStatus(StatusPolling)
	}

	// Entering a conversation marks existing peer messages as read.
	s.markReadAsync()

	return s, nil
}

// Messages returns a snapshot of the visible list in canonical order.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.msgs...)
}

// Status returns the current transport status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Updates returns a coalesced notification channel: one token is pending
// whenever the message list or status changed since the last receive.
func (s *Session) Updates() <-chan struct{} {
	return s.updateCh
}

// Send appends content through the durable path and echoes it locally.
// If the realtime channel is open the stored message is additionally
// broadcast for low-latency peer delivery; the broadcast is an
// optimization and its failure is only logged, because the peer's
// polling fallback observes the same message from the store.
//
// Append failures propagate: the caller must not display the message as
// delivered.
func (s *Session) Send(ctx context.Context, content string) (chat.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, ErrClosed
	}
	s.mu.Unlock()

	msg, err := s.opts.Store.Append(ctx, s.opts.ConversationID, s.opts.ActorID, content)
	if err != nil {
		return chat.Message{}, err
	}

	// Own echo for immediate display.
	s.merge([]chat.Message{msg})

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch != nil {
		bctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		if err := ch.Broadcast(bctx, msg); err != nil {
			s.log.Info("session.broadcast.fail", "conversation_id", s.opts.ConversationID, "err", err)
		}
		cancel()
	}

	return msg, nil
}

// Typing signals the peer over the realtime channel when it is open.
// No-op under polling: typing indicators are not worth a durable write.
func (s *Session) Typing(ctx context.Context) {
	s.mu.Lock()
	ch := s.channel
	closed := s.closed
	s.mu.Unlock()

	if closed || ch == nil {
		return
	}

	tctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	if err := ch.Typing(tctx, s.opts.ConversationID); err != nil {
		s.log.Info("session.typing.fail", "conversation_id", s.opts.ConversationID, "err", err)
	}
}

// MarkRead marks every peer message in the conversation as read.
func (s *Session) MarkRead(ctx context.Context) error {
	return s.opts.Store.MarkReadAll(ctx, s.opts.ConversationID, s.opts.ActorID)
}

// Close terminates the session: the polling timer is cancelled
// synchronously, the realtime channel (if open) is disconnected, and the
// state becomes closed. Idempotent; no callbacks fire after it returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.channel
	s.channel = nil
	s.status = StatusClosed
	s.mu.Unlock()

	s.cancel()
	s.poller.Stop()
	if ch != nil {
		_ = ch.Close()
	}
	s.wg.Wait()
}

// ---- inbound merge ----

// onPollBatch adapts the poller callback onto merge.
func (s *Session) onPollBatch(batch []chat.Message) {
	s.merge(batch)
}

// merge is the single funnel for inbound messages from either transport:
// dedup by id, insert, re-sort into canonical order. Exactly one visible
// copy per message id regardless of how many transports delivered it.
func (s *Session) merge(batch []chat.Message) {
	if len(batch) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	added := false
	fromPeer := false
	for _, m := range batch {
		if m.ID == "" || m.ConversationID != s.opts.ConversationID {
			continue
		}
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.msgs = append(s.msgs, m)
		added = true
		if m.SenderID != s.opts.ActorID {
			fromPeer = true
		}
	}
	if added {
		// Arrival order is meaningless across transports; the visible
		// list is always canonical store order.
		chat.SortMessages(s.msgs)
	}
	s.mu.Unlock()

	if added {
		s.notify()
	}
	if fromPeer {
		// The conversation is foregrounded while a session is open, so
		// inbound peer messages are marked read as they land.
		s.markReadAsync()
	}
}

// ---- realtime lifecycle ----

func (s *Session) runRealtime() {
	defer s.wg.Done()

	attempt := 0
	for {
		if s.opts.Backoff.Exhausted(attempt) {
			s.log.Info("session.realtime.abandoned",
				"conversation_id", s.opts.ConversationID, "attempts", attempt)
			s.fallbackToPolling()
			return
		}

		if d := s.opts.Backoff.Delay(attempt); d > 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-s.clock.After(d):
			}
		}

		ch, err := s.dialOnce()
		if err != nil {
			attempt++
			realtimeConnects.WithLabelValues("fail").Inc()
			s.log.Info("session.realtime.connect.fail",
				"conversation_id", s.opts.ConversationID, "attempt", attempt, "err", err)
			// Polling keeps (or resumes) covering inbound while we back off.
			s.fallbackToPolling()
			continue
		}

		realtimeConnects.WithLabelValues("ok").Inc()
		attempt = 0

		if !s.promote(ch) {
			_ = ch.Close()
			return
		}

		s.consume(ch)
		_ = ch.Close()

		if s.ctx.Err() != nil {
			return
		}

		// Connection dropped: resume polling with no coverage gap, then
		// reconnect with backoff.
		transportFallbacks.Inc()
		s.log.Info("session.realtime.drop", "conversation_id", s.opts.ConversationID)
		s.fallbackToPolling()
		attempt = 1
	}
}

// dialOnce runs one bounded connect+join attempt.
func (s *Session) dialOnce() (Channel, error) {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	defer cancel()

	ch, err := s.opts.Dial(dialCtx, s.opts.ActorID)
	if err != nil {
		return nil, err
	}
	if err := ch.Join(dialCtx, s.opts.ConversationID); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// promote makes the open channel the inbound source of truth and
// suspends polling. Returns false when the session closed meanwhile.
func (s *Session) promote(ch Channel) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.channel = ch
	s.status = StatusRealtime
	s.mu.Unlock()

	// Suspend after the channel is live: the transient overlap is safe
	// because merge dedups, and it closes the handover gap.
	s.poller.Stop()
	s.notify()
	return true
}

// fallbackToPolling resumes the poller as sole inbound path.
func (s *Session) fallbackToPolling() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.channel = nil
	changed := s.status != StatusPolling
	s.status = StatusPolling
	s.mu.Unlock()

	s.poller.Start(s.ctx)
	if changed {
		s.notify()
	}
}

// consume drains the channel until it fails or the session ends.
func (s *Session) consume(ch Channel) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ch.Done():
			return
		case m, ok := <-ch.Inbound():
			if !ok {
				return
			}
			s.merge([]chat.Message{m})
		}
	}
}

// ---- helpers ----

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.closed || s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.updateCh <- struct{}{}:
	default:
	}
}

// markReadAsync is fire-and-forget from the caller's perspective, but a
// failure is logged, never silently dropped. Triggers landing while a
// round trip is in flight are coalesced into one rerun, so a peer
// message merged mid-flight is still marked read afterwards.
func (s *Session) markReadAsync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.markBusy {
		s.markDirty = true
		s.mu.Unlock()
		return
	}
	s.markBusy = true
	// Add inside the critical section so Close cannot observe a zero
	// counter between the closed check and the goroutine start.
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		for {
			ctx, cancel := context.WithTimeout(s.ctx, markReadTimeout)
			err := s.MarkRead(ctx)
			cancel()

			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Info("session.mark_read.fail",
					"conversation_id", s.opts.ConversationID, "err", err)
			}

			s.mu.Lock()
			if s.markDirty && !s.closed {
				s.markDirty = false
				s.mu.Unlock()
				continue
			}
			s.markBusy = false
			s.mu.Unlock()
			return
		}
	}()
}
