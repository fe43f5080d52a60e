package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"festiva/internal/chat"
)

const (
	pollDefaultInterval  = 3 * time.Second
	pollDefaultListLimit = 50
	pollFetchTimeout     = 10 * time.Second
)

// Lister is the read slice of chat.MessageStore the poller needs.
type Lister interface {
	ListSince(ctx context.Context, conversationID, readerID string, after chat.Cursor, limit int) ([]chat.Message, error)
}

// Poller is the pull-based fallback transport: a cooperative, cancellable
// repeating fetch against the message store.
//
// Behavior:
//   - The first fetch runs immediately on Start, then once per interval.
//   - A failed fetch is logged and swallowed; the loop keeps ticking.
//   - The cursor survives Stop/Start cycles, so suspending the poller
//     while realtime is active cannot skip messages: on resume it
//     re-fetches everything since its own last successful read and the
//     controller's dedup filter absorbs the overlap.
//   - Stop is safe to call multiple times and from any state, and no
//     onBatch callback fires after Stop returns.
type Poller struct {
	log            *slog.Logger
	clock          Clock
	store          Lister
	conversationID string
	readerID       string
	interval       time.Duration
	limit          int
	onBatch        func([]chat.Message)

	mu      sync.Mutex
	cursor  chat.Cursor
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPoller constructs a stopped poller reading as readerID.
func NewPoller(log *slog.Logger, clock Clock, store Lister, conversationID, readerID string, interval time.Duration, limit int, onBatch func([]chat.Message)) *Poller {
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = pollDefaultInterval
	}
	if limit <= 0 {
		limit = pollDefaultListLimit
	}
	return &Poller{
		log:            log,
		clock:          clock,
		store:          store,
		conversationID: conversationID,
		readerID:       readerID,
		interval:       interval,
		limit:          limit,
		onBatch:        onBatch,
	}
}

// Start begins the polling loop. It is a no-op when already running.
// ctx bounds the whole loop; Stop cancels it cooperatively.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.loop(ctx, stop, done)
}

// Stop cancels the loop and waits for it to finish, which guarantees no
// onBatch callback fires after Stop returns. Safe to call repeatedly and
// in any state.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		p.tick(ctx, stop)

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-p.clock.After(p.interval):
		}
	}
}

// tick fetches everything past the cursor, page by page, and hands new
// messages to onBatch.
func (p *Poller) tick(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		p.mu.Lock()
		cursor := p.cursor
		p.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(ctx, pollFetchTimeout)
		batch, err := p.store.ListSince(fetchCtx, p.conversationID, p.readerID, cursor, p.limit)
		cancel()

		if err != nil {
			// Transient read failures must not stop the loop.
			pollFetchFailures.Inc()
			p.log.Info("poll.fetch.fail", "conversation_id", p.conversationID, "err", err)
			return
		}
		pollTicks.Inc()

		if len(batch) == 0 {
			return
		}

		// Stop closes stopCh under the same mutex, so the stop check and
		// the cursor advance are one atomic step: either the batch is
		// delivered and the cursor moves past it, or Stop won the race
		// while the fetch was in flight and the cursor stays put so the
		// next Start re-fetches the batch.
		p.mu.Lock()
		select {
		case <-stop:
			p.mu.Unlock()
			return
		default:
		}
		p.cursor = chat.Cursor{AfterID: batch[len(batch)-1].ID}
		p.mu.Unlock()

		p.onBatch(batch)

		if len(batch) < p.limit {
			return
		}
	}
}
