package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajeebtech/betabondly-sub000/internal/metrics"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// DefaultInterval is the fixed polling interval between fetches.
const DefaultInterval = 3 * time.Second

// Log is the slice of the story log the loop needs: a full-history fetch and
// an append that either fully applies or fails.
type Log interface {
	FetchSince(ctx context.Context, sessionID string) ([]story.Message, error)
	Append(ctx context.Context, sessionID string, msg story.Message) (story.Message, error)
}

// State is the loop's position in its poll cycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReconciling:
		return "reconciling"
	}
	return "unknown"
}

// Config holds the per-client loop settings.
type Config struct {
	SessionID string
	Role      story.Sender  // which participant this client writes as
	Interval  time.Duration // defaults to DefaultInterval

	// OnPoll fires after every completed poll cycle, whether or not the
	// merge changed anything. It is the hook for work that must be retried
	// on the natural tick even when the history is quiet, such as
	// re-evaluating the narration gate after a failed generation. May be nil.
	OnPoll func()
}

// Loop polls the story log on a fixed interval and reconciles the fetched
// history into a local cache. It owns its own timer and cancellation: Start
// is idempotent (a remount cannot duplicate tickers) and Stop guarantees the
// timer is cancelled and that an in-flight fetch result is discarded instead
// of being applied after teardown.
type Loop struct {
	log      Log
	cfg      Config
	cache    *Cache
	onChange func(history []story.Message, turn story.Turn)

	state int32 // atomic State

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	pokeCh  chan struct{}
	running bool
}

// NewLoop creates a loop for one client. onChange fires only when the merged
// history actually changed; it may be nil.
func NewLoop(logClient Log, cfg Config, onChange func([]story.Message, story.Turn)) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Loop{
		log:      logClient,
		cfg:      cfg,
		cache:    NewCache(),
		onChange: onChange,
		pokeCh:   make(chan struct{}, 1),
	}
}

// Start launches the polling goroutine. Calling Start on a running loop is a
// no-op, so remounting a client cannot stack timers.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(ctx, l.done)
}

// Stop cancels the pending timer and waits for the polling goroutine to exit,
// so no fetch completing after Stop can touch the cache.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// Poke requests an immediate poll instead of waiting out the interval. It is
// a latency hint only (used by update nudges) and is safe to call at any time.
func (l *Loop) Poke() {
	select {
	case l.pokeCh <- struct{}{}:
	default:
	}
}

// State returns the loop's current poll-cycle state.
func (l *Loop) State() State {
	return State(atomic.LoadInt32(&l.state))
}

// History returns the current locally-cached view of the session.
func (l *Loop) History() []story.Message {
	return l.cache.History()
}

// Turn derives the current turn from the locally-cached view.
func (l *Loop) Turn() story.Turn {
	return story.ComputeTurn(l.cache.History())
}

// Send appends a message from this client's role: the message goes into the
// local cache immediately (optimistic, pending), then to the store. If the
// store append fails the optimistic entry is rolled back and the error is
// returned for the caller to surface; resending mints a fresh message.
func (l *Loop) Send(ctx context.Context, text string) (story.Message, error) {
	msg, err := story.NewMessage(l.cfg.Role, text)
	if err != nil {
		return story.Message{}, err
	}

	l.cache.AddPending(msg)
	l.notify()

	confirmed, err := l.log.Append(ctx, l.cfg.SessionID, msg)
	if err != nil {
		l.cache.RemovePending(msg.ID)
		l.notify()
		return story.Message{}, fmt.Errorf("reconcile: send: %w", err)
	}

	// The confirmed copy replaces the optimistic one; fields may differ only
	// in server-side normalization, never in id.
	l.cache.Merge([]story.Message{confirmed})
	metrics.MessagesSent.WithLabelValues(string(l.cfg.Role)).Inc()
	return confirmed, nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer atomic.StoreInt32(&l.state, int32(StateIdle))

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	// Prime the cache before the first interval elapses.
	l.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx)
		case <-l.pokeCh:
			l.poll(ctx)
		}
	}
}

// poll runs one Idle -> Polling -> Reconciling -> Idle cycle. A fetch that
// completes after cancellation is discarded.
func (l *Loop) poll(ctx context.Context) {
	atomic.StoreInt32(&l.state, int32(StatePolling))
	defer atomic.StoreInt32(&l.state, int32(StateIdle))

	metrics.PollTicks.Inc()
	history, err := l.log.FetchSince(ctx, l.cfg.SessionID)
	if err != nil {
		// Transport failure: do nothing this tick, the next one retries.
		if ctx.Err() == nil {
			log.Printf("[reconcile] session=%s fetch failed: %v", l.cfg.SessionID, err)
		}
		return
	}
	if ctx.Err() != nil {
		return // torn down while the fetch was in flight
	}

	atomic.StoreInt32(&l.state, int32(StateReconciling))
	if l.cache.Merge(history) {
		metrics.Reconciliations.Inc()
		l.notify()
	}
	if l.cfg.OnPoll != nil {
		l.cfg.OnPoll()
	}
}

func (l *Loop) notify() {
	if l.onChange == nil {
		return
	}
	history := l.cache.History()
	l.onChange(history, story.ComputeTurn(history))
}
