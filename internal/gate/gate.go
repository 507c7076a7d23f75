// Package gate decides whether the automated moderator must produce a
// narration for a session's current round, and guarantees it happens at most
// once per round even though every polling client evaluates the same
// predicate independently.
//
// The protocol is check, lock, re-check, generate, compare-and-append: the
// lock narrows the window in which two clients generate concurrently, and the
// store's atomic narration append closes it completely, so losing the race at
// any step is a silent no-op rather than an error.
package gate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajeebtech/betabondly-sub000/internal/metrics"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// Log is the slice of the story log the gate needs.
type Log interface {
	FetchSince(ctx context.Context, sessionID string) ([]story.Message, error)
	AppendNarration(ctx context.Context, sessionID string, msg story.Message) (bool, error)
}

// Narrator produces the moderator's narration text from the session history.
// It is opaque, potentially slow, and may fail; it has no side effects on the
// log itself.
type Narrator interface {
	Generate(ctx context.Context, history []story.Message) (string, error)
}

// Locker is the per-session mutual exclusion held from trigger observation to
// append.
type Locker interface {
	Acquire(ctx context.Context, sessionID string) (token string, ok bool, err error)
	Release(ctx context.Context, sessionID, token string) error
}

// Outcome classifies one gate evaluation.
type Outcome string

const (
	// OutcomeNotReady means the round is not complete; nothing to do.
	OutcomeNotReady Outcome = "not_ready"
	// OutcomeBusy means another generator holds the session lock.
	OutcomeBusy Outcome = "busy"
	// OutcomeLostRace means the predicate stopped holding between check and
	// append: someone else already narrated this round. Silent by design.
	OutcomeLostRace Outcome = "lost_race"
	// OutcomeFailed means the narrator errored; no message was appended and
	// the next poll tick will retry.
	OutcomeFailed Outcome = "failed"
	// OutcomeNarrated means this evaluation appended the round's narration.
	OutcomeNarrated Outcome = "narrated"
)

// Gate evaluates the narration trigger for sessions and invokes the narrator
// when a round completes.
type Gate struct {
	log      Log
	narrator Narrator
	lock     Locker

	mu       sync.Mutex
	inFlight map[string]bool // sessionID -> evaluation running in this process
}

// New creates a gate whose session lock lives in Redis.
func New(logClient Log, n Narrator, rdb *redis.Client) *Gate {
	return NewWithLocker(logClient, n, newSessionLock(rdb))
}

// NewWithLocker creates a gate with an explicit lock implementation.
func NewWithLocker(logClient Log, n Narrator, lock Locker) *Gate {
	return &Gate{
		log:      logClient,
		narrator: n,
		lock:     lock,
		inFlight: make(map[string]bool),
	}
}

// Evaluate runs one gate decision for the session against a fresh snapshot of
// its history. Only OutcomeFailed carries an error worth logging; every other
// outcome is normal operation. Failures are retried by the caller's next poll
// tick, never by an internal retry loop.
func (g *Gate) Evaluate(ctx context.Context, sessionID string) (Outcome, error) {
	outcome, err := g.evaluate(ctx, sessionID)
	metrics.GateEvaluations.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (g *Gate) evaluate(ctx context.Context, sessionID string) (Outcome, error) {
	// At most one outstanding invocation per session in this process.
	g.mu.Lock()
	if g.inFlight[sessionID] {
		g.mu.Unlock()
		return OutcomeBusy, nil
	}
	g.inFlight[sessionID] = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.inFlight, sessionID)
		g.mu.Unlock()
	}()

	history, err := g.log.FetchSince(ctx, sessionID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("gate: fetch: %w", err)
	}
	if !story.NeedsNarration(history) {
		return OutcomeNotReady, nil
	}

	token, ok, err := g.lock.Acquire(ctx, sessionID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		return OutcomeBusy, nil
	}
	defer func() {
		if err := g.lock.Release(context.WithoutCancel(ctx), sessionID, token); err != nil {
			log.Printf("[gate] session=%s lock release: %v", sessionID, err)
		}
	}()

	// Re-check against a fresh snapshot now that we hold the lock: another
	// actor may have narrated between our first fetch and the acquire.
	history, err = g.log.FetchSince(ctx, sessionID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("gate: re-fetch: %w", err)
	}
	if !story.NeedsNarration(history) {
		return OutcomeLostRace, nil
	}

	start := time.Now()
	text, err := g.narrator.Generate(ctx, history)
	metrics.NarrationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("gate: narrator: %w", err)
	}

	msg, err := story.NewMessage(story.SenderModerator, text)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("gate: narration rejected: %w", err)
	}

	// Final check and append are one atomic step in the store.
	appended, err := g.log.AppendNarration(ctx, sessionID, msg)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("gate: append: %w", err)
	}
	if !appended {
		return OutcomeLostRace, nil
	}

	log.Printf("[gate] session=%s narrated round (msg=%s len=%d)", sessionID, msg.ID, len(text))
	return OutcomeNarrated, nil
}
