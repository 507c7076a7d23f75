package console

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ajeebtech/betabondly-sub000/internal/presence"
)

// Registry is the slice of the console API the watchdog needs.
type Registry interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	ListActive(ctx context.Context) ([]string, error)
}

// WatchdogConfig configures the presence watchdog.
type WatchdogConfig struct {
	SessionID string

	// Interval between heartbeat + liveness checks. Defaults to the presence
	// store's heartbeat interval.
	Interval time.Duration

	// OnReconnect is invoked after the watchdog detects the session missing
	// from the active list and re-registers it. Use it to restart any local
	// polling that was torn down. May be nil.
	OnReconnect func()
}

// Watchdog keeps a console's presence entry alive. Every tick it re-calls
// Connect (the heartbeat) and then checks the active list; if the session is
// absent the registry lost it (expiry, Redis flush, operator cleanup), so the
// watchdog treats it as an unexpected disconnect, re-registers, and fires
// OnReconnect so the caller can rebuild local state.
type Watchdog struct {
	registry Registry
	cfg      WatchdogConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatchdog creates a watchdog for the given session.
func NewWatchdog(registry Registry, cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = presence.HeartbeatInterval
	}
	return &Watchdog{registry: registry, cfg: cfg}
}

// Start registers presence and begins the heartbeat loop. Calling Start on a
// running watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.registry.Connect(ctx, w.cfg.SessionID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(runCtx)

	log.Printf("[console] session=%s watchdog started (interval=%s)", w.cfg.SessionID, w.cfg.Interval)
	return nil
}

// Stop halts the heartbeat loop and deregisters presence. It blocks until the
// loop goroutine has exited.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
	return w.registry.Disconnect(ctx, w.cfg.SessionID)
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watchdog) check(ctx context.Context) {
	// Heartbeat first: Connect is idempotent and refreshes last_heartbeat_at.
	if err := w.registry.Connect(ctx, w.cfg.SessionID); err != nil {
		log.Printf("[console] session=%s heartbeat failed: %v", w.cfg.SessionID, err)
		return
	}

	active, err := w.registry.ListActive(ctx)
	if err != nil {
		log.Printf("[console] session=%s list active failed: %v", w.cfg.SessionID, err)
		return
	}
	for _, id := range active {
		if id == w.cfg.SessionID {
			return
		}
	}

	// The registry dropped us between the heartbeat and the list read.
	// Treat it as an unexpected disconnect: re-register and let the caller
	// rebuild whatever local polling it tore down.
	log.Printf("[console] session=%s missing from active list, reconnecting", w.cfg.SessionID)
	if err := w.registry.Connect(ctx, w.cfg.SessionID); err != nil {
		log.Printf("[console] session=%s reconnect failed: %v", w.cfg.SessionID, err)
		return
	}
	if w.cfg.OnReconnect != nil {
		w.cfg.OnReconnect()
	}
}
