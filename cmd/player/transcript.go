package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// transcript renders the session history incrementally. Printed messages are
// tracked by id, not by position: reconciliation can insert a late-arriving
// message before already-printed ones, and it must still be displayed exactly
// once.
type transcript struct {
	w    io.Writer
	role story.Sender

	mu   sync.Mutex
	seen map[string]bool
}

func newTranscript(w io.Writer, role story.Sender) *transcript {
	return &transcript{w: w, role: role, seen: make(map[string]bool)}
}

// render prints every not-yet-displayed message in history order, then the
// turn banner. Safe for concurrent callers.
func (t *transcript) render(history []story.Message, turn story.Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range history {
		if t.seen[msg.ID] {
			continue
		}
		t.seen[msg.ID] = true
		ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
		fmt.Fprintf(t.w, "[%s] %-12s %s\n", ts, msg.Sender, msg.Text)
	}

	switch turn {
	case story.Turn(t.role):
		fmt.Fprintln(t.w, "-- your turn --")
	case story.TurnModerator:
		fmt.Fprintln(t.w, "-- the narrator is thinking... --")
	default:
		fmt.Fprintf(t.w, "-- waiting on %s --\n", turn)
	}
}
