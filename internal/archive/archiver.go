package archive

import (
	"context"
	"log"
	"time"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

const sweepInterval = 30 * time.Second

// SessionLister enumerates the sessions worth archiving. The story log is the
// authority here, not the presence registry: a session must be archived even
// when no moderator console is attached to it.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]string, error)
}

// HistoryReader reads a session's live history from the story log.
type HistoryReader interface {
	FetchSince(ctx context.Context, sessionID string) ([]story.Message, error)
}

// Run sweeps live sessions on a fixed interval, copying each session's
// history into Postgres. The insert is idempotent, so sweeping the same
// history repeatedly only writes the delta. Blocks until ctx is cancelled.
func Run(ctx context.Context, store *Store, sessions SessionLister, logReader HistoryReader) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[archive] sweep loop stopped")
			return
		case <-ticker.C:
			sweep(ctx, store, sessions, logReader)
		}
	}
}

func sweep(ctx context.Context, store *Store, sessions SessionLister, logReader HistoryReader) {
	ids, err := sessions.ListSessions(ctx)
	if err != nil {
		log.Printf("[archive] sweep: list sessions: %v", err)
		return
	}

	archived := 0
	for _, sessionID := range ids {
		history, err := logReader.FetchSince(ctx, sessionID)
		if err != nil {
			log.Printf("[archive] sweep: fetch session=%s: %v", sessionID, err)
			continue
		}
		n, err := store.SaveMessages(ctx, sessionID, history)
		if err != nil {
			log.Printf("[archive] sweep: save session=%s: %v", sessionID, err)
			continue
		}
		archived += n
	}

	if archived > 0 {
		log.Printf("[archive] sweep: archived %d new messages across %d sessions", archived, len(ids))
	}
}
