// Package moderator implements the override channel: a privileged console may
// append a moderator message at any time, independent of the turn rule and of
// the generation gate's predicate. It is the only writer allowed to do so.
package moderator

import (
	"context"
	"fmt"
	"log"

	"github.com/ajeebtech/betabondly-sub000/internal/metrics"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// Log is the slice of the story log the override channel needs.
type Log interface {
	Append(ctx context.Context, sessionID string, msg story.Message) (story.Message, error)
}

// Notifier publishes best-effort update nudges. May be nil.
type Notifier interface {
	PublishUpdate(sessionID string)
}

// Service sends manual moderator messages.
type Service struct {
	log      Log
	notifier Notifier
}

// NewService creates the override service. notifier may be nil when NATS is
// not configured.
func NewService(logClient Log, notifier Notifier) *Service {
	return &Service{log: logClient, notifier: notifier}
}

// Send validates and appends a manual moderator message. The turn resets to
// participantA on the clients' next poll, exactly as it does after an
// automated narration.
func (s *Service) Send(ctx context.Context, sessionID, text string) (story.Message, error) {
	msg, err := story.NewMessage(story.SenderModerator, text)
	if err != nil {
		return story.Message{}, err
	}

	confirmed, err := s.log.Append(ctx, sessionID, msg)
	if err != nil {
		return story.Message{}, fmt.Errorf("moderator: send: %w", err)
	}

	metrics.OverrideMessages.Inc()
	metrics.MessagesSent.WithLabelValues(string(story.SenderModerator)).Inc()
	if s.notifier != nil {
		s.notifier.PublishUpdate(sessionID)
	}

	log.Printf("[moderator] session=%s override message sent (msg=%s)", sessionID, confirmed.ID)
	return confirmed, nil
}
