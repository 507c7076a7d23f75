// Package narrator provides implementations of the automated moderator's
// narrative generator. The generator is invoked by the gate with the session
// history and returns the next narration beat; it never touches the log
// itself.
package narrator

import (
	"context"
	"sync"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// Narrator produces narration text from session history.
type Narrator interface {
	Generate(ctx context.Context, history []story.Message) (string, error)
}

// defaultBeats are the canned narration beats the scripted narrator cycles
// through when no language model is configured.
var defaultBeats = []string{
	"The path ahead splits: a lantern-lit stairway descends to the left, and a rope bridge sways to the right.",
	"A low rumble rolls through the ground. Somewhere below, something very large has woken up.",
	"You find a weathered journal. Its last entry reads: \"do not trust the echoes.\"",
	"The air grows cold. Your torch gutters, and for a moment the shadows move against the light.",
	"A narrow door, barely shoulder-wide, stands ajar where the map shows solid rock.",
}

// Scripted is a deterministic narrator that cycles through canned beats. It
// stands in for the language model in development and tests.
type Scripted struct {
	mu    sync.Mutex
	beats []string
	next  int
}

// NewScripted creates a scripted narrator. With no beats given it uses the
// built-in set.
func NewScripted(beats ...string) *Scripted {
	if len(beats) == 0 {
		beats = defaultBeats
	}
	return &Scripted{beats: beats}
}

// Generate returns the next canned beat.
func (s *Scripted) Generate(_ context.Context, _ []story.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	beat := s.beats[s.next%len(s.beats)]
	s.next++
	return beat, nil
}
