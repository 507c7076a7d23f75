// Package story defines the message model and the pure turn/round logic for
// the collaborative story feature. Everything here is derived from message
// history alone: no function in this package performs I/O or holds state, so
// every client can re-evaluate it against any snapshot of the log and converge
// to the same answer once the snapshots converge.
package story

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxTextBytes = 4096 // max encoded size of a single message
	MaxTextChars = 2000 // max character count
)

// Sender identifies who wrote a message. Exactly three values are valid;
// anything else is rejected at the log boundary and never reaches turn logic.
type Sender string

const (
	SenderParticipantA Sender = "participantA"
	SenderParticipantB Sender = "participantB"
	SenderModerator    Sender = "moderator"
)

// Valid reports whether s is one of the three allowed sender values.
func (s Sender) Valid() bool {
	switch s {
	case SenderParticipantA, SenderParticipantB, SenderModerator:
		return true
	}
	return false
}

// Other returns the opposite human participant. Calling it on the moderator
// (or an invalid sender) returns the zero Sender.
func (s Sender) Other() Sender {
	switch s {
	case SenderParticipantA:
		return SenderParticipantB
	case SenderParticipantB:
		return SenderParticipantA
	}
	return ""
}

// Message is one entry in a session's story log. The ID is minted by the
// writing client, never by the store, and is the sole deduplication key: two
// messages with the same ID are the same logical message, and the
// later-arriving copy is discarded rather than merged.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    Sender `json:"sender"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch, caller-assigned
}

// NewMessage mints a message with a fresh ID and the current wall-clock
// timestamp. The text is validated before the message is built.
func NewMessage(sender Sender, text string) (Message, error) {
	if !sender.Valid() {
		return Message{}, fmt.Errorf("story: invalid sender %q", string(sender))
	}
	if err := ValidateText(text); err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ValidateText checks that message content meets size and encoding requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("story: message text is empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("story: message exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("story: message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("story: message contains invalid UTF-8")
	}
	return nil
}

// Validate checks a message received from the store before it is allowed to
// influence turn state.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("story: message missing id")
	}
	if !m.Sender.Valid() {
		return fmt.Errorf("story: message %s has invalid sender %q", m.ID, string(m.Sender))
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("story: message %s has invalid timestamp %d", m.ID, m.Timestamp)
	}
	return ValidateText(m.Text)
}

// SortByTimestamp orders messages by timestamp. The sort is stable so that
// arrival order breaks ties.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
