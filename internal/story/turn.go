package story

// Turn is whose contribution the story is waiting on.
type Turn string

const (
	TurnParticipantA Turn = "participantA"
	TurnParticipantB Turn = "participantB"
	TurnModerator    Turn = "moderator"
	TurnNone         Turn = "none"
)

// ComputeTurn derives the current turn from message history. It is re-derived
// on every poll tick and never persisted.
//
// Rules: an empty history starts with participantA. Once both humans have
// contributed to the current round the turn passes to the moderator until a
// moderator message lands, which resets the round to participantA. Otherwise
// each human message flips the turn to the other human.
func ComputeTurn(history []Message) Turn {
	if len(history) == 0 {
		return TurnParticipantA
	}
	if NeedsNarration(history) {
		return TurnModerator
	}
	last := history[len(history)-1]
	switch last.Sender {
	case SenderModerator:
		return TurnParticipantA
	case SenderParticipantA:
		return TurnParticipantB
	case SenderParticipantB:
		return TurnParticipantA
	}
	// Unreachable through the public API: the log boundary rejects senders
	// outside the three-valued enum before history gets here.
	return TurnNone
}

// NeedsNarration reports whether the current round is complete and the
// automated moderator owes the session a narration. A round is the span since
// the last moderator message (or the start of history): the predicate holds
// when both humans have contributed to it and the most recent message is not
// already from the moderator.
func NeedsNarration(history []Message) bool {
	if len(history) == 0 {
		return false
	}
	if history[len(history)-1].Sender == SenderModerator {
		return false
	}
	var a, b int
	for _, m := range history[roundStart(history):] {
		switch m.Sender {
		case SenderParticipantA:
			a++
		case SenderParticipantB:
			b++
		}
	}
	return a > 0 && b > 0
}

// roundStart returns the index of the first message after the most recent
// moderator message, or 0 if no moderator message exists.
func roundStart(history []Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == SenderModerator {
			return i + 1
		}
	}
	return 0
}
