package narrator

import (
	"context"
	"testing"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

func TestScriptedCyclesBeats(t *testing.T) {
	s := NewScripted("one", "two")
	ctx := context.Background()

	want := []string{"one", "two", "one"}
	for i, expected := range want {
		got, err := s.Generate(ctx, nil)
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if got != expected {
			t.Errorf("call %d: expected %q, got %q", i, expected, got)
		}
	}
}

func TestScriptedDefaultBeatsAreValidMessages(t *testing.T) {
	s := NewScripted()
	ctx := context.Background()

	for i := 0; i < len(defaultBeats); i++ {
		text, err := s.Generate(ctx, nil)
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if err := story.ValidateText(text); err != nil {
			t.Errorf("beat %d fails message validation: %v", i, err)
		}
	}
}

func TestToModelHistoryRolesAndLimit(t *testing.T) {
	var history []story.Message
	for i := 0; i < historyLimit+5; i++ {
		sender := story.SenderParticipantA
		if i%3 == 2 {
			sender = story.SenderModerator
		}
		history = append(history, story.Message{
			ID: "m", Text: "t", Sender: sender, Timestamp: int64(i + 1),
		})
	}

	msgs := toModelHistory(history)
	if len(msgs) != historyLimit {
		t.Fatalf("expected %d messages after truncation, got %d", historyLimit, len(msgs))
	}
}

func TestArkConfigEnabled(t *testing.T) {
	if (ArkConfig{}).Enabled() {
		t.Error("empty config must be disabled")
	}
	if !(ArkConfig{Model: "m", APIKey: "k"}).Enabled() {
		t.Error("model + api key should enable")
	}
	if !(ArkConfig{Model: "m", AccessKey: "a", SecretKey: "s"}).Enabled() {
		t.Error("model + ak/sk should enable")
	}
	if (ArkConfig{Model: "m"}).Enabled() {
		t.Error("model without credentials must be disabled")
	}
}
