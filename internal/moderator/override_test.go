package moderator

import (
	"context"
	"errors"
	"testing"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

type fakeLog struct {
	appended  []story.Message
	failWrite bool
}

func (f *fakeLog) Append(_ context.Context, _ string, msg story.Message) (story.Message, error) {
	if f.failWrite {
		return story.Message{}, errors.New("store unavailable")
	}
	f.appended = append(f.appended, msg)
	return msg, nil
}

type fakeNotifier struct {
	nudged []string
}

func (f *fakeNotifier) PublishUpdate(sessionID string) {
	f.nudged = append(f.nudged, sessionID)
}

func TestSendAppendsModeratorMessage(t *testing.T) {
	fl := &fakeLog{}
	fn := &fakeNotifier{}
	svc := NewService(fl, fn)

	msg, err := svc.Send(context.Background(), "s1", "the bridge collapses")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Sender != story.SenderModerator {
		t.Errorf("expected moderator sender, got %s", msg.Sender)
	}
	if msg.ID == "" || msg.Timestamp == 0 {
		t.Errorf("expected minted id and timestamp, got %+v", msg)
	}
	if len(fl.appended) != 1 {
		t.Fatalf("expected 1 append, got %d", len(fl.appended))
	}
	if len(fn.nudged) != 1 || fn.nudged[0] != "s1" {
		t.Errorf("expected nudge for s1, got %v", fn.nudged)
	}
}

func TestSendRejectsInvalidText(t *testing.T) {
	fl := &fakeLog{}
	svc := NewService(fl, nil)

	if _, err := svc.Send(context.Background(), "s1", ""); err == nil {
		t.Fatal("expected validation error for empty text")
	}
	if len(fl.appended) != 0 {
		t.Errorf("invalid message must not reach the log, got %d appends", len(fl.appended))
	}
}

func TestSendSurfacesStoreError(t *testing.T) {
	fl := &fakeLog{failWrite: true}
	fn := &fakeNotifier{}
	svc := NewService(fl, fn)

	if _, err := svc.Send(context.Background(), "s1", "hello"); err == nil {
		t.Fatal("expected store error")
	}
	if len(fn.nudged) != 0 {
		t.Errorf("failed send must not nudge, got %v", fn.nudged)
	}
}

func TestSendWithoutNotifier(t *testing.T) {
	svc := NewService(&fakeLog{}, nil)
	if _, err := svc.Send(context.Background(), "s1", "quiet append"); err != nil {
		t.Fatalf("send without notifier: %v", err)
	}
}
