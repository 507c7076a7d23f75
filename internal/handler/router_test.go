package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ajeebtech/betabondly-sub000/internal/ratelimit"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// fakePresence is an in-memory Presence implementation.
type fakePresence struct {
	mu     sync.Mutex
	active map[string]bool
	fail   bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{active: make(map[string]bool)}
}

func (f *fakePresence) Connect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("redis down")
	}
	f.active[sessionID] = true
	return nil
}

func (f *fakePresence) Disconnect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, sessionID)
	return nil
}

func (f *fakePresence) ListActive(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids, nil
}

// fakeOverride records sent override messages.
type fakeOverride struct {
	mu   sync.Mutex
	sent []story.Message
}

func (f *fakeOverride) Send(_ context.Context, sessionID, text string) (story.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := story.Message{ID: "ov-1", Text: text, Sender: story.SenderModerator, Timestamp: 1}
	f.sent = append(f.sent, msg)
	return msg, nil
}

// fakeHistory serves a fixed history.
type fakeHistory struct {
	history []story.Message
}

func (f *fakeHistory) FetchSince(_ context.Context, _ string) ([]story.Message, error) {
	return f.history, nil
}

// fakeArchive serves a fixed durable transcript.
type fakeArchive struct {
	history []story.Message
}

func (f *fakeArchive) History(_ context.Context, _ string) ([]story.Message, error) {
	return f.history, nil
}

// fakeLimiter denies requests beyond a fixed budget.
type fakeLimiter struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

func newFakeLimiter(limit int) *fakeLimiter {
	return &fakeLimiter{limit: limit, used: make(map[string]int)}
}

func (f *fakeLimiter) Allow(_ context.Context, identifier string, _ ratelimit.Rule) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[identifier]++
	return f.used[identifier] <= f.limit, nil
}

func (f *fakeLimiter) Remaining(_ context.Context, identifier string, _ ratelimit.Rule) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := f.limit - f.used[identifier]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func newTestServer(p Presence, o Overrider, h History) *httptest.Server {
	return httptest.NewServer(NewAPI(p, o, h, nil, nil).Router())
}

func TestConnectListDisconnect(t *testing.T) {
	fp := newFakePresence()
	srv := newTestServer(fp, &fakeOverride{}, &fakeHistory{})
	defer srv.Close()

	// Connect is idempotent: calling twice is fine.
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/sessions/s1/presence", "application/json", nil)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("connect attempt %d: status %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/sessions/active")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	var listBody struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listBody.Sessions) != 1 || listBody.Sessions[0] != "s1" {
		t.Fatalf("expected [s1], got %v", listBody.Sessions)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/s1/presence", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect: status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/sessions/active")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	listBody.Sessions = nil
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listBody.Sessions) != 0 {
		t.Fatalf("expected no active sessions, got %v", listBody.Sessions)
	}
}

func TestOverrideMessage(t *testing.T) {
	fo := &fakeOverride{}
	srv := newTestServer(newFakePresence(), fo, &fakeHistory{})
	defer srv.Close()

	body := strings.NewReader(`{"text":"a storm rolls in"}`)
	resp, err := http.Post(srv.URL+"/api/sessions/s1/moderator-message", "application/json", body)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override: status %d", resp.StatusCode)
	}

	var msg story.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Sender != story.SenderModerator {
		t.Errorf("expected moderator sender, got %s", msg.Sender)
	}
	if len(fo.sent) != 1 || fo.sent[0].Text != "a storm rolls in" {
		t.Errorf("override service not invoked correctly: %+v", fo.sent)
	}
}

func TestOverrideRejectsEmptyText(t *testing.T) {
	srv := newTestServer(newFakePresence(), &fakeOverride{}, &fakeHistory{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/s1/moderator-message",
		"application/json", strings.NewReader(`{"text":""}`))
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", resp.StatusCode)
	}
}

func TestMessagesIncludesDerivedTurn(t *testing.T) {
	fh := &fakeHistory{history: []story.Message{
		{ID: "a1", Text: "hi", Sender: story.SenderParticipantA, Timestamp: 1},
	}}
	srv := newTestServer(newFakePresence(), &fakeOverride{}, fh)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/s1/messages")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer resp.Body.Close()

	var body messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(body.Messages))
	}
	if body.Turn != story.TurnParticipantB {
		t.Errorf("expected derived turn %s, got %s", story.TurnParticipantB, body.Turn)
	}
}

func TestConnectUnavailableStore(t *testing.T) {
	fp := newFakePresence()
	fp.fail = true
	srv := newTestServer(fp, &fakeOverride{}, &fakeHistory{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/s1/presence", "application/json", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestRateLimitExceededAndRemainingHeader(t *testing.T) {
	srv := httptest.NewServer(
		NewAPI(newFakePresence(), &fakeOverride{}, &fakeHistory{}, newFakeLimiter(2), nil).Router())
	defer srv.Close()

	statuses := make([]int, 0, 3)
	var lastRemaining string
	for i := 0; i < 3; i++ {
		resp, err := http.Post(srv.URL+"/api/sessions/s1/moderator-message",
			"application/json", strings.NewReader(`{"text":"beat"}`))
		if err != nil {
			t.Fatalf("override %d: %v", i, err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
		lastRemaining = resp.Header.Get("X-RateLimit-Remaining")
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("expected first two sends allowed, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third send limited, got %v", statuses)
	}
	if lastRemaining != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0 when exhausted, got %q", lastRemaining)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	fa := &fakeArchive{history: []story.Message{
		{ID: "a1", Text: "into the cave", Sender: story.SenderParticipantA, Timestamp: 1},
	}}
	srv := httptest.NewServer(
		NewAPI(newFakePresence(), &fakeOverride{}, &fakeHistory{}, nil, fa).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/s1/archive")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: status %d", resp.StatusCode)
	}

	var body struct {
		Messages []story.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].ID != "a1" {
		t.Fatalf("unexpected archive body: %+v", body.Messages)
	}
}

func TestArchiveNotConfigured(t *testing.T) {
	srv := newTestServer(newFakePresence(), &fakeOverride{}, &fakeHistory{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/s1/archive")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without an archive store, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(newFakePresence(), &fakeOverride{}, &fakeHistory{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d", resp.StatusCode)
	}
}
