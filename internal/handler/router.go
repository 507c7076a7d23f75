// Package handler exposes the moderator console boundary over HTTP:
// presence connect/disconnect, the active-session list the console watchdog
// polls, the override message channel, and a read-only view of session
// history. Players do not use this surface; they talk to the story log
// directly through their reconciliation loops.
package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ajeebtech/betabondly-sub000/internal/metrics"
	"github.com/ajeebtech/betabondly-sub000/internal/ratelimit"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// Presence is the registry operations the console boundary exposes.
type Presence interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	ListActive(ctx context.Context) ([]string, error)
}

// Overrider sends manual moderator messages.
type Overrider interface {
	Send(ctx context.Context, sessionID, text string) (story.Message, error)
}

// History reads session history for console display.
type History interface {
	FetchSince(ctx context.Context, sessionID string) ([]story.Message, error)
}

// Archive reads durable transcripts that outlive the live log's TTL. May be
// nil when no archive store is configured.
type Archive interface {
	History(ctx context.Context, sessionID string) ([]story.Message, error)
}

// Limiter throttles console calls per session. May be nil (no limiting).
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// API wires the console endpoints to their services.
type API struct {
	presence Presence
	override Overrider
	history  History
	limiter  Limiter
	archive  Archive
}

// NewAPI creates the console API. limiter and archive may be nil.
func NewAPI(p Presence, o Overrider, h History, l Limiter, ar Archive) *API {
	return &API{presence: p, override: o, history: h, limiter: l, archive: ar}
}

// Router builds the HTTP handler for the console boundary plus health and
// metrics endpoints.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/sessions", func(api chi.Router) {
		api.Get("/active", a.handleListActive)
		api.Route("/{sessionID}", func(sr chi.Router) {
			sr.Post("/presence", a.handleConnect)
			sr.Delete("/presence", a.handleDisconnect)
			sr.Post("/moderator-message", a.handleOverride)
			sr.Get("/messages", a.handleMessages)
			sr.Get("/archive", a.handleArchive)
		})
	})

	return r
}

// allow runs the rate limit check and reports the session's remaining budget
// in the response headers. The limiter fails open on Redis errors.
func (a *API) allow(w http.ResponseWriter, r *http.Request, sessionID string, rule ratelimit.Rule) bool {
	if a.limiter == nil {
		return true
	}
	ok, _ := a.limiter.Allow(r.Context(), sessionID, rule)
	if remaining, err := a.limiter.Remaining(r.Context(), sessionID, rule); err == nil {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	return ok
}

// handleConnect registers or refreshes console presence for a session. It is
// idempotent, which is what lets it double as the heartbeat.
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if !a.allow(w, r, sessionID, ratelimit.RuleConnect) {
		respondError(w, http.StatusTooManyRequests, "too many presence calls")
		return
	}

	if err := a.presence.Connect(r.Context(), sessionID); err != nil {
		log.Printf("[handler] connect session=%s: %v", sessionID, err)
		respondError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "presence": "connected"})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	if err := a.presence.Disconnect(r.Context(), sessionID); err != nil {
		log.Printf("[handler] disconnect session=%s: %v", sessionID, err)
		respondError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "presence": "disconnected"})
}

func (a *API) handleListActive(w http.ResponseWriter, r *http.Request) {
	active, err := a.presence.ListActive(r.Context())
	if err != nil {
		log.Printf("[handler] list active: %v", err)
		respondError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	if active == nil {
		active = []string{}
	}
	metrics.ActivePresence.Set(float64(len(active)))
	respondJSON(w, http.StatusOK, map[string][]string{"sessions": active})
}

// overrideRequest is the body of a manual moderator message.
type overrideRequest struct {
	Text string `json:"text"`
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if !a.allow(w, r, sessionID, ratelimit.RuleOverride) {
		respondError(w, http.StatusTooManyRequests, "too many override messages")
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := story.ValidateText(req.Text); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := a.override.Send(r.Context(), sessionID, req.Text)
	if err != nil {
		log.Printf("[handler] override session=%s: %v", sessionID, err)
		respondError(w, http.StatusServiceUnavailable, "message store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

// messagesResponse carries a session's history plus the turn derived from it,
// so the console renders the same state the players do.
type messagesResponse struct {
	Messages []story.Message `json:"messages"`
	Turn     story.Turn      `json:"turn"`
}

func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	history, err := a.history.FetchSince(r.Context(), sessionID)
	if err != nil {
		log.Printf("[handler] messages session=%s: %v", sessionID, err)
		respondError(w, http.StatusServiceUnavailable, "message store unavailable")
		return
	}
	if history == nil {
		history = []story.Message{}
	}
	respondJSON(w, http.StatusOK, messagesResponse{
		Messages: history,
		Turn:     story.ComputeTurn(history),
	})
}

// handleArchive serves the durable transcript from Postgres. Unlike the live
// log it survives the session TTL, so it is the endpoint for finished stories.
func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if a.archive == nil {
		respondError(w, http.StatusNotFound, "archive not configured")
		return
	}

	history, err := a.archive.History(r.Context(), sessionID)
	if err != nil {
		log.Printf("[handler] archive session=%s: %v", sessionID, err)
		respondError(w, http.StatusServiceUnavailable, "archive store unavailable")
		return
	}
	if history == nil {
		history = []story.Message{}
	}
	respondJSON(w, http.StatusOK, map[string][]story.Message{"messages": history})
}
