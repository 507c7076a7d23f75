// Package console implements the moderator console's client side: an HTTP
// client for the storyd console API and a watchdog that keeps presence alive
// and reconnects when the registry loses track of the session.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// Client talks to the storyd console endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a console client for the given storyd base URL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Connect registers (or refreshes) this console's presence. Idempotent, so it
// doubles as the heartbeat.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/presence", nil, nil)
}

// Disconnect removes this console's presence entry.
func (c *Client) Disconnect(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID+"/presence", nil, nil)
}

// ListActive returns the session ids the registry currently considers live.
func (c *Client) ListActive(ctx context.Context) ([]string, error) {
	var body struct {
		Sessions []string `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/active", nil, &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

// SendOverride appends a manual moderator message to the session's story log.
func (c *Client) SendOverride(ctx context.Context, sessionID, text string) (story.Message, error) {
	req := map[string]string{"text": text}
	var msg story.Message
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/moderator-message", req, &msg); err != nil {
		return story.Message{}, err
	}
	return msg, nil
}

// Messages returns the session history together with the derived turn.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]story.Message, story.Turn, error) {
	var body struct {
		Messages []story.Message `json:"messages"`
		Turn     story.Turn      `json:"turn"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/messages", nil, &body); err != nil {
		return nil, story.TurnNone, err
	}
	return body.Messages, body.Turn, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("console: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("console: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("console: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("console: %s %s: %s (status %d)", method, path, errBody.Error, resp.StatusCode)
		}
		return fmt.Errorf("console: %s %s: status %d", method, path, resp.StatusCode)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("console: decode response: %w", err)
		}
	}
	return nil
}
