// Package notify provides best-effort update nudges over NATS. A nudge tells
// a polling client that the story log probably changed so it can poll now
// instead of waiting out its interval. Nudges are a latency optimization
// only: no correctness depends on receiving one, and every client converges
// through polling alone if NATS is down.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectStoryUpdate is the subject prefix for log update nudges (+ .<session_id>).
const SubjectStoryUpdate = "story.update"

// Client wraps the NATS connection with helpers for story update nudges.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "story",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready client.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishUpdate publishes a log-changed nudge for the session. Failures are
// logged, not returned: the append already happened and pollers will see it
// either way.
func (c *Client) PublishUpdate(sessionID string) {
	subject := SubjectStoryUpdate + "." + sessionID
	if err := c.conn.Publish(subject, nil); err != nil {
		log.Printf("[nats] nudge %s: %v", subject, err)
	}
}

// SubscribeUpdates registers a handler for the session's update nudges.
func (c *Client) SubscribeUpdates(sessionID string, handler func()) error {
	subject := SubjectStoryUpdate + "." + sessionID
	sub, err := c.conn.Subscribe(subject, func(_ *nats.Msg) {
		handler()
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUpdates removes the session's update subscription.
func (c *Client) UnsubscribeUpdates(sessionID string) error {
	subject := SubjectStoryUpdate + "." + sessionID

	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
}
