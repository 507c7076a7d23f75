// Package storylog is the typed accessor over the shared append-only story
// log in Redis. The log is the single source of truth for a session; every
// in-memory copy held by a client is a cache that must be rebuildable by
// replaying the full history.
//
// Alongside the raw history list the store maintains a small per-session meta
// hash (per-round human message counts and the last sender) updated inside the
// same Lua script as every append. The meta hash is what lets the narration
// append be a true compare-and-append: the round predicate is re-checked and
// the message written in one atomic step, so two racing generators can never
// both land a moderator message for the same round.
package storylog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

const (
	// LogPrefix is the Redis key prefix for the per-session history list.
	LogPrefix = "storylog:"
	// IDsPrefix is the Redis key prefix for the per-session set of seen ids.
	IDsPrefix = "storyids:"
	// MetaPrefix is the Redis key prefix for the per-session round meta hash.
	MetaPrefix = "storymeta:"

	// SessionTTL is how long an idle session's log is retained. Every append
	// refreshes it.
	SessionTTL = 72 * time.Hour
)

// Store provides fetchSince/append access to session story logs in Redis.
type Store struct {
	rdb             *redis.Client
	appendScript    *redis.Script
	narrationScript *redis.Script
}

// NewStore creates a story log store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:             rdb,
		appendScript:    redis.NewScript(appendLua),
		narrationScript: redis.NewScript(appendNarrationLua),
	}
}

// Connect dials Redis at addr and returns a ready store. It fails fast if the
// server is unreachable.
func Connect(addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storylog: redis connection failed: %w", err)
	}
	return NewStore(rdb), nil
}

func keys(sessionID string) []string {
	return []string{LogPrefix + sessionID, IDsPrefix + sessionID, MetaPrefix + sessionID}
}

// Append adds a message to the session log. A message whose id is already
// present is discarded, not merged, and the call still succeeds: the log copy
// is the logical message. The append never partially applies.
func (s *Store) Append(ctx context.Context, sessionID string, msg story.Message) (story.Message, error) {
	if err := msg.Validate(); err != nil {
		return story.Message{}, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return story.Message{}, fmt.Errorf("storylog: marshal message: %w", err)
	}

	_, err = s.appendScript.Run(ctx, s.rdb, keys(sessionID),
		msg.ID, string(msg.Sender), payload, int(SessionTTL.Seconds())).Int()
	if err != nil {
		return story.Message{}, fmt.Errorf("storylog: append: %w", err)
	}
	return msg, nil
}

// AppendNarration appends a moderator message only if the narration round
// predicate still holds at the moment of the write (both humans have spoken
// since the last moderator message, and the moderator has not). It returns
// false with no error when another writer already closed the round; losing
// that race is expected behavior, not a failure.
func (s *Store) AppendNarration(ctx context.Context, sessionID string, msg story.Message) (bool, error) {
	if msg.Sender != story.SenderModerator {
		return false, fmt.Errorf("storylog: narration append requires moderator sender, got %q", string(msg.Sender))
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("storylog: marshal message: %w", err)
	}

	result, err := s.narrationScript.Run(ctx, s.rdb, keys(sessionID),
		msg.ID, payload, int(SessionTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("storylog: narration append: %w", err)
	}
	return result == 1, nil
}

// FetchSince returns the session's full ordered history. Full-history fetch
// is acceptable here: callers dedup by id regardless. Entries that fail
// validation are skipped so a malformed write can never corrupt derived turn
// state.
func (s *Store) FetchSince(ctx context.Context, sessionID string) ([]story.Message, error) {
	raw, err := s.rdb.LRange(ctx, LogPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("storylog: fetch %s: %w", sessionID, err)
	}

	msgs := make([]story.Message, 0, len(raw))
	for _, entry := range raw {
		var m story.Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			log.Printf("[storylog] session=%s skipping undecodable entry: %v", sessionID, err)
			continue
		}
		if err := m.Validate(); err != nil {
			log.Printf("[storylog] session=%s rejecting malformed entry: %v", sessionID, err)
			continue
		}
		msgs = append(msgs, m)
	}

	story.SortByTimestamp(msgs)
	return msgs, nil
}

// ListSessions returns the ids of every session with a live log, discovered
// by scanning the log keys. Sessions are live until their TTL expires,
// regardless of whether a moderator console is attached.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, LogPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(LogPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("storylog: list sessions: %w", err)
	}
	return ids, nil
}

// Delete removes a session's log entirely.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, keys(sessionID)...).Err()
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// appendLua appends one message atomically: dedup by id, push the payload,
// and update the round meta. A moderator append resets the per-round human
// counts; a human append increments its own count. Returns 1 on append, 0 on
// duplicate id.
const appendLua = `
local log_key = KEYS[1]
local ids_key = KEYS[2]
local meta_key = KEYS[3]
local id = ARGV[1]
local sender = ARGV[2]
local payload = ARGV[3]
local ttl = tonumber(ARGV[4])

if redis.call('SISMEMBER', ids_key, id) == 1 then return 0 end

redis.call('SADD', ids_key, id)
redis.call('RPUSH', log_key, payload)

if sender == 'moderator' then
    redis.call('HSET', meta_key, 'count_a', 0, 'count_b', 0, 'last_sender', sender)
elseif sender == 'participantA' then
    redis.call('HINCRBY', meta_key, 'count_a', 1)
    redis.call('HSET', meta_key, 'last_sender', sender)
else
    redis.call('HINCRBY', meta_key, 'count_b', 1)
    redis.call('HSET', meta_key, 'last_sender', sender)
end

redis.call('EXPIRE', log_key, ttl)
redis.call('EXPIRE', ids_key, ttl)
redis.call('EXPIRE', meta_key, ttl)
return 1
`

// appendNarrationLua is the compare-and-append for moderator messages: the
// round predicate is evaluated against the meta hash and the append happens in
// the same script, so at most one moderator message can close a round no
// matter how many generators race. Returns 1 on append, 0 on duplicate id,
// -1 when the predicate no longer holds.
const appendNarrationLua = `
local log_key = KEYS[1]
local ids_key = KEYS[2]
local meta_key = KEYS[3]
local id = ARGV[1]
local payload = ARGV[2]
local ttl = tonumber(ARGV[3])

local count_a = tonumber(redis.call('HGET', meta_key, 'count_a') or '0')
local count_b = tonumber(redis.call('HGET', meta_key, 'count_b') or '0')
local last_sender = redis.call('HGET', meta_key, 'last_sender')

if count_a < 1 or count_b < 1 or last_sender == 'moderator' then return -1 end
if redis.call('SISMEMBER', ids_key, id) == 1 then return 0 end

redis.call('SADD', ids_key, id)
redis.call('RPUSH', log_key, payload)
redis.call('HSET', meta_key, 'count_a', 0, 'count_b', 0, 'last_sender', 'moderator')

redis.call('EXPIRE', log_key, ttl)
redis.call('EXPIRE', ids_key, ttl)
redis.call('EXPIRE', meta_key, ttl)
return 1
`
