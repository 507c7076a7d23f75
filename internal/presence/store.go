// Package presence tracks which sessions currently have a moderator console
// attached. Liveness is never pushed: consoles heartbeat by re-connecting,
// and each console's own watchdog polls ListActive to learn whether the
// registry still considers it alive.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// EntryPrefix is the Redis key prefix for per-session presence hashes.
	EntryPrefix = "presence:"
	// ActiveKey is the sorted set of session ids scored by last heartbeat.
	ActiveKey = "presence:active"

	// HeartbeatInterval is how often consoles are expected to refresh.
	HeartbeatInterval = 15 * time.Second
	// LivenessWindow is how stale a heartbeat may be before the session is
	// considered disconnected (several heartbeat intervals).
	LivenessWindow = 3 * HeartbeatInterval

	// EntryTTL guards against leaked hashes for consoles that vanished.
	EntryTTL = 10 * time.Minute
)

// Entry is one session's presence record.
type Entry struct {
	SessionID       string
	ConnectedAt     int64 // unix milliseconds
	LastHeartbeatAt int64 // unix milliseconds
}

// Store manages presence entries in Redis.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Connect creates or refreshes the session's presence entry. It is idempotent:
// reconnecting an already-present session refreshes the heartbeat and keeps
// the original connected_at.
func (s *Store) Connect(ctx context.Context, sessionID string) error {
	key := EntryPrefix + sessionID
	now := time.Now().UnixMilli()

	pipe := s.rdb.Pipeline()
	pipe.HSetNX(ctx, key, "connected_at", now)
	pipe.HSet(ctx, key, "last_heartbeat_at", now)
	pipe.Expire(ctx, key, EntryTTL)
	pipe.ZAdd(ctx, ActiveKey, redis.Z{Score: float64(now), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: connect %s: %w", sessionID, err)
	}
	return nil
}

// Disconnect removes the session's presence entry. Removing an absent session
// is a no-op.
func (s *Store) Disconnect(ctx context.Context, sessionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, EntryPrefix+sessionID)
	pipe.ZRem(ctx, ActiveKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: disconnect %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the session's presence entry, or nil if absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*Entry, error) {
	result, err := s.rdb.HGetAll(ctx, EntryPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", sessionID, err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	connectedAt, _ := strconv.ParseInt(result["connected_at"], 10, 64)
	lastHeartbeat, _ := strconv.ParseInt(result["last_heartbeat_at"], 10, 64)
	return &Entry{
		SessionID:       sessionID,
		ConnectedAt:     connectedAt,
		LastHeartbeatAt: lastHeartbeat,
	}, nil
}

// ListActive returns the session ids whose last heartbeat falls within the
// liveness window, pruning anything older from the active set as it goes.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-LivenessWindow).UnixMilli()

	// Expired scores are swept here rather than by a background job: the
	// registry is only ever read through this call.
	if err := s.rdb.ZRemRangeByScore(ctx, ActiveKey, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("presence: prune: %w", err)
	}

	ids, err := s.rdb.ZRangeByScore(ctx, ActiveKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list active: %w", err)
	}
	return ids, nil
}
