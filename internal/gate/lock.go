package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// LockPrefix is the Redis key prefix for per-session generation locks.
	LockPrefix = "storygate:"

	// LockTTL bounds how long a crashed generator can hold the round hostage.
	LockTTL = 30 * time.Second
)

// sessionLock is a single-holder Redis lock scoped to one session, held for
// the span "trigger observed -> moderator message appended". The token makes
// release safe: a holder whose lock expired cannot delete a successor's lock.
type sessionLock struct {
	rdb     *redis.Client
	release *redis.Script
}

func newSessionLock(rdb *redis.Client) *sessionLock {
	return &sessionLock{
		rdb:     rdb,
		release: redis.NewScript(releaseLua),
	}
}

// Acquire tries to take the session's generation lock. It returns the release
// token and true on success, and "" and false when another generator holds it.
func (l *sessionLock) Acquire(ctx context.Context, sessionID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, LockPrefix+sessionID, token, LockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("gate: acquire lock: %w", err)
	}
	return token, ok, nil
}

// Release frees the lock if this holder still owns it.
func (l *sessionLock) Release(ctx context.Context, sessionID, token string) error {
	err := l.release.Run(ctx, l.rdb, []string{LockPrefix + sessionID}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("gate: release lock: %w", err)
	}
	return nil
}

// releaseLua deletes the lock only when the caller's token still matches.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
