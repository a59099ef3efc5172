// Package lock provides a Redis advisory lock keyed per opportunity.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock held by another worker")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker acquires keys with SET NX PX and releases them with a
// token-checked script so an expired holder cannot drop a newer lock.
type RedisLocker struct {
	rdb    redis.UniversalClient
	wait   retry.Policy
	logger *log.Logger
}

// New returns a locker. wait bounds how long Acquire polls a held key;
// a single-attempt policy fails fast.
func New(rdb redis.UniversalClient, wait retry.Policy, logger *log.Logger) *RedisLocker {
	if logger == nil {
		logger = log.New(log.Writer(), "[LOCK] ", log.LstdFlags)
	}
	return &RedisLocker{rdb: rdb, wait: wait, logger: logger}
}

// Acquire takes key for ttl. The returned release func is safe to call once
// the work is done; it never blocks longer than a second.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	token := uuid.NewString()
	err := l.wait.Do(ctx, func(_, _ int) error {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return retry.Permanent(fmt.Errorf("acquire %s: %w", key, err))
		}
		if !ok {
			return ErrLocked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Printf("release %s: %v", key, err)
		}
	}
	return release, nil
}
