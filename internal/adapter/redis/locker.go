package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/snallabot/twitch-notifier/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLockPollInterval = 50 * time.Millisecond
	defaultLockMaxWait      = 10 * time.Second
	lockReleaseTimeout      = 2 * time.Second
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder cannot release a lock someone else has since acquired.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Locker is a Redis SET NX PX mutex keyed by name. Locks expire after ttl
// so a crashed holder cannot block others forever.
type Locker struct {
	rdb          *goredis.Client
	clock        clockwork.Clock
	ttl          time.Duration
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewLocker uses clock for the wait deadline and polling. The lock TTL
// itself runs on the Redis server.
func NewLocker(rdb *goredis.Client, ttl time.Duration, clock clockwork.Clock) *Locker {
	return &Locker{
		rdb:          rdb,
		clock:        clock,
		ttl:          ttl,
		pollInterval: defaultLockPollInterval,
		maxWait:      defaultLockMaxWait,
	}
}

// Lock blocks until key is acquired, ctx ends or the wait limit passes
// (domain.ErrLockTimeout).
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	deadline := l.clock.Now().Add(l.maxWait)
	for {
		unlock, acquired, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if acquired {
			return unlock, nil
		}
		if l.clock.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.pollInterval):
		}
	}
}

// TryLock makes a single attempt to acquire key.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := lockKey(key)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()

		if err := releaseScript.Run(ctx, l.rdb, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			slog.Warn("Failed to release lock", "key", key, "error", err)
		}
	}
	return unlock, true, nil
}

func lockKey(key string) string {
	return "lock:" + key
}
