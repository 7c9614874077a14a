// Package lock provides an optional Redis-backed distributed lock so two
// batchling processes sharing a cache database don't both poll the same
// resumed batch.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the caller no longer holds the
// lock (it expired or was never acquired).
var ErrNotHeld = errors.New("lock: not held")

// Locker acquires and releases a named, TTL-bounded lock. The in-process
// default (used when no distributed locker is configured) degrades to a
// no-op since a single process's singleflight.Group already serializes
// pollers for the same key.
type Locker interface {
	// TryLock attempts to acquire key for ttl, returning whether it
	// succeeded. A held lock is automatically released after ttl even if
	// Unlock is never called, so a crashed holder doesn't wedge a key
	// forever.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Unlock releases key, if this call is still its holder.
	Unlock(ctx context.Context, key string) error
}

// Noop is the default Locker: every lock attempt succeeds immediately.
// Safe for single-process deployments, where the engine's own
// singleflight.Group already prevents duplicate pollers.
type Noop struct{}

func (Noop) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Noop) Unlock(context.Context, string) error                         { return nil }

const keyPrefix = "batchling:lock:"

// RedisLocker implements Locker with SET NX EX, the standard Redis
// single-instance locking primitive.
type RedisLocker struct {
	client *redis.Client
	token  string
}

// NewRedisLocker builds a RedisLocker. token should be unique per process
// (e.g. a uuid) so Unlock can't release a lock another process holds.
func NewRedisLocker(client *redis.Client, token string) *RedisLocker {
	return &RedisLocker{client: client, token: token}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	return ok, nil
}

// unlockScript deletes the key only if it still holds this holder's
// token, so a lock that already expired and was reacquired by someone
// else is never stolen back.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{keyPrefix + key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", key, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}
