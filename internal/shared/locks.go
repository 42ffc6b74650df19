package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLockKey builds redis keys for payroll run critical sections.
func RunLockKey(runID int64) string {
	return fmt.Sprintf("payroll:run:%d:lock", runID)
}

// ErrLockHeld indicates another worker holds the lock.
var ErrLockHeld = errors.New("lock already held")

// RedisLocker implements a best-effort advisory lock on redis. It guards the
// slow payment path against duplicate concurrent invocations; correctness of
// the state machine itself relies on row locks, not on this lock.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire takes the lock or fails fast with ErrLockHeld. The returned release
// function is safe to call once.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	ok, err := l.client.SetNX(ctx, key, time.Now().UnixNano(), ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = l.client.Del(context.WithoutCancel(ctx), key).Err()
	}, nil
}
