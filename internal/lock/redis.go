package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when it still carries our token,
// so an expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Service on a Redis instance using SET NX PX with a
// per-holder token.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a lock service on the given Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "triage:lock:"}
}

// Acquire takes the lease via SET NX PX.
func (r *RedisLocker) Acquire(ctx context.Context, key string, lease time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock acquire failed: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisLock{client: r.client, key: r.prefix + key, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis lock release failed: %w", err)
	}
	return nil
}
