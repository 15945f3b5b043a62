package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pos-ledger/internal/core/domain"
)

const (
	lockKeyPrefix     = "lock:"
	idempotencyKeyTTL = 24 * time.Hour
	lockRetryInterval = 10 * time.Millisecond
	defaultLockWait   = 5 * time.Second
)

// releaseLockScript deletes the lock only while it still carries our token,
// so an expired lock re-acquired by someone else is left alone.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// RedisLocker is a per-key lock shared by every server instance pointing
// at the same Redis. Locks expire after ttl if the holder dies.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: defaultLockWait}
}

func (r *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	acquired := make([]string, 0, len(keys))
	unlock := func() {
		releaseCtx := context.WithoutCancel(ctx)
		for i := len(acquired) - 1; i >= 0; i-- {
			// a failed release is reclaimed by the key TTL
			_ = releaseLockScript.Run(releaseCtx, r.client, []string{acquired[i]}, token).Err()
		}
	}

	for _, key := range keys {
		redisKey := lockKeyPrefix + key
		if err := r.acquire(waitCtx, redisKey, token); err != nil {
			unlock()
			return nil, err
		}
		acquired = append(acquired, redisKey)
	}

	var once sync.Once
	return func() { once.Do(unlock) }, nil
}

func (r *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return domain.Conflict("timed out waiting for lock %s", key)
		case <-ticker.C:
		}
	}
}
