package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency releases a key so a failed request can be retried
	ClearIdempotency(ctx context.Context, key string) error
}

// Locker serializes check-then-adjust sequences per key.
type Locker interface {
	// Lock acquires every key and returns a function releasing all of them
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}
