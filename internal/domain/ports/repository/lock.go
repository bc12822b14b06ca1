package repository

import (
	"context"
	"time"
)

// Locker guards work on a single key (for example, settling one job) across workers.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}
