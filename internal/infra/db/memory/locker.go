package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.Locker = (*Locker)(nil)

type lease struct {
	token   string
	expires time.Time
}

// Locker is a process-local keyed lock with expiry, for single-instance deployments.
type Locker struct {
	mu    sync.Mutex
	held  map[string]lease
	now   func() time.Time
	retry time.Duration
	tries int
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease), now: time.Now, retry: 50 * time.Millisecond, tries: 5}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	for i := 0; i < l.tries; i++ {
		if l.acquire(key, token, ttl) {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retry):
		}
	}
	return "", domain.ErrLockNotAcquired
}

func (l *Locker) acquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return false
	}
	l.held[key] = lease{token: token, expires: now.Add(ttl)}
	return true
}

func (l *Locker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}
