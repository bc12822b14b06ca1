package memory

import (
	"context"
	"sync"
	"time"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.DedupRepository = (*DedupRepo)(nil)

type dedupEntry struct {
	token  string
	record model.DedupRecord
}

type DedupRepo struct {
	mu      sync.Mutex
	entries map[providerKey]*dedupEntry
	now     func() time.Time
}

func NewDedupRepo() *DedupRepo {
	return &DedupRepo{entries: make(map[providerKey]*dedupEntry), now: time.Now}
}

func (r *DedupRepo) Claim(_ context.Context, provider, providerJobID, token string, lease time.Duration) (model.ClaimOutcome, error) {
	now := r.now()
	k := providerKey{provider, providerJobID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok && now.Before(e.record.ExpiresAt) {
		if e.record.Confirmed {
			return model.ClaimDone, nil
		}
		return model.ClaimBusy, nil
	}
	r.entries[k] = &dedupEntry{
		token: token,
		record: model.DedupRecord{
			Provider:      provider,
			ProviderJobID: providerJobID,
			FirstSeenAt:   now,
			ExpiresAt:     now.Add(lease),
		},
	}
	return model.ClaimAcquired, nil
}

func (r *DedupRepo) Confirm(_ context.Context, provider, providerJobID, token string, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[providerKey{provider, providerJobID}]
	if !ok || e.token != token {
		return domain.ErrConflict
	}
	e.record.Confirmed = true
	e.record.ExpiresAt = r.now().Add(window)
	return nil
}

func (r *DedupRepo) Release(_ context.Context, provider, providerJobID, token string) error {
	k := providerKey{provider, providerJobID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok && e.token == token && !e.record.Confirmed {
		delete(r.entries, k)
	}
	return nil
}

func (r *DedupRepo) Purge(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if e.record.ExpiresAt.Before(now) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}
