package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.DedupRepository = (*DedupStore)(nil)

const (
	inflightPrefix = "inflight:"
	doneValue      = "done"
)

// DedupStore keeps one key per provider job. The value is "inflight:<token>"
// while a worker holds the claim and "done" once confirmed; expiry is the key TTL.
type DedupStore struct {
	client RedisClient
}

func NewDedupStore(client RedisClient) *DedupStore {
	return &DedupStore{client: client}
}

func dedupKey(provider, providerJobID string) string {
	return "dedup:" + provider + ":" + providerJobID
}

func (s *DedupStore) Claim(ctx context.Context, provider, providerJobID, token string, lease time.Duration) (model.ClaimOutcome, error) {
	key := dedupKey(provider, providerJobID)
	ok, err := s.client.SetNX(ctx, key, inflightPrefix+token, lease)
	if err != nil {
		return model.ClaimBusy, err
	}
	if ok {
		return model.ClaimAcquired, nil
	}
	val, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET; let the provider retry
			return model.ClaimBusy, nil
		}
		return model.ClaimBusy, err
	}
	if val == doneValue {
		return model.ClaimDone, nil
	}
	return model.ClaimBusy, nil
}

var luaConfirm = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

func (s *DedupStore) Confirm(ctx context.Context, provider, providerJobID, token string, window time.Duration) error {
	res, err := s.client.RunScript(ctx, luaConfirm, []string{dedupKey(provider, providerJobID)},
		inflightPrefix+token, doneValue, window.Milliseconds())
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return domain.ErrConflict
	}
	return nil
}

func (s *DedupStore) Release(ctx context.Context, provider, providerJobID, token string) error {
	_, err := s.client.RunScript(ctx, luaUnlock, []string{dedupKey(provider, providerJobID)}, inflightPrefix+token)
	return err
}

// Purge is a no-op: Redis expires the keys itself.
func (s *DedupStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }
