package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/infra/metrics"
)

var _ repository.StatusCache = (*StatusCache)(nil)

// StatusCache stores JSON views of terminal jobs.
type StatusCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewStatusCache(client RedisClient, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StatusCache{client: client, ttl: ttl}
}

func statusKey(jobID string) string { return "job_status:" + jobID }

// Get returns (nil, nil) on a miss.
func (c *StatusCache) Get(ctx context.Context, jobID string) (*repository.JobStatusView, error) {
	data, err := c.client.Get(ctx, statusKey(jobID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.IncCacheRequest("job_status", "miss")
			return nil, nil
		}
		metrics.IncCacheRequest("job_status", "error")
		return nil, err
	}

	var v repository.JobStatusView
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		metrics.IncCacheRequest("job_status", "miss")
		_ = c.client.Del(ctx, statusKey(jobID))
		return nil, nil
	}
	metrics.IncCacheRequest("job_status", "hit")
	return &v, nil
}

func (c *StatusCache) Put(ctx context.Context, view *repository.JobStatusView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(view.JobID), data, c.ttl)
}
