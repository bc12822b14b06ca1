package repository

import (
	"context"
	"time"
)

// JobStatusView is the read model served by the status query.
type JobStatusView struct {
	JobID    string        `json:"job_id"`
	Kind     string        `json:"kind"`
	OwnerID  string        `json:"owner_id"`
	Status   string        `json:"status"`
	Progress *ProgressView `json:"progress,omitempty"`
	Result   *ResultView   `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Updated  time.Time     `json:"updated_at"`
}

type ProgressView struct {
	Stage      string `json:"stage"`
	Percentage int    `json:"percentage"`
}

type ResultView struct {
	ArtifactURL     string   `json:"artifact_url"`
	SizeBytes       *int64   `json:"size_bytes,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// StatusCache caches views of terminal jobs, whose status fields never change again.
type StatusCache interface {
	Get(ctx context.Context, jobID string) (*JobStatusView, error)
	Put(ctx context.Context, view *JobStatusView) error
}

// RateLimiter counts events per key in a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
