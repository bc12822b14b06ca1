package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/domain/ports/usecase"
	"generation-reconciler/internal/infra/metrics"
	"generation-reconciler/internal/infra/worker"
)

// AbandonWorker fails jobs that made no progress for after, or are still
// unfinished maxAge after creation, and refunds whatever they reserved.
type AbandonWorker struct {
	rec    usecase.Reconciliation
	jobs   repository.JobRepository
	pool   *worker.Pool
	after  time.Duration
	maxAge time.Duration
	now    func() time.Time
	log    *zerolog.Logger
}

func NewAbandonWorker(rec usecase.Reconciliation, jobs repository.JobRepository, pool *worker.Pool, after, maxAge time.Duration, logger *zerolog.Logger) *AbandonWorker {
	if after <= 0 {
		after = 6 * time.Hour
	}
	if maxAge < after {
		maxAge = 4 * after
	}
	l := logger.With().Str("component", "AbandonWorker").Logger()
	return &AbandonWorker{rec: rec, jobs: jobs, pool: pool, after: after, maxAge: maxAge, now: time.Now, log: &l}
}

func (w *AbandonWorker) Name() string { return "abandon_worker" }

func (w *AbandonWorker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	staleBefore, createdBefore := now.Add(-w.after), now.Add(-w.maxAge)
	stale, err := w.jobs.ListOverdue(ctx, nil, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}, staleBefore, createdBefore, batchSize)
	if err != nil {
		return 0, err
	}
	tasks := make([]worker.Task, 0, len(stale))
	for _, j := range stale {
		id, status := j.ID, j.Status
		reason := "abandoned"
		if j.CreatedAt.Before(createdBefore) {
			reason = "timed_out"
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if err := w.rec.Abandon(ctx, id, reason); err != nil {
				w.log.Error().Err(err).Str("job_id", id).Msg("abandon failed")
				return err
			}
			w.log.Info().Str("job_id", id).Str("was", string(status)).Str("reason", reason).Msg("job abandoned")
			return nil
		})
	}
	n := worker.RunAll(ctx, w.pool, tasks)
	if n > 0 {
		metrics.AddJobsAbandoned(n)
	}
	return n, nil
}
