package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/domain/ports/usecase"
	"generation-reconciler/internal/infra/worker"
)

const batchSize = 200

// SettlementSweeper periodically scans for completed jobs that were never
// delivered or charged and settles them again. This covers delivery outages
// and crashes between completion and charge.
type SettlementSweeper struct {
	rec   usecase.Reconciliation
	jobs  repository.JobRepository
	pool  *worker.Pool
	grace time.Duration // how long a completed job may stay unsettled before a retry
	now   func() time.Time
	log   *zerolog.Logger
}

func NewSettlementSweeper(rec usecase.Reconciliation, jobs repository.JobRepository, pool *worker.Pool, grace time.Duration, logger *zerolog.Logger) *SettlementSweeper {
	if grace <= 0 {
		grace = time.Minute
	}
	l := logger.With().Str("component", "SettlementSweeper").Logger()
	return &SettlementSweeper{rec: rec, jobs: jobs, pool: pool, grace: grace, now: time.Now, log: &l}
}

func (w *SettlementSweeper) Name() string { return "settlement_sweeper" }

func (w *SettlementSweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.grace)
	unsettled, err := w.jobs.ListUnsettled(ctx, nil, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	tasks := make([]worker.Task, 0, len(unsettled))
	for _, j := range unsettled {
		id := j.ID
		tasks = append(tasks, func(ctx context.Context) error {
			if err := w.rec.Settle(ctx, id, "sweeper"); err != nil {
				w.log.Warn().Err(err).Str("job_id", id).Msg("settle retry failed")
				return err
			}
			return nil
		})
	}
	return worker.RunAll(ctx, w.pool, tasks), nil
}
