package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/domain/ports/usecase"
	"generation-reconciler/internal/infra/resilience"
	"generation-reconciler/internal/infra/worker"
)

// StatusPoller asks providers that report by polling about their
// processing jobs and feeds each answer to the reconciler as if the
// provider had called back.
type StatusPoller struct {
	rec     usecase.Reconciliation
	jobs    repository.JobRepository
	pollers map[string]adapter.Poller
	exec    *resilience.Executor
	pool    *worker.Pool
	// minAge skips jobs updated more recently than this.
	minAge time.Duration
	now    func() time.Time
	log    *zerolog.Logger
}

func NewStatusPoller(rec usecase.Reconciliation, jobs repository.JobRepository, pollers map[string]adapter.Poller, exec *resilience.Executor, pool *worker.Pool, minAge time.Duration, logger *zerolog.Logger) *StatusPoller {
	l := logger.With().Str("component", "StatusPoller").Logger()
	return &StatusPoller{rec: rec, jobs: jobs, pollers: pollers, exec: exec, pool: pool, minAge: minAge, now: time.Now, log: &l}
}

func (w *StatusPoller) Name() string { return "status_poller" }

func (w *StatusPoller) RunOnce(ctx context.Context) (int, error) {
	if len(w.pollers) == 0 {
		return 0, nil
	}
	processing, err := w.jobs.ListByStatus(ctx, nil, []model.JobStatus{model.JobStatusProcessing}, w.now().Add(-w.minAge), batchSize)
	if err != nil {
		return 0, err
	}
	var tasks []worker.Task
	for _, j := range processing {
		p, ok := w.pollers[j.Provider]
		if !ok || j.ProviderJobID == "" {
			continue
		}
		provider, taskID := j.Provider, j.ProviderJobID
		tasks = append(tasks, func(ctx context.Context) error {
			return w.poll(ctx, p, provider, taskID)
		})
	}
	return worker.RunAll(ctx, w.pool, tasks), nil
}

func (w *StatusPoller) poll(ctx context.Context, p adapter.Poller, provider, providerJobID string) error {
	if w.exec.IsOpen(provider) {
		return domain.ErrCircuitOpen
	}
	payload, err := resilience.Execute(ctx, w.exec, provider, func(ctx context.Context) (model.CallbackPayload, error) {
		return p.Poll(ctx, providerJobID)
	})
	if err != nil {
		w.log.Debug().Err(err).Str("provider", provider).Str("provider_job_id", providerJobID).Msg("poll failed")
		return err
	}
	if payload.ProviderTaskID == "" {
		payload.ProviderTaskID = providerJobID
	}
	err = w.rec.Handle(ctx, provider, providerJobID, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrReconcileInFlight), errors.Is(err, domain.ErrDeliveryFailed):
		// the callback path or the sweeper takes it from here
		w.log.Debug().Err(err).Str("provider_job_id", providerJobID).Msg("poll outcome deferred")
	default:
		w.log.Warn().Err(err).Str("provider", provider).Str("provider_job_id", providerJobID).Msg("poll outcome not reconciled")
	}
	return err
}
