// File: internal/usecase/job_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/infra/metrics"
)

const (
	defaultCASRetries = 5
	defaultPageSize   = 50
)

// JobEvent is published after every successful job write.
type JobEvent struct {
	Job  *model.Job
	From model.JobStatus
}

// StatusChanged is false for progress, delivery and charge updates.
func (e JobEvent) StatusChanged() bool { return e.From != e.Job.Status }

type JobObserver interface {
	JobUpdated(ctx context.Context, ev JobEvent)
}

type JobObserverFunc func(ctx context.Context, ev JobEvent)

func (f JobObserverFunc) JobUpdated(ctx context.Context, ev JobEvent) { f(ctx, ev) }

// TransitionMetrics counts status changes by kind and target status.
var TransitionMetrics JobObserver = JobObserverFunc(func(_ context.Context, ev JobEvent) {
	if ev.StatusChanged() {
		metrics.IncJobTransition(string(ev.Job.Kind), string(ev.Job.Status))
	}
})

// JobRegistry owns the job lifecycle. Every write is a compare-and-swap on
// the job version, retried a bounded number of times on conflict.
type JobRegistry struct {
	jobs      repository.JobRepository
	observers []JobObserver
	retries   int
	now       func() time.Time
	log       *zerolog.Logger
}

func NewJobRegistry(jobs repository.JobRepository, logger *zerolog.Logger, observers ...JobObserver) *JobRegistry {
	l := logger.With().Str("component", "job_registry").Logger()
	return &JobRegistry{
		jobs:      jobs,
		observers: observers,
		retries:   defaultCASRetries,
		now:       func() time.Time { return time.Now().UTC() },
		log:       &l,
	}
}

// Observe registers o for events of later writes. It is not safe to call
// concurrently with writes; register observers during wiring.
func (r *JobRegistry) Observe(o JobObserver) {
	r.observers = append(r.observers, o)
}

func (r *JobRegistry) Create(ctx context.Context, kind model.JobKind, ownerID, channelName string, metadata map[string]string) (*model.Job, error) {
	job, err := model.NewJob(ulid.Make().String(), kind, ownerID, channelName, metadata)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = r.now()
	job.UpdatedAt = job.CreatedAt
	if err := r.jobs.Create(ctx, nil, job); err != nil {
		return nil, err
	}
	r.publish(ctx, job, "")
	return job.Clone(), nil
}

func (r *JobRegistry) Get(ctx context.Context, jobID string) (*model.Job, error) {
	if jobID == "" {
		return nil, domain.ErrInvalidArgument
	}
	return r.jobs.FindByID(ctx, nil, jobID)
}

func (r *JobRegistry) FindByProviderJobID(ctx context.Context, provider, providerJobID string) (*model.Job, error) {
	return r.jobs.FindByProviderJobID(ctx, nil, provider, providerJobID)
}

// AttachProvider records which provider job runs jobID. Attaching the same
// pair again is a no-op; a different pair is ErrProviderAttached.
func (r *JobRegistry) AttachProvider(ctx context.Context, jobID, provider, providerJobID string) error {
	if provider == "" || providerJobID == "" {
		return domain.ErrInvalidArgument
	}
	job, from, err := r.mutate(ctx, nil, jobID, func(j *model.Job) (bool, error) {
		if j.ProviderJobID != "" {
			if j.Provider == provider && j.ProviderJobID == providerJobID {
				return false, nil
			}
			return false, fmt.Errorf("%w: job %s runs as %s/%s", domain.ErrProviderAttached, j.ID, j.Provider, j.ProviderJobID)
		}
		j.Provider, j.ProviderJobID = provider, providerJobID
		j.UpdatedAt = r.now()
		return true, nil
	})
	if err != nil {
		return err
	}
	r.publish(ctx, job, from)
	return nil
}

// Transition moves the job along pending -> processing -> {completed, failed}.
// A processing update that changes nothing is not written, so updated_at
// keeps measuring the last real change.
func (r *JobRegistry) Transition(ctx context.Context, jobID string, next model.JobStatus, f model.TransitionFields) (*model.Job, error) {
	var changed bool
	job, from, err := r.mutate(ctx, nil, jobID, func(j *model.Job) (bool, error) {
		changed = !(next == model.JobStatusProcessing && j.ProgressUnchanged(f.Progress))
		if !changed {
			return false, nil
		}
		return true, j.ApplyTransition(next, f, r.now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		r.publish(ctx, job, from)
	}
	return job, nil
}

// RecordDelivery counts a delivery attempt and stamps delivered_at on success.
func (r *JobRegistry) RecordDelivery(ctx context.Context, jobID string, attempts int, delivered bool) (*model.Job, error) {
	job, from, err := r.mutate(ctx, nil, jobID, func(j *model.Job) (bool, error) {
		if j.DeliveredAt != nil {
			return false, nil
		}
		now := r.now()
		j.DeliveryAttempts += attempts
		if delivered {
			j.DeliveredAt = &now
		}
		j.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, job, from)
	return job, nil
}

// mutate loads jobID, applies fn and writes the result back guarded by the
// loaded version. fn returning false skips the write. The returned job is
// the stored state either way.
func (r *JobRegistry) mutate(ctx context.Context, tx repository.Tx, jobID string, fn func(j *model.Job) (bool, error)) (*model.Job, model.JobStatus, error) {
	if jobID == "" {
		return nil, "", domain.ErrInvalidArgument
	}
	for attempt := 1; ; attempt++ {
		job, err := r.jobs.FindByID(ctx, tx, jobID)
		if err != nil {
			return nil, "", err
		}
		from, version := job.Status, job.Version

		changed, err := fn(job)
		if err != nil {
			return nil, "", err
		}
		if !changed {
			return job, from, nil
		}

		err = r.jobs.CompareAndSwap(ctx, tx, job, version)
		if err == nil {
			return job, from, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= r.retries {
			return nil, "", err
		}
		r.log.Debug().Str("job_id", jobID).Int("attempt", attempt).Msg("job write conflict, retrying")
	}
}

func (r *JobRegistry) publish(ctx context.Context, job *model.Job, from model.JobStatus) {
	if job == nil {
		return
	}
	for _, o := range r.observers {
		o.JobUpdated(ctx, JobEvent{Job: job.Clone(), From: from})
	}
}

// ListByOwner returns a lazy iterator over ownerID's jobs ordered by id.
func (r *JobRegistry) ListByOwner(ownerID string) *JobIterator {
	return &JobIterator{jobs: r.jobs, ownerID: ownerID, pageSize: defaultPageSize}
}

// JobIterator pages through an owner's jobs by keyset. It is finite and can
// be restarted with Reset.
type JobIterator struct {
	jobs     repository.JobRepository
	ownerID  string
	pageSize int

	start string
	after string
	buf   []*model.Job
	cur   *model.Job
	done  bool
	err   error
}

// After positions the iterator behind cursor, an id returned earlier.
func (it *JobIterator) After(cursor string) *JobIterator {
	it.start = cursor
	it.Reset()
	return it
}

func (it *JobIterator) PageSize(n int) *JobIterator {
	if n > 0 {
		it.pageSize = n
	}
	return it
}

func (it *JobIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if len(it.buf) == 0 {
		if it.done {
			it.cur = nil
			return false
		}
		page, err := it.jobs.ListByOwner(ctx, nil, it.ownerID, it.after, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			it.cur = nil
			return false
		}
		it.buf = page
	}
	it.cur, it.buf = it.buf[0], it.buf[1:]
	it.after = it.cur.ID
	return true
}

func (it *JobIterator) Job() *model.Job { return it.cur }

func (it *JobIterator) Err() error { return it.err }

func (it *JobIterator) Reset() {
	it.after = it.start
	it.buf = nil
	it.cur = nil
	it.done = false
	it.err = nil
}
