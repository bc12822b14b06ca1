package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type providerKey struct{ provider, providerJobID string }

// JobRepo keeps jobs in a map with a secondary (provider, provider_job_id) index.
type JobRepo struct {
	mu         sync.RWMutex
	jobs       map[string]*model.Job
	byProvider map[providerKey]string
}

func NewJobRepo() *JobRepo {
	return &JobRepo{
		jobs:       make(map[string]*model.Job),
		byProvider: make(map[providerKey]string),
	}
}

func (r *JobRepo) Create(_ context.Context, _ repository.Tx, job *model.Job) error {
	if job == nil || job.ID == "" {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if job.ProviderJobID != "" {
		k := providerKey{job.Provider, job.ProviderJobID}
		if _, taken := r.byProvider[k]; taken {
			return domain.ErrProviderAttached
		}
		r.byProvider[k] = job.ID
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepo) FindByProviderJobID(_ context.Context, _ repository.Tx, provider, providerJobID string) (*model.Job, error) {
	if provider == "" || providerJobID == "" {
		return nil, domain.ErrInvalidArgument
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byProvider[providerKey{provider, providerJobID}]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return r.jobs[id].Clone(), nil
}

func (r *JobRepo) CompareAndSwap(_ context.Context, _ repository.Tx, job *model.Job, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrConflict
	}
	if job.ProviderJobID != "" && (job.Provider != cur.Provider || job.ProviderJobID != cur.ProviderJobID) {
		k := providerKey{job.Provider, job.ProviderJobID}
		if owner, taken := r.byProvider[k]; taken && owner != job.ID {
			return domain.ErrProviderAttached
		}
		r.byProvider[k] = job.ID
	}
	job.Version = expectedVersion + 1
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) ListByOwner(_ context.Context, _ repository.Tx, ownerID, afterID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.filter(func(j *model.Job) bool {
		return j.OwnerID == ownerID && j.ID > afterID
	}, func(a, b *model.Job) bool { return a.ID < b.ID }, limit), nil
}

func (r *JobRepo) ListByStatus(_ context.Context, _ repository.Tx, statuses []model.JobStatus, olderThan time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	want := statusSet(statuses)
	return r.filter(func(j *model.Job) bool {
		return want[j.Status] && j.UpdatedAt.Before(olderThan)
	}, func(a, b *model.Job) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (r *JobRepo) ListOverdue(_ context.Context, _ repository.Tx, statuses []model.JobStatus, staleBefore, createdBefore time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	want := statusSet(statuses)
	return r.filter(func(j *model.Job) bool {
		return want[j.Status] && (j.UpdatedAt.Before(staleBefore) || j.CreatedAt.Before(createdBefore))
	}, func(a, b *model.Job) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

func statusSet(statuses []model.JobStatus) map[model.JobStatus]bool {
	want := make(map[model.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return want
}

func (r *JobRepo) ListUnsettled(_ context.Context, _ repository.Tx, olderThan time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.filter(func(j *model.Job) bool {
		return j.NeedsSettlement() && j.UpdatedAt.Before(olderThan)
	}, func(a, b *model.Job) bool {
		if a.DeliveryAttempts != b.DeliveryAttempts {
			return a.DeliveryAttempts < b.DeliveryAttempts
		}
		return a.CompletedAt.Before(*b.CompletedAt)
	}, limit), nil
}

func (r *JobRepo) filter(keep func(*model.Job) bool, less func(a, b *model.Job) bool, limit int) []*model.Job {
	r.mu.RLock()
	var out []*model.Job
	for _, j := range r.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
