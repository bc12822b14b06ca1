package repository

import (
	"context"
	"time"

	"generation-reconciler/internal/domain/model"
)

type JobRepository interface {
	// Create inserts a new job. ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, tx Tx, job *model.Job) error
	// FindByID returns ErrJobNotFound when absent. Inside a Postgres tx the row is locked.
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindByProviderJobID(ctx context.Context, tx Tx, provider, providerJobID string) (*model.Job, error)
	// CompareAndSwap persists job only if the stored version equals expectedVersion,
	// returning ErrConflict otherwise. On success job.Version is advanced.
	CompareAndSwap(ctx context.Context, tx Tx, job *model.Job, expectedVersion int64) error
	// ListByOwner returns up to limit jobs with id > afterID, ordered by id.
	ListByOwner(ctx context.Context, tx Tx, ownerID, afterID string, limit int) ([]*model.Job, error)
	// ListByStatus returns jobs in any of statuses last updated before olderThan.
	ListByStatus(ctx context.Context, tx Tx, statuses []model.JobStatus, olderThan time.Time, limit int) ([]*model.Job, error)
	// ListOverdue returns jobs in any of statuses last updated before
	// staleBefore or created before createdBefore, oldest first.
	ListOverdue(ctx context.Context, tx Tx, statuses []model.JobStatus, staleBefore, createdBefore time.Time, limit int) ([]*model.Job, error)
	// ListUnsettled returns completed jobs still reserved and untouched since
	// olderThan, fewest delivery attempts first.
	ListUnsettled(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.Job, error)
}
