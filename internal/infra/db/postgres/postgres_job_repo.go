package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct{ pool *pgxpool.Pool }

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

const jobColumns = `id, kind, owner_id, channel_name, status, provider, provider_job_id, metadata, progress, result, error,
  charge_status, charge_amount, delivery_attempts, delivered_at, created_at, updated_at, started_at, completed_at, version`

func (r *jobRepo) Create(ctx context.Context, tx repository.Tx, job *model.Job) error {
	meta, prog, res, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20);`

	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.Kind, job.OwnerID, job.ChannelName, job.Status, job.Provider, job.ProviderJobID,
		meta, prog, res, job.Error, job.Charge.Status, job.Charge.Amount, job.DeliveryAttempts,
		job.DeliveredAt, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt, job.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return opErr(err)
	}
	return nil
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q+";", id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) FindByProviderJobID(ctx context.Context, tx repository.Tx, provider, providerJobID string) (*model.Job, error) {
	if provider == "" || providerJobID == "" {
		return nil, domain.ErrInvalidArgument
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE provider=$1 AND provider_job_id=$2 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, provider, providerJobID)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

// CompareAndSwap writes every mutable column guarded by the version column.
func (r *jobRepo) CompareAndSwap(ctx context.Context, tx repository.Tx, job *model.Job, expectedVersion int64) error {
	meta, prog, res, err := encodeJobJSON(job)
	if err != nil {
		return err
	}
	const q = `
UPDATE jobs SET
  status=$3, provider=$4, provider_job_id=$5, metadata=$6, progress=$7, result=$8, error=$9,
  charge_status=$10, charge_amount=$11, delivery_attempts=$12, delivered_at=$13,
  updated_at=$14, started_at=$15, completed_at=$16, version=version+1
WHERE id=$1 AND version=$2;`

	cmd, err := execSQL(ctx, r.pool, tx, q,
		job.ID, expectedVersion, job.Status, job.Provider, job.ProviderJobID, meta, prog, res, job.Error,
		job.Charge.Status, job.Charge.Amount, job.DeliveryAttempts, job.DeliveredAt,
		job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrProviderAttached
		}
		return opErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	job.Version = expectedVersion + 1
	return nil
}

func (r *jobRepo) ListByOwner(ctx context.Context, tx repository.Tx, ownerID, afterID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id=$1 AND id > $2 ORDER BY id ASC LIMIT $3;`
	return r.list(ctx, tx, q, ownerID, afterID, limit)
}

func (r *jobRepo) ListByStatus(ctx context.Context, tx repository.Tx, statuses []model.JobStatus, olderThan time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3;`
	return r.list(ctx, tx, q, ss, olderThan, limit)
}

func (r *jobRepo) ListOverdue(ctx context.Context, tx repository.Tx, statuses []model.JobStatus, staleBefore, createdBefore time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE status = ANY($1) AND (updated_at < $2 OR created_at < $3)
ORDER BY created_at ASC LIMIT $4;`
	return r.list(ctx, tx, q, ss, staleBefore, createdBefore, limit)
}

func (r *jobRepo) ListUnsettled(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE status='completed' AND charge_status='reserved' AND updated_at < $1
ORDER BY delivery_attempts ASC, completed_at ASC LIMIT $2;`
	return r.list(ctx, tx, q, olderThan, limit)
}

func (r *jobRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Job, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, opErr(err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                    model.Job
		kind, status, charge string
		meta, prog, res      []byte
	)
	err := row.Scan(&j.ID, &kind, &j.OwnerID, &j.ChannelName, &status, &j.Provider, &j.ProviderJobID,
		&meta, &prog, &res, &j.Error, &charge, &j.Charge.Amount, &j.DeliveryAttempts, &j.DeliveredAt,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.Charge.Status = model.ChargeStatus(charge)

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	if len(prog) > 0 {
		j.Progress = new(model.Progress)
		if err := json.Unmarshal(prog, j.Progress); err != nil {
			return nil, fmt.Errorf("%w: progress: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	if len(res) > 0 {
		j.Result = new(model.Result)
		if err := json.Unmarshal(res, j.Result); err != nil {
			return nil, fmt.Errorf("%w: result: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	return &j, nil
}

// encodeJobJSON returns the jsonb columns as strings, or nil for SQL NULL.
func encodeJobJSON(j *model.Job) (meta, prog, res interface{}, err error) {
	if meta, err = jsonOrNil(j.Metadata, j.Metadata == nil); err != nil {
		return
	}
	if prog, err = jsonOrNil(j.Progress, j.Progress == nil); err != nil {
		return
	}
	res, err = jsonOrNil(j.Result, j.Result == nil)
	return
}

func jsonOrNil(v interface{}, isNil bool) (interface{}, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return string(b), nil
}
