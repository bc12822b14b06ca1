package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.DedupRepository = (*dedupRepo)(nil)

type dedupRepo struct{ pool *pgxpool.Pool }

func NewDedupRepo(pool *pgxpool.Pool) *dedupRepo {
	return &dedupRepo{pool: pool}
}

// Claim inserts an in-flight row, or takes over a row whose expiry has passed.
// A live row is left alone and reported as done or busy.
func (r *dedupRepo) Claim(ctx context.Context, provider, providerJobID, token string, lease time.Duration) (model.ClaimOutcome, error) {
	const q = `
INSERT INTO callback_dedup (provider, provider_job_id, token, confirmed, first_seen_at, expires_at)
VALUES ($1, $2, $3, FALSE, NOW(), NOW() + ($4 * INTERVAL '1 millisecond'))
ON CONFLICT (provider, provider_job_id) DO UPDATE SET
  token = EXCLUDED.token,
  confirmed = FALSE,
  first_seen_at = EXCLUDED.first_seen_at,
  expires_at = EXCLUDED.expires_at
WHERE callback_dedup.expires_at < NOW()
RETURNING token;`

	row, err := pickRow(ctx, r.pool, nil, q, provider, providerJobID, token, lease.Milliseconds())
	if err != nil {
		return model.ClaimBusy, err
	}
	var got string
	err = row.Scan(&got)
	if err == nil {
		return model.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ClaimBusy, domain.ErrOperationFailed
	}

	const sel = `SELECT confirmed FROM callback_dedup WHERE provider=$1 AND provider_job_id=$2;`
	row, err = pickRow(ctx, r.pool, nil, sel, provider, providerJobID)
	if err != nil {
		return model.ClaimBusy, err
	}
	var confirmed bool
	if err := row.Scan(&confirmed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// released between the two statements
			return model.ClaimBusy, nil
		}
		return model.ClaimBusy, domain.ErrReadDatabaseRow
	}
	if confirmed {
		return model.ClaimDone, nil
	}
	return model.ClaimBusy, nil
}

func (r *dedupRepo) Confirm(ctx context.Context, provider, providerJobID, token string, window time.Duration) error {
	const q = `
UPDATE callback_dedup SET confirmed=TRUE, expires_at = NOW() + ($4 * INTERVAL '1 millisecond')
WHERE provider=$1 AND provider_job_id=$2 AND token=$3;`
	cmd, err := execSQL(ctx, r.pool, nil, q, provider, providerJobID, token, window.Milliseconds())
	if err != nil {
		return opErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *dedupRepo) Release(ctx context.Context, provider, providerJobID, token string) error {
	const q = `DELETE FROM callback_dedup WHERE provider=$1 AND provider_job_id=$2 AND token=$3 AND NOT confirmed;`
	if _, err := execSQL(ctx, r.pool, nil, q, provider, providerJobID, token); err != nil {
		return opErr(err)
	}
	return nil
}

func (r *dedupRepo) Purge(ctx context.Context, now time.Time) (int, error) {
	const q = `DELETE FROM callback_dedup WHERE expires_at < $1;`
	cmd, err := execSQL(ctx, r.pool, nil, q, now)
	if err != nil {
		return 0, opErr(err)
	}
	return int(cmd.RowsAffected()), nil
}
