package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.LedgerRepository = (*ledgerRepo)(nil)

type ledgerRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewLedgerRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *ledgerRepo {
	return &ledgerRepo{pool: pool, tm: tm}
}

const balanceQuery = `
SELECT COALESCE(SUM(CASE direction
  WHEN 'reserve' THEN -amount
  WHEN 'charge'  THEN 0
  ELSE amount END), 0)
FROM ledger_movements WHERE owner_id=$1;`

func (r *ledgerRepo) Balance(ctx context.Context, tx repository.Tx, ownerID string) (int64, error) {
	row, err := pickRow(ctx, r.pool, tx, balanceQuery, ownerID)
	if err != nil {
		return 0, err
	}
	var bal int64
	if err := row.Scan(&bal); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return bal, nil
}

// ApplyMovement serialises movements per owner with an advisory xact lock so
// the balance check of a reserve cannot race another reserve.
func (r *ledgerRepo) ApplyMovement(ctx context.Context, tx repository.Tx, m *model.Movement) (*model.Movement, bool, error) {
	if m == nil || m.OwnerID == "" || m.IdempotencyKey == "" || m.Amount < 0 {
		return nil, false, domain.ErrInvalidArgument
	}
	if _, ok := tx.(pgx.Tx); ok {
		return r.apply(ctx, tx, m)
	}

	var (
		stored  *model.Movement
		applied bool
	)
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		stored, applied, err = r.apply(ctx, tx, m)
		return err
	})
	return stored, applied, err
}

func (r *ledgerRepo) apply(ctx context.Context, tx repository.Tx, m *model.Movement) (*model.Movement, bool, error) {
	if _, err := execSQL(ctx, r.pool, tx, "SELECT pg_advisory_xact_lock($1)", hashToInt64(m.OwnerID)); err != nil {
		return nil, false, opErr(err)
	}

	existing, err := r.findByKey(ctx, tx, m.IdempotencyKey, m.Direction)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	if opp, ok := settlementOpposite(m.Direction); ok {
		_, err := r.findByKey(ctx, tx, m.IdempotencyKey, opp)
		switch {
		case err == nil:
			return nil, false, domain.ErrConflict
		case !errors.Is(err, domain.ErrNotFound):
			return nil, false, err
		}
	}

	if m.Direction == model.MovementReserve {
		bal, err := r.Balance(ctx, tx, m.OwnerID)
		if err != nil {
			return nil, false, err
		}
		if bal < m.Amount {
			return nil, false, domain.ErrInsufficientBalance
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO ledger_movements (id, owner_id, job_id, direction, amount, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	if _, err := execSQL(ctx, r.pool, tx, q, m.ID, m.OwnerID, m.JobID, m.Direction, m.Amount, m.IdempotencyKey, m.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, false, domain.ErrConflict
		}
		return nil, false, opErr(err)
	}
	stored := *m
	return &stored, true, nil
}

func (r *ledgerRepo) findByKey(ctx context.Context, tx repository.Tx, key string, dir model.MovementDirection) (*model.Movement, error) {
	const q = `SELECT id, owner_id, job_id, direction, amount, idempotency_key, created_at
FROM ledger_movements WHERE idempotency_key=$1 AND direction=$2;`
	row, err := pickRow(ctx, r.pool, tx, q, key, dir)
	if err != nil {
		return nil, err
	}
	m, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return m, err
}

func (r *ledgerRepo) ListByJob(ctx context.Context, tx repository.Tx, jobID string) ([]*model.Movement, error) {
	const q = `SELECT id, owner_id, job_id, direction, amount, idempotency_key, created_at
FROM ledger_movements WHERE job_id=$1 ORDER BY created_at ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, opErr(err)
	}
	defer rows.Close()

	var out []*model.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// scanMovement passes pgx.ErrNoRows through so callers can tell absence apart.
func scanMovement(row pgx.Row) (*model.Movement, error) {
	var (
		m   model.Movement
		dir string
	)
	if err := row.Scan(&m.ID, &m.OwnerID, &m.JobID, &dir, &m.Amount, &m.IdempotencyKey, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, domain.ErrReadDatabaseRow
	}
	m.Direction = model.MovementDirection(dir)
	return &m, nil
}

func settlementOpposite(d model.MovementDirection) (model.MovementDirection, bool) {
	switch d {
	case model.MovementCharge:
		return model.MovementRefund, true
	case model.MovementRefund:
		return model.MovementCharge, true
	}
	return "", false
}
