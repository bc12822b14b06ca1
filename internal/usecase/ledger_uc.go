// File: internal/usecase/ledger_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/infra/metrics"
)

// Ledger moves a job's charge state and the owner's balance together.
// The movement is keyed by (job id, direction) so a replay never moves money
// twice, and the job write commits after it inside the same transaction.
type Ledger struct {
	reg       *JobRegistry
	movements repository.LedgerRepository
	tx        repository.TransactionManager
	log       *zerolog.Logger
}

func NewLedger(reg *JobRegistry, movements repository.LedgerRepository, tx repository.TransactionManager, logger *zerolog.Logger) *Ledger {
	l := logger.With().Str("component", "ledger").Logger()
	return &Ledger{reg: reg, movements: movements, tx: tx, log: &l}
}

// Reserve takes amount from ownerID's balance for jobID. A job that is
// already past unreserved, charged and refunded included, is left alone and
// its recorded amount is reported.
func (l *Ledger) Reserve(ctx context.Context, jobID, ownerID string, amount int64) model.BalanceOperationResult {
	if amount < 0 {
		return model.OperationFailed(domain.ErrInvalidArgument)
	}
	return l.advance(ctx, jobID, model.ChargeReserved, func(j *model.Job) (*model.Movement, error) {
		if j.OwnerID != ownerID {
			return nil, fmt.Errorf("%w: job %s belongs to another owner", domain.ErrInvalidArgument, j.ID)
		}
		return &model.Movement{OwnerID: ownerID, JobID: j.ID, Direction: model.MovementReserve, Amount: amount, IdempotencyKey: j.ID}, nil
	})
}

// Charge finalizes a reservation after delivery.
func (l *Ledger) Charge(ctx context.Context, jobID string) model.BalanceOperationResult {
	return l.advance(ctx, jobID, model.ChargeCharged, func(j *model.Job) (*model.Movement, error) {
		return &model.Movement{OwnerID: j.OwnerID, JobID: j.ID, Direction: model.MovementCharge, Amount: j.Charge.Amount, IdempotencyKey: j.ID}, nil
	})
}

// Refund returns a reservation. Refunding a job that never reserved
// anything succeeds with a zero amount.
func (l *Ledger) Refund(ctx context.Context, jobID string) model.BalanceOperationResult {
	return l.advance(ctx, jobID, model.ChargeRefunded, func(j *model.Job) (*model.Movement, error) {
		return &model.Movement{OwnerID: j.OwnerID, JobID: j.ID, Direction: model.MovementRefund, Amount: j.Charge.Amount, IdempotencyKey: j.ID}, nil
	})
}

// Credit tops up ownerID. key makes the top-up idempotent.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount int64, key string) model.BalanceOperationResult {
	if ownerID == "" || key == "" || amount <= 0 {
		return model.OperationFailed(domain.ErrInvalidArgument)
	}
	stored, applied, err := l.movements.ApplyMovement(ctx, nil, &model.Movement{
		OwnerID: ownerID, Direction: model.MovementCredit, Amount: amount, IdempotencyKey: key,
	})
	if err != nil {
		l.log.Error().Err(err).Str("owner_id", ownerID).Msg("credit failed")
		return model.OperationFailed(err)
	}
	metrics.IncLedgerMovement(string(model.MovementCredit), applied, stored.Amount)
	return l.result(ctx, ownerID, stored.Amount)
}

func (l *Ledger) Balance(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, domain.ErrInvalidArgument
	}
	return l.movements.Balance(ctx, nil, ownerID)
}

// advance applies the movement built by build and moves the job's charge
// state to target, both in one transaction. A job that cannot advance is a
// no-op: successful when it already reached target, failed otherwise.
func (l *Ledger) advance(ctx context.Context, jobID string, target model.ChargeStatus, build func(j *model.Job) (*model.Movement, error)) model.BalanceOperationResult {
	var (
		job     *model.Job
		from    model.JobStatus
		moved   *model.Movement
		applied bool
		noop    bool
	)
	err := l.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		moved, applied, noop = nil, false, false
		var err error
		job, from, err = l.reg.mutate(ctx, tx, jobID, func(j *model.Job) (bool, error) {
			if !j.Charge.CanAdvanceTo(target) {
				noop = true
				return false, nil
			}
			m, err := build(j)
			if err != nil {
				return false, err
			}
			stored, ok, err := l.movements.ApplyMovement(ctx, tx, m)
			if err != nil {
				return false, err
			}
			moved, applied = stored, ok
			j.Charge = model.ChargeState{Status: target, Amount: stored.Amount}
			j.UpdatedAt = l.reg.now()
			return true, nil
		})
		return err
	})
	if err != nil {
		ev := l.log.Error()
		if errors.Is(err, domain.ErrInsufficientBalance) {
			ev = l.log.Info()
		}
		ev.Err(err).Str("job_id", jobID).Str("target", string(target)).Msg("ledger operation failed")
		return model.OperationFailed(err)
	}

	if noop {
		switch {
		case job.Charge.Status == target:
		case target == model.ChargeRefunded && job.Charge.Status == model.ChargeUnreserved:
		case target == model.ChargeReserved:
			// the reservation was made and already resolved; report it
		default:
			err := fmt.Errorf("%w: charge is %s, cannot become %s", domain.ErrInvalidTransition, job.Charge.Status, target)
			l.log.Warn().Str("job_id", jobID).Err(err).Msg("ledger operation skipped")
			return model.OperationFailed(err)
		}
		return l.result(ctx, job.OwnerID, job.Charge.Amount)
	}

	metrics.IncLedgerMovement(string(moved.Direction), applied, moved.Amount)
	l.reg.publish(ctx, job, from)
	l.log.Debug().Str("job_id", jobID).Str("charge", string(target)).Int64("amount", moved.Amount).Bool("applied", applied).Msg("charge state advanced")
	return l.result(ctx, job.OwnerID, moved.Amount)
}

func (l *Ledger) result(ctx context.Context, ownerID string, amount int64) model.BalanceOperationResult {
	bal, err := l.movements.Balance(ctx, nil, ownerID)
	if err != nil {
		// the operation itself is durable; only the balance read failed
		l.log.Warn().Err(err).Str("owner_id", ownerID).Msg("balance read failed")
		return model.BalanceOperationResult{Success: true, ChargedAmount: &amount}
	}
	return model.OperationOK(bal, amount)
}
