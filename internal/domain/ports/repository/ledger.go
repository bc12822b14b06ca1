package repository

import (
	"context"

	"generation-reconciler/internal/domain/model"
)

// LedgerRepository is the balance collaborator: an append-only movement log
// whose balance is derived from the movements.
type LedgerRepository interface {
	Balance(ctx context.Context, tx Tx, ownerID string) (int64, error)
	// ApplyMovement appends m unless a movement with the same
	// (IdempotencyKey, Direction) exists, in which case applied is false and
	// the stored movement is returned. Reserve movements fail with
	// ErrInsufficientBalance when the balance cannot cover them. A charge for a
	// key that was refunded, or the reverse, is ErrConflict.
	ApplyMovement(ctx context.Context, tx Tx, m *model.Movement) (stored *model.Movement, applied bool, err error)
	ListByJob(ctx context.Context, tx Tx, jobID string) ([]*model.Movement, error)
}
