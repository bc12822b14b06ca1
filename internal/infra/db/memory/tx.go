package memory

import (
	"context"

	"github.com/jackc/pgx/v4"

	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.TransactionManager = (*TxManager)(nil)

// TxManager runs fn directly. Each memory repository call is atomic on its
// own, and callers order their writes so a partial failure is repaired by a retry.
type TxManager struct{}

func NewTxManager() *TxManager { return &TxManager{} }

func (TxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}
