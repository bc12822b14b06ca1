package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager runs fn inside one storage transaction and hands the
// transaction handle to repositories via tx. Repositories MUST accept a nil
// tx (non-transactional path). The concrete type is infra-defined (pgx.Tx
// for Postgres).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
