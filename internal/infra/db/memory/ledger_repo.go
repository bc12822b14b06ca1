package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/repository"
)

var _ repository.LedgerRepository = (*LedgerRepo)(nil)

type movementKey struct {
	key string
	dir model.MovementDirection
}

type LedgerRepo struct {
	mu        sync.Mutex
	movements []*model.Movement
	byKey     map[movementKey]*model.Movement
	balances  map[string]int64
}

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		byKey:    make(map[movementKey]*model.Movement),
		balances: make(map[string]int64),
	}
}

func (r *LedgerRepo) Balance(_ context.Context, _ repository.Tx, ownerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[ownerID], nil
}

func (r *LedgerRepo) ApplyMovement(_ context.Context, _ repository.Tx, m *model.Movement) (*model.Movement, bool, error) {
	if m == nil || m.OwnerID == "" || m.IdempotencyKey == "" || m.Amount < 0 {
		return nil, false, domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := movementKey{m.IdempotencyKey, m.Direction}
	if prev, ok := r.byKey[k]; ok {
		cp := *prev
		return &cp, false, nil
	}
	if opp, ok := settlementOpposite(m.Direction); ok {
		if _, settled := r.byKey[movementKey{m.IdempotencyKey, opp}]; settled {
			return nil, false, domain.ErrConflict
		}
	}
	if m.Direction == model.MovementReserve && r.balances[m.OwnerID] < m.Amount {
		return nil, false, domain.ErrInsufficientBalance
	}

	stored := *m
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	r.movements = append(r.movements, &stored)
	r.byKey[k] = &stored
	r.balances[m.OwnerID] += stored.BalanceDelta()

	cp := stored
	return &cp, true, nil
}

func (r *LedgerRepo) ListByJob(_ context.Context, _ repository.Tx, jobID string) ([]*model.Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Movement
	for _, m := range r.movements {
		if m.JobID == jobID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// settlementOpposite pairs charge with refund: a reservation ends in one of them.
func settlementOpposite(d model.MovementDirection) (model.MovementDirection, bool) {
	switch d {
	case model.MovementCharge:
		return model.MovementRefund, true
	case model.MovementRefund:
		return model.MovementCharge, true
	}
	return "", false
}
