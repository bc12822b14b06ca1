package model

import "time"

type MovementDirection string

const (
	MovementCredit  MovementDirection = "credit"
	MovementReserve MovementDirection = "reserve"
	MovementCharge  MovementDirection = "charge"
	MovementRefund  MovementDirection = "refund"
)

// Movement is one append-only entry of the balance ledger.
// (IdempotencyKey, Direction) is unique: a replayed movement is rejected by the store.
type Movement struct {
	ID             string
	OwnerID        string
	JobID          string
	Direction      MovementDirection
	Amount         int64
	IdempotencyKey string
	CreatedAt      time.Time
}

// BalanceDelta is the effect of the movement on the owner's spendable balance.
// A charge finalizes an earlier reservation and does not move the balance.
func (m Movement) BalanceDelta() int64 {
	switch m.Direction {
	case MovementCredit, MovementRefund:
		return m.Amount
	case MovementReserve:
		return -m.Amount
	}
	return 0
}

// BalanceOperationResult is returned by ledger operations. It is never persisted.
type BalanceOperationResult struct {
	Success       bool
	NewBalance    *int64
	ChargedAmount *int64
	Error         string
}

func OperationOK(balance, amount int64) BalanceOperationResult {
	return BalanceOperationResult{Success: true, NewBalance: &balance, ChargedAmount: &amount}
}

func OperationFailed(err error) BalanceOperationResult {
	return BalanceOperationResult{Success: false, Error: err.Error()}
}
