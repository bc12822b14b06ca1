package repository

import (
	"context"
	"time"

	"generation-reconciler/internal/domain/model"
)

// DedupRepository stores short-lived markers for reconciled callbacks.
// Claim must be an atomic check-and-insert.
type DedupRepository interface {
	// Claim takes an in-flight lease of length lease on the key, unless the key
	// is already confirmed (ClaimDone) or leased by someone else (ClaimBusy).
	Claim(ctx context.Context, provider, providerJobID, token string, lease time.Duration) (model.ClaimOutcome, error)
	// Confirm marks the key reconciled and keeps it for window.
	Confirm(ctx context.Context, provider, providerJobID, token string, window time.Duration) error
	// Release drops an in-flight claim so a replay is processed.
	Release(ctx context.Context, provider, providerJobID, token string) error
	// Purge removes records that expired before now. Returns the count removed.
	Purge(ctx context.Context, now time.Time) (int, error)
}
