package usecase

import (
	"context"

	"generation-reconciler/internal/domain/model"
)

// Reconciliation defines the reconciler operations needed by external
// components like the callback endpoint and background workers.
type Reconciliation interface {
	// Handle reconciles one provider notification for providerJobID.
	Handle(ctx context.Context, provider, providerJobID string, payload model.CallbackPayload) error
	// Settle delivers a completed job's result and charges it. trigger labels the caller.
	Settle(ctx context.Context, jobID, trigger string) error
	// Abandon fails a job that never reached a terminal state and refunds it.
	Abandon(ctx context.Context, jobID, reason string) error
	// Reject fails a job its provider refused at submission and refunds it.
	Reject(ctx context.Context, jobID, reason string, moderated bool) error
}
