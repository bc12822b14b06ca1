package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrConflict            = errors.New("concurrent modification")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRateLimited         = errors.New("rate limit exceeded")

	// Job lifecycle
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrProviderAttached  = errors.New("job already attached to a different provider job")

	// Reliability layer
	ErrCircuitOpen             = errors.New("circuit breaker is open")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	ErrUnknownProvider         = errors.New("unknown provider")

	// Reconciliation
	ErrReconcileInFlight = errors.New("callback is being reconciled by another worker")
	ErrDeliveryFailed    = errors.New("result delivery failed")
	ErrInvalidSignature  = errors.New("invalid callback signature")
	ErrUnknownCallback   = errors.New("unrecognized callback status")

	// Storage
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrOperationFailed    = errors.New("database operation failed")
	ErrInvalidExecContext = errors.New("invalid database execution context")
	ErrLockNotAcquired    = errors.New("lock not acquired")
)
