package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"generation-reconciler/internal/domain/ports/adapter"
)

// IsTransient reports whether err is worth another attempt: timeouts,
// connection resets, 5xx/429 provider responses. Validation and
// authorization failures are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *adapter.ProviderError
	if errors.As(err, &pe) {
		return !pe.Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func outcomeOf(err error, attempts int) Outcome {
	switch {
	case err == nil && attempts <= 1:
		return OutcomeClean
	case err == nil:
		return OutcomeRecovered
	case errors.Is(err, context.Canceled), adapter.IsPermanent(err):
		return OutcomeIgnored
	}
	return OutcomeFailure
}
