package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error gets another attempt. Defaults to IsTransient.
	Retryable func(error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// backoff returns a full-jitter delay for the given (1-based) retry number.
func (p RetryPolicy) backoff(retry int) time.Duration {
	ceil := p.BaseDelay << (retry - 1)
	if ceil <= 0 || ceil > p.MaxDelay {
		ceil = p.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. It reports how many attempts ran.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, int, error) {
	p := policy.withDefaults()
	var (
		v   T
		err error
	)
	for attempt := 1; ; attempt++ {
		v, err = op(ctx)
		if err == nil || attempt >= p.MaxAttempts || !p.Retryable(err) {
			return v, attempt, err
		}
		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return v, attempt, err
		case <-t.C:
		}
	}
}
