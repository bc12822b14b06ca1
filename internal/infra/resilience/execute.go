package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/infra/metrics"
)

// Executor wraps outbound provider calls with a per-provider circuit breaker,
// bounded retries for transient errors and a per-attempt timeout.
type Executor struct {
	breakers    *Breakers
	retry       RetryPolicy
	callTimeout time.Duration
	log         *zerolog.Logger
}

type ExecutorConfig struct {
	Breaker     BreakerSettings
	Retry       RetryPolicy
	CallTimeout time.Duration
}

func NewExecutor(cfg ExecutorConfig, logger *zerolog.Logger) *Executor {
	l := logger.With().Str("component", "resilience").Logger()
	userHook := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(name string, from, to State) {
		metrics.SetBreakerState(name, int(to), to.String())
		evt := l.Info()
		if to == StateOpen {
			evt = l.Warn()
		}
		evt.Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Executor{
		breakers:    NewBreakers(cfg.Breaker),
		retry:       cfg.Retry,
		callTimeout: cfg.CallTimeout,
		log:         &l,
	}
}

func (e *Executor) Breakers() *Breakers { return e.breakers }

// IsOpen reports whether calls to key would currently fail fast, without
// touching the network or consuming a half-open trial.
func (e *Executor) IsOpen(key string) bool {
	return e.breakers.Get(key).State() == StateOpen
}

// Execute runs op for the provider identified by key. While the breaker is
// open it returns a *CircuitOpenError without invoking op.
func Execute[T any](ctx context.Context, e *Executor, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	b := e.breakers.Get(key)
	trial, err := b.Allow()
	if err != nil {
		return zero, err
	}

	start := time.Now()
	v, attempts, err := Retry(ctx, e.retry, func(ctx context.Context) (T, error) {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return op(cctx)
	})
	metrics.ObserveProviderCall(key, time.Since(start).Milliseconds(), err == nil)

	b.Record(trial, outcomeOf(err, attempts))
	if err != nil {
		e.log.Debug().Err(err).Str("provider", key).Int("attempts", attempts).Bool("trial", trial).Msg("provider call failed")
		return zero, err
	}
	return v, nil
}
