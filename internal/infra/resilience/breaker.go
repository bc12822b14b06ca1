package resilience

import (
	"fmt"
	"sync"
	"time"

	"generation-reconciler/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
	// OnStateChange is called with the breaker lock held; keep it cheap.
	OnStateChange func(name string, from, to State)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// CircuitOpenError is returned without calling the provider while its breaker is open.
type CircuitOpenError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry after %s", e.Provider, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return domain.ErrCircuitOpen }

// Breaker is a per-provider circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerSettings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialOut bool
}

func NewBreaker(name string, cfg BreakerSettings) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, promoting open to half_open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()
	return b.state
}

// ConsecutiveFailures is exported for inspection and tests.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow decides whether a call may go through. trial is true when the call
// is the single half-open trial; the caller must hand it back to Record.
func (b *Breaker) Allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.trialOut {
			return false, &CircuitOpenError{Provider: b.name}
		}
		b.trialOut = true
		return true, nil
	default:
		wait := b.cfg.Cooldown - b.cfg.Now().Sub(b.openedAt)
		return false, &CircuitOpenError{Provider: b.name, RetryAfter: wait}
	}
}

// Outcome describes how one execution ended, from the breaker's point of view.
type Outcome int

const (
	// OutcomeClean is a success on the first attempt.
	OutcomeClean Outcome = iota
	// OutcomeRecovered is a success that needed retries.
	OutcomeRecovered
	// OutcomeIgnored is a failure that says nothing about provider health
	// (permanent client errors, caller cancellation).
	OutcomeIgnored
	// OutcomeFailure counts toward opening the breaker.
	OutcomeFailure
)

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(trial bool, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialOut = false
	}

	switch o {
	case OutcomeClean:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.setStateLocked(StateClosed)
		}
	case OutcomeFailure:
		b.failures++
		// late failures of calls admitted before the trip must not extend the
		// cooldown or re-open a half-open breaker; only the trial decides there
		trip := (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) ||
			(b.state == StateHalfOpen && trial)
		if trip {
			b.openedAt = b.cfg.Now()
			b.setStateLocked(StateOpen)
		}
	}
	// OutcomeRecovered and OutcomeIgnored leave the counters untouched; a
	// half-open breaker stays half-open and admits the next trial.
}

func (b *Breaker) promoteLocked() {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setStateLocked(StateHalfOpen)
		b.trialOut = false
	}
}

func (b *Breaker) setStateLocked(to State) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Breakers holds one breaker per provider key, created on first use.
type Breakers struct {
	cfg BreakerSettings

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewBreakers(cfg BreakerSettings) *Breakers {
	return &Breakers{cfg: cfg.withDefaults(), m: make(map[string]*Breaker)}
}

func (r *Breakers) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[key]
	if !ok {
		b = NewBreaker(key, r.cfg)
		r.m[key] = b
	}
	return b
}

// States returns a snapshot of every known breaker.
func (r *Breakers) States() map[string]State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		out[b.Name()] = b.State()
	}
	return out
}
