package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/infra/metrics"
	"generation-reconciler/internal/infra/resilience"
)

type selection struct {
	name string
	at   time.Time
}

// Router picks the first healthy provider for a capability, in configured
// priority order. Health checks run through the executor, so a provider with
// an open breaker is skipped without a network call.
type Router struct {
	exec   *resilience.Executor
	order  []adapter.ProviderAdapter
	byCap  map[model.JobKind][]adapter.ProviderAdapter
	byName map[string]adapter.ProviderAdapter
	ttl    time.Duration
	now    func() time.Time
	log    *zerolog.Logger

	mu    sync.Mutex
	cache map[model.JobKind]selection
}

// NewRouter keeps adapters in the given order; earlier means higher priority.
func NewRouter(exec *resilience.Executor, adapters []adapter.ProviderAdapter, ttl time.Duration, logger *zerolog.Logger) (*Router, error) {
	l := logger.With().Str("component", "provider_router").Logger()
	r := &Router{
		exec:   exec,
		byCap:  make(map[model.JobKind][]adapter.ProviderAdapter),
		byName: make(map[string]adapter.ProviderAdapter),
		ttl:    ttl,
		now:    time.Now,
		log:    &l,
		cache:  make(map[model.JobKind]selection),
	}
	for _, a := range adapters {
		if _, dup := r.byName[a.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %q", domain.ErrInvalidArgument, a.Name())
		}
		r.byName[a.Name()] = a
		r.order = append(r.order, a)
		for _, c := range a.Capabilities() {
			r.byCap[c] = append(r.byCap[c], a)
		}
	}
	return r, nil
}

// Select returns a provider able to serve capability, or
// domain.ErrAllProvidersUnavailable when none is usable.
func (r *Router) Select(ctx context.Context, capability model.JobKind) (adapter.ProviderAdapter, error) {
	if a := r.cached(capability); a != nil {
		return a, nil
	}

	candidates := r.byCap[capability]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no provider serves %s", domain.ErrAllProvidersUnavailable, capability)
	}

	var lastErr error
	for _, a := range candidates {
		name := a.Name()
		if r.exec.IsOpen(name) {
			r.log.Debug().Str("provider", name).Str("capability", string(capability)).Msg("skipping provider with open breaker")
			continue
		}
		_, err := resilience.Execute(ctx, r.exec, name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.HealthCheck(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			r.log.Warn().Err(err).Str("provider", name).Str("capability", string(capability)).Msg("provider health check failed")
			continue
		}
		r.remember(capability, name)
		metrics.IncProviderSelection(string(capability), name)
		return a, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: last error: %v", domain.ErrAllProvidersUnavailable, capability, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrAllProvidersUnavailable, capability)
}

// cached returns the remembered selection while it is fresh and its breaker closed.
func (r *Router) cached(capability model.JobKind) adapter.ProviderAdapter {
	r.mu.Lock()
	sel, ok := r.cache[capability]
	r.mu.Unlock()
	if !ok || r.now().Sub(sel.at) >= r.ttl {
		return nil
	}
	if r.exec.Breakers().Get(sel.name).State() != resilience.StateClosed {
		r.Invalidate(capability)
		return nil
	}
	return r.byName[sel.name]
}

func (r *Router) remember(capability model.JobKind, name string) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[capability] = selection{name: name, at: r.now()}
	r.mu.Unlock()
}

func (r *Router) Invalidate(capability model.JobKind) {
	r.mu.Lock()
	delete(r.cache, capability)
	r.mu.Unlock()
}

// Get returns the adapter registered under name.
func (r *Router) Get(name string) (adapter.ProviderAdapter, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
	}
	return a, nil
}

// Pollers returns the adapters whose providers must be polled for completion.
func (r *Router) Pollers() map[string]adapter.Poller {
	out := make(map[string]adapter.Poller)
	for _, a := range r.order {
		if p, ok := a.(adapter.Poller); ok {
			out[a.Name()] = p
		}
	}
	return out
}

func (r *Router) Names() []string {
	out := make([]string, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, a.Name())
	}
	return out
}
