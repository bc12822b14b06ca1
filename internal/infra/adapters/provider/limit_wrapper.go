package provider

import (
	"context"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

var (
	_ adapter.ProviderAdapter = (*limitedProvider)(nil)
	_ adapter.Poller          = (*limitedPoller)(nil)
)

// limitedProvider caps concurrent outbound submissions to one provider.
type limitedProvider struct {
	inner adapter.ProviderAdapter
	sem   chan struct{}
}

type limitedPoller struct {
	*limitedProvider
	poller adapter.Poller
}

// NewLimited returns inner unchanged when maxConcurrent <= 0. The wrapper
// keeps the Poller capability of inner.
func NewLimited(inner adapter.ProviderAdapter, maxConcurrent int) adapter.ProviderAdapter {
	if maxConcurrent <= 0 {
		return inner
	}
	l := &limitedProvider{inner: inner, sem: make(chan struct{}, maxConcurrent)}
	if p, ok := inner.(adapter.Poller); ok {
		return &limitedPoller{limitedProvider: l, poller: p}
	}
	return l
}

func (l *limitedProvider) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limitedProvider) release() { <-l.sem }

func (l *limitedProvider) Name() string                  { return l.inner.Name() }
func (l *limitedProvider) Capabilities() []model.JobKind { return l.inner.Capabilities() }

func (l *limitedProvider) HealthCheck(ctx context.Context) error {
	return l.inner.HealthCheck(ctx)
}

func (l *limitedProvider) Submit(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	if err := l.acquire(ctx); err != nil {
		return adapter.Submission{}, err
	}
	defer l.release()
	return l.inner.Submit(ctx, req)
}

func (l *limitedPoller) Poll(ctx context.Context, providerJobID string) (model.CallbackPayload, error) {
	if err := l.acquire(ctx); err != nil {
		return model.CallbackPayload{}, err
	}
	defer l.release()
	return l.poller.Poll(ctx, providerJobID)
}
