//go:build !integration

package provider

import (
	"context"
	"sync/atomic"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

type stubProvider struct {
	name      string
	caps      []model.JobKind
	healthErr error
	checks    int32
	submits   int32
	submitFn  func(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error)
}

func (s *stubProvider) Name() string                  { return s.name }
func (s *stubProvider) Capabilities() []model.JobKind { return s.caps }

func (s *stubProvider) HealthCheck(ctx context.Context) error {
	atomic.AddInt32(&s.checks, 1)
	return s.healthErr
}

func (s *stubProvider) Submit(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	atomic.AddInt32(&s.submits, 1)
	if s.submitFn != nil {
		return s.submitFn(ctx, req)
	}
	return adapter.Submission{ProviderJobID: "task-" + req.JobID}, nil
}

type stubPollingProvider struct {
	stubProvider
}

func (s *stubPollingProvider) Poll(ctx context.Context, id string) (model.CallbackPayload, error) {
	return model.CallbackPayload{ProviderTaskID: id, Status: "processing"}, nil
}
