//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/infra/db/memory"
	"generation-reconciler/internal/infra/resilience"
	"generation-reconciler/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// -----------------------------
// Deliverer
// -----------------------------

type MockDeliverer struct {
	mu    sync.Mutex
	Sent  []adapter.Delivery
	Calls int
	// FailFirst makes the first N Notify calls fail with Err.
	FailFirst int
	Err       error
}

var _ adapter.Deliverer = (*MockDeliverer)(nil)

func (m *MockDeliverer) Notify(_ context.Context, _, _ string, d adapter.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Calls <= m.FailFirst {
		if m.Err != nil {
			return m.Err
		}
		return errors.New("telegram: connection reset")
	}
	m.Sent = append(m.Sent, d)
	return nil
}

func (m *MockDeliverer) Results() []adapter.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapter.Delivery, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// -----------------------------
// Provider + selector
// -----------------------------

type MockProvider struct {
	name      string
	kinds     []model.JobKind
	SubmitErr error
	Immediate *model.CallbackPayload
	// OnAccept runs before Submit returns, as a provider calling back early would.
	OnAccept func(req adapter.GenerationRequest, providerJobID string)
	mu       sync.Mutex
	Requests []adapter.GenerationRequest
}

var _ adapter.ProviderAdapter = (*MockProvider)(nil)

func (p *MockProvider) Name() string                          { return p.name }
func (p *MockProvider) Capabilities() []model.JobKind         { return p.kinds }
func (p *MockProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *MockProvider) Submit(_ context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()
	if p.SubmitErr != nil {
		return adapter.Submission{}, p.SubmitErr
	}
	sub := adapter.Submission{ProviderJobID: "task-" + req.JobID}
	if p.OnAccept != nil {
		p.OnAccept(req, sub.ProviderJobID)
	}
	if p.Immediate != nil {
		imm := *p.Immediate
		imm.ProviderTaskID = sub.ProviderJobID
		sub.Immediate = &imm
	}
	return sub, nil
}

type MockSelector struct {
	Provider    adapter.ProviderAdapter
	Err         error
	Invalidated int
}

func (s *MockSelector) Select(context.Context, model.JobKind) (adapter.ProviderAdapter, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Provider == nil {
		return nil, domain.ErrAllProvidersUnavailable
	}
	return s.Provider, nil
}

func (s *MockSelector) Invalidate(model.JobKind) { s.Invalidated++ }

// -----------------------------
// Repositories
// -----------------------------

// ConflictingJobRepo fails the next Conflicts compare-and-swaps with ErrConflict.
type ConflictingJobRepo struct {
	*memory.JobRepo
	mu        sync.Mutex
	Conflicts int
}

func (r *ConflictingJobRepo) CompareAndSwap(ctx context.Context, tx repository.Tx, job *model.Job, expected int64) error {
	r.mu.Lock()
	if r.Conflicts > 0 {
		r.Conflicts--
		r.mu.Unlock()
		return domain.ErrConflict
	}
	r.mu.Unlock()
	return r.JobRepo.CompareAndSwap(ctx, tx, job, expected)
}

// BusyDedup reports every claim as held by another worker.
type BusyDedup struct{ repository.DedupRepository }

func (BusyDedup) Claim(context.Context, string, string, string, time.Duration) (model.ClaimOutcome, error) {
	return model.ClaimBusy, nil
}

type MockStatusCache struct {
	mu    sync.Mutex
	Views map[string]*repository.JobStatusView
	Puts  int
}

func NewMockStatusCache() *MockStatusCache {
	return &MockStatusCache{Views: make(map[string]*repository.JobStatusView)}
}

func (c *MockStatusCache) Get(_ context.Context, jobID string) (*repository.JobStatusView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Views[jobID], nil
}

func (c *MockStatusCache) Put(_ context.Context, v *repository.JobStatusView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Puts++
	c.Views[v.JobID] = v
	return nil
}

type MockRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *MockRateLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

type fixedCounter struct {
	n   int
	err error
}

func (c fixedCounter) Count(string) (int, error) { return c.n, c.err }

// -----------------------------
// Fixture
// -----------------------------

type fixture struct {
	jobs       *memory.JobRepo
	movements  *memory.LedgerRepo
	dedup      *memory.DedupRepo
	deliverer  *MockDeliverer
	registry   *usecase.JobRegistry
	ledger     *usecase.Ledger
	reconciler *usecase.Reconciler
	events     *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []usecase.JobEvent
}

func (e *eventLog) JobUpdated(_ context.Context, ev usecase.JobEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) statuses() []model.JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.JobStatus
	for _, ev := range e.events {
		if ev.StatusChanged() {
			out = append(out, ev.Job.Status)
		}
	}
	return out
}

func newFixture() *fixture {
	logger := newTestLogger()
	f := &fixture{
		jobs:      memory.NewJobRepo(),
		movements: memory.NewLedgerRepo(),
		dedup:     memory.NewDedupRepo(),
		deliverer: &MockDeliverer{},
		events:    &eventLog{},
	}
	f.registry = usecase.NewJobRegistry(f.jobs, logger, f.events)
	f.ledger = usecase.NewLedger(f.registry, f.movements, memory.NewTxManager(), logger)
	f.reconciler = usecase.NewReconciler(f.registry, f.ledger, f.dedup, memory.NewLocker(), f.deliverer, usecase.ReconcilerConfig{
		Delivery: resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, logger)
	return f
}

// submitted creates a job for owner with amount reserved and attached to provider/taskID.
func (f *fixture) submitted(ctx context.Context, t testing.TB, owner string, amount int64, provider, taskID string) *model.Job {
	t.Helper()
	if res := f.ledger.Credit(ctx, owner, 1000, "topup-"+owner+"-"+taskID); !res.Success {
		t.Fatalf("credit: %s", res.Error)
	}
	job, err := f.registry.Create(ctx, model.JobKindImage, owner, "main-bot", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res := f.ledger.Reserve(ctx, job.ID, owner, amount); !res.Success {
		t.Fatalf("reserve: %s", res.Error)
	}
	if err := f.registry.AttachProvider(ctx, job.ID, provider, taskID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	job, err = f.registry.Transition(ctx, job.ID, model.JobStatusProcessing, model.TransitionFields{Progress: &model.Progress{Stage: "submitted"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return job
}

func intPtr(v int) *int { return &v }
