// File: internal/usecase/submission_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/domain/ports/repository"
	portuc "generation-reconciler/internal/domain/ports/usecase"
	"generation-reconciler/internal/infra/logging"
	"generation-reconciler/internal/infra/metrics"
	"generation-reconciler/internal/infra/resilience"
)

// ProviderSelector picks a healthy adapter for a job kind.
type ProviderSelector interface {
	Select(ctx context.Context, capability model.JobKind) (adapter.ProviderAdapter, error)
	Invalidate(capability model.JobKind)
}

type SubmitRequest struct {
	Prompt   string
	Params   map[string]string
	Metadata map[string]string
}

type SubmitterConfig struct {
	// CallbackBaseURL is the public base URL providers call back to.
	CallbackBaseURL string
	// SubmitLimit caps submissions per owner and kind within SubmitWindow. 0 disables it.
	SubmitLimit  int
	SubmitWindow time.Duration
}

// Submitter turns a generation request into a job running at a provider.
type Submitter struct {
	jobs       *JobRegistry
	ledger     *Ledger
	pricing    *Pricing
	providers  ProviderSelector
	exec       *resilience.Executor
	reconciler portuc.Reconciliation
	cache      repository.StatusCache
	limiter    repository.RateLimiter
	cfg        SubmitterConfig
	log        *zerolog.Logger
}

// NewSubmitter wires the submission flow. cache and limiter may be nil.
func NewSubmitter(
	jobs *JobRegistry,
	ledger *Ledger,
	pricing *Pricing,
	providers ProviderSelector,
	exec *resilience.Executor,
	reconciler portuc.Reconciliation,
	cache repository.StatusCache,
	limiter repository.RateLimiter,
	cfg SubmitterConfig,
	logger *zerolog.Logger,
) *Submitter {
	l := logger.With().Str("component", "submitter").Logger()
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	if cfg.SubmitWindow <= 0 {
		cfg.SubmitWindow = time.Minute
	}
	return &Submitter{
		jobs:       jobs,
		ledger:     ledger,
		pricing:    pricing,
		providers:  providers,
		exec:       exec,
		reconciler: reconciler,
		cache:      cache,
		limiter:    limiter,
		cfg:        cfg,
		log:        &l,
	}
}

// Submit creates the job, reserves its price and hands it to a provider.
// The job id is returned whenever a job was created, even with an error:
// ErrAllProvidersUnavailable leaves it pending, other failures fail it.
func (s *Submitter) Submit(ctx context.Context, kind model.JobKind, ownerID, channelName string, req SubmitRequest) (string, error) {
	if !kind.Valid() || ownerID == "" || channelName == "" || strings.TrimSpace(req.Prompt) == "" {
		return "", domain.ErrInvalidArgument
	}
	ctx = logging.WithOwnerID(ctx, ownerID)
	defer logging.TraceDuration(logging.With(ctx, s.log), "submit")()

	if s.limiter != nil && s.cfg.SubmitLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "submit:"+ownerID+":"+string(kind), s.cfg.SubmitLimit, s.cfg.SubmitWindow)
		if err != nil {
			// fail open: the limiter protects providers, not correctness
			s.log.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			metrics.IncJobSubmitted(string(kind), "rate_limited")
			return "", domain.ErrRateLimited
		}
	}

	price, err := s.pricing.Quote(kind, req.Prompt)
	if err != nil {
		return "", err
	}

	job, err := s.jobs.Create(ctx, kind, ownerID, channelName, req.Metadata)
	if err != nil {
		return "", err
	}
	ctx = logging.WithJobID(ctx, job.ID)
	log := logging.With(ctx, s.log)

	provider, err := s.providers.Select(ctx, kind)
	if err != nil {
		metrics.IncJobSubmitted(string(kind), "unavailable")
		log.Warn().Err(err).Msg("no provider available, job left pending")
		return job.ID, err
	}
	ctx = logging.WithProvider(ctx, provider.Name())
	log = logging.With(ctx, s.log)

	if res := s.ledger.Reserve(ctx, job.ID, ownerID, price); !res.Success {
		metrics.IncJobSubmitted(string(kind), "rejected")
		if _, terr := s.jobs.Transition(ctx, job.ID, model.JobStatusFailed, model.TransitionFields{Error: "insufficient_balance"}); terr != nil {
			log.Error().Err(terr).Msg("failing unreserved job")
		}
		if strings.Contains(res.Error, domain.ErrInsufficientBalance.Error()) {
			return job.ID, domain.ErrInsufficientBalance
		}
		return job.ID, fmt.Errorf("%w: %s", domain.ErrOperationFailed, res.Error)
	}

	greq := adapter.GenerationRequest{
		JobID:       job.ID,
		Kind:        kind,
		Prompt:      req.Prompt,
		Params:      req.Params,
		CallbackURL: s.callbackURL(provider.Name(), job.ID),
	}
	sub, err := resilience.Execute(ctx, s.exec, provider.Name(), func(ctx context.Context) (adapter.Submission, error) {
		return provider.Submit(ctx, greq)
	})
	if err != nil {
		if !adapter.IsPermanent(err) {
			s.providers.Invalidate(kind)
		}
		metrics.IncJobSubmitted(string(kind), "error")
		log.Warn().Err(err).Bool("permanent", adapter.IsPermanent(err)).Msg("provider rejected submission")
		if rerr := s.reconciler.Reject(ctx, job.ID, "submit_failed: "+err.Error(), adapter.IsModerated(err)); rerr != nil {
			log.Error().Err(rerr).Msg("failing rejected job")
		}
		return job.ID, err
	}

	providerJobID := sub.ProviderJobID
	if providerJobID == "" {
		providerJobID = job.ID
	}
	if err := s.jobs.AttachProvider(ctx, job.ID, provider.Name(), providerJobID); err != nil {
		if !errors.Is(err, domain.ErrProviderAttached) {
			return job.ID, err
		}
		// an early callback attached the job under the id it reported
		cur, gerr := s.jobs.Get(ctx, job.ID)
		if gerr != nil || cur.Provider != provider.Name() {
			return job.ID, err
		}
		providerJobID = cur.ProviderJobID
	}
	if _, err := s.jobs.Transition(ctx, job.ID, model.JobStatusProcessing, model.TransitionFields{Progress: &model.Progress{Stage: "submitted"}}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		// a callback may already have moved the job on
		return job.ID, err
	}
	metrics.IncJobSubmitted(string(kind), "accepted")
	log.Info().Str("provider_job_id", providerJobID).Int64("reserved", price).Msg("job submitted")

	if sub.Immediate != nil {
		if err := s.reconciler.Handle(ctx, provider.Name(), providerJobID, *sub.Immediate); err != nil {
			// the job is accepted; settlement is retried by the sweeper
			log.Warn().Err(err).Msg("immediate outcome not fully reconciled")
		}
	}
	return job.ID, nil
}

// callbackURL carries the job id so a callback that beats Submit's return
// can still be matched to its job.
func (s *Submitter) callbackURL(provider, jobID string) string {
	if s.cfg.CallbackBaseURL == "" {
		return ""
	}
	return s.cfg.CallbackBaseURL + "/api/v1/callbacks/" + url.PathEscape(provider) + "?job_id=" + url.QueryEscape(jobID)
}

// GetStatus returns ownerID's view of jobID. Terminal views are cached.
func (s *Submitter) GetStatus(ctx context.Context, ownerID, jobID string) (*repository.JobStatusView, error) {
	if s.cache != nil {
		v, err := s.cache.Get(ctx, jobID)
		if err != nil {
			s.log.Debug().Err(err).Str("job_id", jobID).Msg("status cache read failed")
		}
		if v != nil {
			if v.OwnerID != ownerID {
				return nil, domain.ErrJobNotFound
			}
			return v, nil
		}
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrJobNotFound
	}
	v := StatusView(job)
	if s.cache != nil && job.Status.IsTerminal() {
		if err := s.cache.Put(ctx, v); err != nil {
			s.log.Debug().Err(err).Str("job_id", jobID).Msg("status cache write failed")
		}
	}
	return v, nil
}

// StatusView projects a job onto the read model.
func StatusView(j *model.Job) *repository.JobStatusView {
	v := &repository.JobStatusView{
		JobID:   j.ID,
		Kind:    string(j.Kind),
		OwnerID: j.OwnerID,
		Status:  string(j.Status),
		Error:   j.Error,
		Updated: j.UpdatedAt,
	}
	if j.Progress != nil {
		v.Progress = &repository.ProgressView{Stage: j.Progress.Stage, Percentage: j.Progress.Percentage}
	}
	if j.Result != nil {
		v.Result = &repository.ResultView{
			ArtifactURL:     j.Result.ArtifactURL,
			SizeBytes:       j.Result.SizeBytes,
			DurationSeconds: j.Result.DurationSeconds,
		}
	}
	return v
}
