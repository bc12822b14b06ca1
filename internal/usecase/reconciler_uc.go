// File: internal/usecase/reconciler_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

var _ portuc.Reconciliation = (*Reconciler)(nil)

const (
	TriggerCallback = "callback"
	TriggerSweeper  = "sweeper"
	TriggerPoller   = "poller"
	TriggerSubmit   = "submit"
)

type ReconcilerConfig struct {
	DedupWindow   time.Duration
	ClaimLease    time.Duration
	SettleLockTTL time.Duration
	// Delivery retries every error except permanent ones.
	Delivery        resilience.RetryPolicy
	DeliveryTimeout time.Duration
	// MaxDeliveryAttempts caps attempts across settles; a job past it is
	// refunded as undeliverable.
	MaxDeliveryAttempts int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 24 * time.Hour
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.SettleLockTTL <= 0 {
		c.SettleLockTTL = time.Minute
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 15 * time.Second
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 4 * c.Delivery.MaxAttempts
	}
	if c.Delivery.Retryable == nil {
		c.Delivery.Retryable = func(err error) bool {
			return !adapter.IsPermanent(err) && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// Reconciler applies provider notifications to jobs and settles them:
// success is delivered first and charged only after delivery, failures
// are refunded. Terminal notifications are deduplicated per provider job.
type Reconciler struct {
	jobs      *JobRegistry
	ledger    *Ledger
	dedup     repository.DedupRepository
	locker    repository.Locker
	deliverer adapter.Deliverer
	cfg       ReconcilerConfig
	log       *zerolog.Logger
}

func NewReconciler(
	jobs *JobRegistry,
	ledger *Ledger,
	dedup repository.DedupRepository,
	locker repository.Locker,
	deliverer adapter.Deliverer,
	cfg ReconcilerConfig,
	logger *zerolog.Logger,
) *Reconciler {
	l := logger.With().Str("component", "reconciler").Logger()
	return &Reconciler{
		jobs:      jobs,
		ledger:    ledger,
		dedup:     dedup,
		locker:    locker,
		deliverer: deliverer,
		cfg:       cfg.withDefaults(),
		log:       &l,
	}
}

// Handle reconciles one notification. It returns nil for processed and
// already-seen notifications, ErrReconcileInFlight when another worker holds
// the claim, and ErrDeliveryFailed when the job completed but could not be
// delivered yet.
func (r *Reconciler) Handle(ctx context.Context, provider, providerJobID string, p model.CallbackPayload) error {
	if provider == "" || providerJobID == "" {
		return domain.ErrInvalidArgument
	}
	ctx = logging.WithProvider(ctx, provider)
	log := logging.With(ctx, r.log).With().Str("provider_job_id", providerJobID).Logger()

	class := p.Classify()
	switch class {
	case model.CallbackUnknown:
		return fmt.Errorf("%w: %q", domain.ErrUnknownCallback, p.Status)
	case model.CallbackProcessing:
		return r.progress(ctx, provider, providerJobID, p)
	}

	token := uuid.NewString()
	outcome, err := r.dedup.Claim(ctx, provider, providerJobID, token, r.cfg.ClaimLease)
	if err != nil {
		return fmt.Errorf("dedup claim: %w", err)
	}
	metrics.IncDedupClaim("callbacks", claimLabel(outcome))
	switch outcome {
	case model.ClaimDone:
		log.Debug().Msg("duplicate callback ignored")
		return nil
	case model.ClaimBusy:
		return domain.ErrReconcileInFlight
	}

	err = r.terminal(ctx, provider, providerJobID, class, p)
	if err == nil || errors.Is(err, domain.ErrDeliveryFailed) {
		if cerr := r.dedup.Confirm(ctx, provider, providerJobID, token, r.cfg.DedupWindow); cerr != nil {
			// the job state is durable; an unconfirmed claim only lets a replay re-run the idempotent steps
			log.Warn().Err(cerr).Msg("dedup confirm failed")
		}
		return err
	}
	if rerr := r.dedup.Release(ctx, provider, providerJobID, token); rerr != nil {
		log.Warn().Err(rerr).Msg("dedup release failed")
	}
	return err
}

func claimLabel(o model.ClaimOutcome) string {
	switch o {
	case model.ClaimAcquired:
		return "acquired"
	case model.ClaimDone:
		return "duplicate"
	}
	return "busy"
}

// resolve finds the job a notification belongs to. A notification that
// outruns the submitter's own attach is bound through the job id carried in
// its callback URL, provided the job is still pending with a reservation.
func (r *Reconciler) resolve(ctx context.Context, provider, providerJobID string, p model.CallbackPayload) (*model.Job, error) {
	job, err := r.jobs.FindByProviderJobID(ctx, provider, providerJobID)
	if err == nil || !errors.Is(err, domain.ErrJobNotFound) || p.JobID == "" {
		return job, err
	}
	job, err = r.jobs.Get(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	if job.ProviderJobID != "" || job.Status != model.JobStatusPending || job.Charge.Status != model.ChargeReserved {
		return nil, fmt.Errorf("%w: %s/%s does not match job %s", domain.ErrJobNotFound, provider, providerJobID, job.ID)
	}
	if err := r.jobs.AttachProvider(ctx, job.ID, provider, providerJobID); err != nil {
		if errors.Is(err, domain.ErrProviderAttached) {
			return nil, fmt.Errorf("%w: %v", domain.ErrJobNotFound, err)
		}
		return nil, err
	}
	logging.With(ctx, r.log).Debug().Str("job_id", job.ID).Str("provider_job_id", providerJobID).
		Msg("notification arrived before submit returned, provider attached early")
	return r.jobs.Get(ctx, job.ID)
}

func (r *Reconciler) progress(ctx context.Context, provider, providerJobID string, p model.CallbackPayload) error {
	job, err := r.resolve(ctx, provider, providerJobID, p)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	var prog *model.Progress
	if p.Stage != "" || p.Percentage != nil {
		prog = &model.Progress{Stage: p.Stage}
		if p.Percentage != nil {
			prog.Percentage = *p.Percentage
		}
	}
	_, err = r.jobs.Transition(ctx, job.ID, model.JobStatusProcessing, model.TransitionFields{Progress: prog})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// a terminal notification won the race
		return nil
	}
	return err
}

func (r *Reconciler) terminal(ctx context.Context, provider, providerJobID string, class model.CallbackClass, p model.CallbackPayload) error {
	job, err := r.resolve(ctx, provider, providerJobID, p)
	if err != nil {
		return err
	}
	ctx = logging.WithJobID(logging.WithOwnerID(ctx, job.OwnerID), job.ID)
	log := logging.With(ctx, r.log)

	if class == model.CallbackSuccess {
		jobID := job.ID
		job, err = r.jobs.Transition(ctx, jobID, model.JobStatusCompleted, model.TransitionFields{Result: p.Result})
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				return err
			}
			if job, err = r.jobs.Get(ctx, jobID); err != nil {
				return err
			}
			if job.Status != model.JobStatusCompleted {
				log.Warn().Str("status", string(job.Status)).Msg("success notification for a job that already failed")
				return nil
			}
			log.Debug().Msg("replayed success, re-running settlement")
		}
		return r.Settle(ctx, job.ID, TriggerCallback)
	}

	reason := p.Error
	if class == model.CallbackModeration && reason == "" {
		reason = string(model.CallbackModeration)
	}
	return r.fail(ctx, job.ID, reason, class == model.CallbackModeration)
}

// fail moves jobID to failed, refunds it and tells the owner. A job already
// failed is refunded again, which is a no-op once the refund is recorded.
func (r *Reconciler) fail(ctx context.Context, jobID, reason string, moderated bool) error {
	log := logging.With(ctx, r.log)
	job, err := r.jobs.Transition(ctx, jobID, model.JobStatusFailed, model.TransitionFields{Error: reason})
	notify := err == nil
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		if job, err = r.jobs.Get(ctx, jobID); err != nil {
			return err
		}
		if job.Status != model.JobStatusFailed {
			log.Warn().Str("status", string(job.Status)).Msg("failure notification for a completed job ignored")
			return nil
		}
	}

	res := r.ledger.Refund(ctx, jobID)
	if !res.Success {
		return fmt.Errorf("refund job %s: %s", jobID, res.Error)
	}
	if notify {
		d := adapter.Delivery{JobID: job.ID, Kind: job.Kind, Reason: job.Error, Moderated: moderated}
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		if err := r.deliverer.Notify(dctx, job.OwnerID, job.ChannelName, d); err != nil {
			log.Warn().Err(err).Msg("failure notice not delivered")
		}
		cancel()
	}
	log.Info().Bool("moderated", moderated).Str("reason", reason).Msg("job failed and refunded")
	return nil
}

// Settle delivers a completed job's result and then charges it. It is safe
// to call repeatedly: delivery and charge are each recorded once.
func (r *Reconciler) Settle(ctx context.Context, jobID, trigger string) error {
	lockKey := "settle:" + jobID
	token, err := r.locker.TryLock(ctx, lockKey, r.cfg.SettleLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			return domain.ErrReconcileInFlight
		}
		return err
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			r.log.Warn().Err(err).Str("job_id", jobID).Msg("settle unlock failed")
		}
	}()

	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	ctx = logging.WithJobID(logging.WithOwnerID(ctx, job.OwnerID), job.ID)
	log := logging.With(ctx, r.log)
	if !job.NeedsSettlement() {
		return nil
	}

	if job.DeliveredAt == nil {
		attempts, err := r.deliver(ctx, job)
		if err != nil {
			if adapter.IsPermanent(err) || attempts >= r.cfg.MaxDeliveryAttempts {
				return r.undeliverable(ctx, job, trigger, attempts, err)
			}
			metrics.IncSettlement(trigger, "delivery_failed")
			log.Warn().Err(err).Int("attempts", attempts).Msg("delivery failed, job stays uncharged")
			return fmt.Errorf("%w: job %s: %v", domain.ErrDeliveryFailed, job.ID, err)
		}
	}

	res := r.ledger.Charge(ctx, job.ID)
	if !res.Success {
		metrics.IncSettlement(trigger, "charge_failed")
		return fmt.Errorf("charge job %s: %s", job.ID, res.Error)
	}
	metrics.IncSettlement(trigger, "charged")
	log.Info().Str("trigger", trigger).Msg("job delivered and charged")
	return nil
}

// undeliverable gives up on a completed job: the result never reached the
// owner, so the reservation is refunded instead of charged.
func (r *Reconciler) undeliverable(ctx context.Context, job *model.Job, trigger string, attempts int, cause error) error {
	res := r.ledger.Refund(ctx, job.ID)
	if !res.Success {
		metrics.IncSettlement(trigger, "refund_failed")
		return fmt.Errorf("refund undeliverable job %s: %s", job.ID, res.Error)
	}
	metrics.IncSettlement(trigger, "undeliverable")
	logging.With(ctx, r.log).Error().Err(cause).Int("attempts", attempts).Msg("result undeliverable, reservation refunded")
	return nil
}

// deliver sends the result and records the attempt. On a failed send it
// returns the job's delivery attempts so far, this call included.
func (r *Reconciler) deliver(ctx context.Context, job *model.Job) (int, error) {
	d := adapter.Delivery{JobID: job.ID, Kind: job.Kind, ArtifactURL: job.Result.ArtifactURL}
	_, attempts, err := resilience.Retry(ctx, r.cfg.Delivery, func(ctx context.Context) (struct{}, error) {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
		defer cancel()
		return struct{}{}, r.deliverer.Notify(dctx, job.OwnerID, job.ChannelName, d)
	})
	if err != nil {
		metrics.IncDelivery("failed")
	} else {
		metrics.IncDelivery("delivered")
	}
	total := job.DeliveryAttempts + attempts
	updated, rerr := r.jobs.RecordDelivery(context.WithoutCancel(ctx), job.ID, attempts, err == nil)
	if rerr != nil {
		if err == nil {
			// delivered but not recorded: the next settle delivers again, and
			// a zero count keeps this from being refunded as undeliverable
			return 0, fmt.Errorf("record delivery: %w", rerr)
		}
		r.log.Warn().Err(rerr).Str("job_id", job.ID).Msg("record delivery attempts failed")
		return total, err
	}
	return updated.DeliveryAttempts, err
}

// Abandon fails a job stuck in pending or processing and refunds it.
func (r *Reconciler) Abandon(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "abandoned"
	}
	ctx = logging.WithJobID(ctx, jobID)
	return r.fail(ctx, jobID, reason, false)
}

// Reject fails a job whose provider refused the submission and refunds it.
// moderated tells the owner the refusal was on content grounds.
func (r *Reconciler) Reject(ctx context.Context, jobID, reason string, moderated bool) error {
	if reason == "" {
		reason = "rejected"
	}
	ctx = logging.WithJobID(ctx, jobID)
	return r.fail(ctx, jobID, reason, moderated)
}
