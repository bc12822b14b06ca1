//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/infra/db/memory"
	"generation-reconciler/internal/infra/resilience"
	"generation-reconciler/internal/usecase"
)

func success(taskID, url string) model.CallbackPayload {
	return model.CallbackPayload{ProviderTaskID: taskID, Status: "succeeded", Result: &model.Result{ArtifactURL: url}}
}

func TestReconciler_SuccessDeliversThenCharges(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")

	if err := f.reconciler.Handle(ctx, "dalle", "t-1", success("t-1", "https://cdn/a.png")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := f.registry.Get(ctx, job.ID)
	if got.Status != model.JobStatusCompleted || got.DeliveredAt == nil || got.Charge.Status != model.ChargeCharged {
		t.Fatalf("unexpected job after success: status=%s delivered=%v charge=%+v", got.Status, got.DeliveredAt, got.Charge)
	}
	sent := f.deliverer.Results()
	if len(sent) != 1 || sent[0].ArtifactURL != "https://cdn/a.png" {
		t.Fatalf("expected one delivery, got %+v", sent)
	}
	if bal, _ := f.ledger.Balance(ctx, "100"); bal != 970 {
		t.Errorf("expected balance 970, got %d", bal)
	}
}

func TestReconciler_DuplicateCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")
	cb := success("t-1", "https://cdn/a.png")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.reconciler.Handle(ctx, "dalle", "t-1", cb)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, domain.ErrReconcileInFlight) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	// a late replay after everything settled
	if err := f.reconciler.Handle(ctx, "dalle", "t-1", cb); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if n := len(f.deliverer.Results()); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
	ms, _ := f.movements.ListByJob(ctx, nil, job.ID)
	charges := 0
	for _, m := range ms {
		if m.Direction == model.MovementCharge {
			charges++
		}
	}
	if charges != 1 {
		t.Fatalf("expected exactly one charge movement, got %d", charges)
	}
	if bal, _ := f.ledger.Balance(ctx, "100"); bal != 970 {
		t.Errorf("expected balance 970, got %d", bal)
	}
}

func TestReconciler_ModerationRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")

	cb := model.CallbackPayload{ProviderTaskID: "t-1", Status: "failed", Error: "NSFW content detected"}
	if err := f.reconciler.Handle(ctx, "dalle", "t-1", cb); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := f.registry.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.Charge.Status != model.ChargeRefunded || got.Error == "" {
		t.Fatalf("unexpected job: status=%s charge=%+v error=%q", got.Status, got.Charge, got.Error)
	}
	if bal, _ := f.ledger.Balance(ctx, "100"); bal != 1000 {
		t.Errorf("expected full balance after refund, got %d", bal)
	}
	sent := f.deliverer.Results()
	if len(sent) != 1 || !sent[0].IsFailure() || !sent[0].Moderated {
		t.Fatalf("expected one moderation notice, got %+v", sent)
	}

	// the same rejection again changes nothing
	if err := f.reconciler.Handle(ctx, "dalle", "t-1", cb); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if bal, _ := f.ledger.Balance(ctx, "100"); bal != 1000 {
		t.Errorf("replay moved money: balance %d", bal)
	}
	if n := len(f.deliverer.Results()); n != 1 {
		t.Errorf("replay notified again: %d notices", n)
	}
}

func TestReconciler_ProgressUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	job := f.submitted(ctx, t, "100", 30, "veo", "op-1")

	if err := f.reconciler.Handle(ctx, "veo", "op-1", model.CallbackPayload{Status: "running", Stage: "render", Percentage: intPtr(55)}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := f.registry.Get(ctx, job.ID)
	if got.Status != model.JobStatusProcessing || got.Progress == nil || got.Progress.Percentage != 55 {
		t.Fatalf("progress not recorded: %+v", got.Progress)
	}

	_ = f.reconciler.Handle(ctx, "veo", "op-1", success("op-1", "https://cdn/v.mp4"))
	// a late progress update is ignored
	if err := f.reconciler.Handle(ctx, "veo", "op-1", model.CallbackPayload{Status: "running", Percentage: intPtr(90)}); err != nil {
		t.Fatalf("late progress: %v", err)
	}
	got, _ = f.registry.Get(ctx, job.ID)
	if got.Status != model.JobStatusCompleted || got.Progress != nil {
		t.Fatalf("late progress changed a terminal job: %+v", got)
	}
}

func TestReconciler_DeliveryFailureLeavesJobUncharged(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.deliverer.FailFirst = 3
	job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")

	err := f.reconciler.Handle(ctx, "dalle", "t-1", success("t-1", "https://cdn/a.png"))
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	got, _ := f.registry.Get(ctx, job.ID)
	if got.Status != model.JobStatusCompleted || got.Charge.Status != model.ChargeReserved || got.DeliveredAt != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.DeliveryAttempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", got.DeliveryAttempts)
	}
	if !got.NeedsSettlement() {
		t.Fatal("job must need settlement")
	}

	// the sweeper's later attempt succeeds
	if err := f.reconciler.Settle(ctx, job.ID, usecase.TriggerSweeper); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	got, _ = f.registry.Get(ctx, job.ID)
	if got.Charge.Status != model.ChargeCharged || got.DeliveredAt == nil {
		t.Fatalf("job not settled: %+v", got)
	}
	// settling again is a no-op
	if err := f.reconciler.Settle(ctx, job.ID, usecase.TriggerSweeper); err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if n := len(f.deliverer.Results()); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
}

func TestReconciler_PermanentDeliveryErrorRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.deliverer.FailFirst = 1
	f.deliverer.Err = adapter.NewHTTPError("telegram", 403, errors.New("bot was blocked by the user"))
	job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")

	if err := f.reconciler.Handle(ctx, "dalle", "t-1", success("t-1", "https://cdn/a.png")); err != nil {
		t.Fatalf("an undeliverable result is settled by refund, got %v", err)
	}
	got, _ := f.registry.Get(ctx, job.ID)
	if got.DeliveryAttempts != 1 {
		t.Fatalf("expected a single attempt, got %d", got.DeliveryAttempts)
	}
	if got.Charge.Status != model.ChargeRefunded || got.NeedsSettlement() {
		t.Fatalf("expected the reservation refunded, got %+v", got.Charge)
	}
	if bal, _ := f.ledger.Balance(ctx, "100"); bal != 100 {
		t.Errorf("expected a full refund, balance %d", bal)
	}
}

func TestReconciler_DeliveryAttemptCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.deliverer.FailFirst = 1000
	rec := usecase.NewReconciler(f.registry, f.ledger, f.dedup, memory.NewLocker(), f.deliverer, usecase.ReconcilerConfig{
		Delivery:            resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		MaxDeliveryAttempts: 6,
	}, newTestLogger())
	job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")

	if err := rec.Handle(ctx, "dalle", "t-1", success("t-1", "https://cdn/a.png")); !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed below the cap, got %v", err)
	}
	if err := rec.Settle(ctx, job.ID, usecase.TriggerSweeper); err != nil {
		t.Fatalf("settle at the cap: %v", err)
	}
	got, _ := f.registry.Get(ctx, job.ID)
	if got.DeliveryAttempts != 6 || got.Charge.Status != model.ChargeRefunded {
		t.Fatalf("expected refund after 6 attempts, got attempts=%d charge=%s", got.DeliveryAttempts, got.Charge.Status)
	}
	calls := f.deliverer.Calls
	if err := rec.Settle(ctx, job.ID, usecase.TriggerSweeper); err != nil {
		t.Fatalf("settle after refund: %v", err)
	}
	if f.deliverer.Calls != calls {
		t.Errorf("a refunded job must not be delivered again")
	}
	if bal, _ := f.ledger.Balance(ctx, "100"); bal != 100 {
		t.Errorf("expected a full refund, balance %d", bal)
	}
}

func TestReconciler_ErrorsAndClaims(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown job releases the claim", func(t *testing.T) {
		f := newFixture()
		err := f.reconciler.Handle(ctx, "dalle", "ghost", success("ghost", "https://cdn/a.png"))
		if !errors.Is(err, domain.ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
		// the job shows up later and the replay is processed
		f.submitted(ctx, t, "100", 30, "dalle", "ghost")
		if err := f.reconciler.Handle(ctx, "dalle", "ghost", success("ghost", "https://cdn/a.png")); err != nil {
			t.Fatalf("replay after attach: %v", err)
		}
	})

	t.Run("busy claim is retryable", func(t *testing.T) {
		f := newFixture()
		f.submitted(ctx, t, "100", 30, "dalle", "t-1")
		rec := usecase.NewReconciler(f.registry, f.ledger, BusyDedup{}, memory.NewLocker(), f.deliverer, usecase.ReconcilerConfig{}, newTestLogger())
		if err := rec.Handle(ctx, "dalle", "t-1", success("t-1", "https://cdn/a.png")); !errors.Is(err, domain.ErrReconcileInFlight) {
			t.Fatalf("expected ErrReconcileInFlight, got %v", err)
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		f := newFixture()
		if err := f.reconciler.Handle(ctx, "dalle", "t-1", model.CallbackPayload{Status: "mystery"}); !errors.Is(err, domain.ErrUnknownCallback) {
			t.Fatalf("expected ErrUnknownCallback, got %v", err)
		}
	})

	t.Run("success after failure is ignored", func(t *testing.T) {
		f := newFixture()
		job := f.submitted(ctx, t, "100", 30, "dalle", "t-1")
		_ = f.reconciler.Handle(ctx, "dalle", "t-1", model.CallbackPayload{Status: "error", Error: "gpu fault"})
		// a different terminal notification for the same provider job is deduplicated
		if err := f.reconciler.Handle(ctx, "dalle", "t-1", success("t-1", "https://cdn/a.png")); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
		got, _ := f.registry.Get(ctx, job.ID)
		if got.Status != model.JobStatusFailed || got.Charge.Status != model.ChargeRefunded {
			t.Fatalf("unexpected job: %+v", got)
		}
	})
}

func TestReconciler_Abandon(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	job := f.submitted(ctx, t, "100", 30, "veo", "op-9")

	if err := f.reconciler.Abandon(ctx, job.ID, ""); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	got, _ := f.registry.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.Error != "abandoned" || got.Charge.Status != model.ChargeRefunded {
		t.Fatalf("unexpected job: %+v", got)
	}
	// a completed job is not abandoned
	other := f.submitted(ctx, t, "100", 30, "veo", "op-10")
	_ = f.reconciler.Handle(ctx, "veo", "op-10", success("op-10", "https://cdn/v.mp4"))
	if err := f.reconciler.Abandon(ctx, other.ID, ""); err != nil {
		t.Fatalf("Abandon completed: %v", err)
	}
	got, _ = f.registry.Get(ctx, other.ID)
	if got.Status != model.JobStatusCompleted || got.Charge.Status != model.ChargeCharged {
		t.Fatalf("completed job changed: %+v", got)
	}
}
