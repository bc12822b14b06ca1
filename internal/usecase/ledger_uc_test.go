//go:build !integration

package usecase_test

import (
	"context"
	"sync"
	"testing"

	"generation-reconciler/internal/domain/model"
)

func TestLedger_ReserveChargeRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve then charge exactly once", func(t *testing.T) {
		f := newFixture()
		f.ledger.Credit(ctx, "o1", 100, "topup-1")
		job, _ := f.registry.Create(ctx, model.JobKindImage, "o1", "main-bot", nil)

		res := f.ledger.Reserve(ctx, job.ID, "o1", 30)
		if !res.Success || *res.NewBalance != 70 || *res.ChargedAmount != 30 {
			t.Fatalf("reserve: %+v", res)
		}
		// a second reserve is a no-op that reports the prior state
		res = f.ledger.Reserve(ctx, job.ID, "o1", 50)
		if !res.Success || *res.ChargedAmount != 30 || *res.NewBalance != 70 {
			t.Fatalf("repeated reserve: %+v", res)
		}

		for i := 0; i < 3; i++ {
			res = f.ledger.Charge(ctx, job.ID)
			if !res.Success || *res.ChargedAmount != 30 {
				t.Fatalf("charge #%d: %+v", i+1, res)
			}
		}
		if res := f.ledger.Refund(ctx, job.ID); res.Success {
			t.Fatalf("refund after charge must fail, got %+v", res)
		}

		bal, _ := f.ledger.Balance(ctx, "o1")
		if bal != 70 {
			t.Errorf("expected balance 70, got %d", bal)
		}
		got, _ := f.registry.Get(ctx, job.ID)
		if got.Charge.Status != model.ChargeCharged || got.Charge.Amount != 30 {
			t.Errorf("unexpected charge state %+v", got.Charge)
		}
		ms, _ := f.movements.ListByJob(ctx, nil, job.ID)
		if len(ms) != 2 {
			t.Errorf("expected reserve+charge movements, got %d", len(ms))
		}
	})

	t.Run("refund returns the reservation", func(t *testing.T) {
		f := newFixture()
		f.ledger.Credit(ctx, "o2", 50, "topup-2")
		job, _ := f.registry.Create(ctx, model.JobKindVoice, "o2", "main-bot", nil)
		f.ledger.Reserve(ctx, job.ID, "o2", 20)

		if res := f.ledger.Refund(ctx, job.ID); !res.Success || *res.NewBalance != 50 {
			t.Fatalf("refund: %+v", res)
		}
		if res := f.ledger.Refund(ctx, job.ID); !res.Success || *res.NewBalance != 50 {
			t.Fatalf("replayed refund must be a no-op: %+v", res)
		}
		if res := f.ledger.Charge(ctx, job.ID); res.Success {
			t.Fatalf("charge after refund must fail, got %+v", res)
		}
	})

	t.Run("refund of an unreserved job is a zero no-op", func(t *testing.T) {
		f := newFixture()
		job, _ := f.registry.Create(ctx, model.JobKindVoice, "o3", "main-bot", nil)
		res := f.ledger.Refund(ctx, job.ID)
		if !res.Success || *res.ChargedAmount != 0 {
			t.Fatalf("expected zero refund, got %+v", res)
		}
		if res := f.ledger.Charge(ctx, job.ID); res.Success {
			t.Fatal("charge of an unreserved job must fail")
		}
	})

	t.Run("reserve replayed after settlement reports the prior amount", func(t *testing.T) {
		f := newFixture()
		f.ledger.Credit(ctx, "o8", 100, "topup-8")
		charged, _ := f.registry.Create(ctx, model.JobKindImage, "o8", "main-bot", nil)
		refunded, _ := f.registry.Create(ctx, model.JobKindImage, "o8", "main-bot", nil)
		f.ledger.Reserve(ctx, charged.ID, "o8", 30)
		f.ledger.Charge(ctx, charged.ID)
		f.ledger.Reserve(ctx, refunded.ID, "o8", 20)
		f.ledger.Refund(ctx, refunded.ID)

		for _, id := range []string{charged.ID, refunded.ID} {
			res := f.ledger.Reserve(ctx, id, "o8", 99)
			if !res.Success || res.ChargedAmount == nil {
				t.Fatalf("job %s: expected success, got %+v", id, res)
			}
			if *res.NewBalance != 70 {
				t.Errorf("job %s: balance moved to %d", id, *res.NewBalance)
			}
		}
		if res := f.ledger.Reserve(ctx, charged.ID, "o8", 99); *res.ChargedAmount != 30 {
			t.Errorf("expected prior amount 30, got %d", *res.ChargedAmount)
		}
		got, _ := f.registry.Get(ctx, charged.ID)
		if got.Charge.Status != model.ChargeCharged {
			t.Errorf("charge state changed to %s", got.Charge.Status)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		f := newFixture()
		f.ledger.Credit(ctx, "o4", 10, "topup-4")
		job, _ := f.registry.Create(ctx, model.JobKindImage, "o4", "main-bot", nil)
		res := f.ledger.Reserve(ctx, job.ID, "o4", 11)
		if res.Success || res.Error == "" {
			t.Fatalf("expected failure, got %+v", res)
		}
		got, _ := f.registry.Get(ctx, job.ID)
		if got.Charge.Status != model.ChargeUnreserved {
			t.Fatalf("charge must stay unreserved, got %s", got.Charge.Status)
		}
	})

	t.Run("reserve for another owner is rejected", func(t *testing.T) {
		f := newFixture()
		f.ledger.Credit(ctx, "o5", 10, "topup-5")
		job, _ := f.registry.Create(ctx, model.JobKindImage, "o6", "main-bot", nil)
		if res := f.ledger.Reserve(ctx, job.ID, "o5", 1); res.Success {
			t.Fatal("expected failure")
		}
	})

	t.Run("credit is idempotent on its key", func(t *testing.T) {
		f := newFixture()
		f.ledger.Credit(ctx, "o7", 10, "invoice-1")
		f.ledger.Credit(ctx, "o7", 10, "invoice-1")
		if bal, _ := f.ledger.Balance(ctx, "o7"); bal != 10 {
			t.Fatalf("expected 10, got %d", bal)
		}
	})
}

func TestLedger_ConcurrentChargeAndRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.ledger.Credit(ctx, "o1", 100, "topup")
	job, _ := f.registry.Create(ctx, model.JobKindImage, "o1", "main-bot", nil)
	f.ledger.Reserve(ctx, job.ID, "o1", 40)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				f.ledger.Charge(ctx, job.ID)
			} else {
				f.ledger.Refund(ctx, job.ID)
			}
		}(i)
	}
	wg.Wait()

	got, _ := f.registry.Get(ctx, job.ID)
	bal, _ := f.ledger.Balance(ctx, "o1")
	switch got.Charge.Status {
	case model.ChargeCharged:
		if bal != 60 {
			t.Errorf("charged: expected balance 60, got %d", bal)
		}
	case model.ChargeRefunded:
		if bal != 100 {
			t.Errorf("refunded: expected balance 100, got %d", bal)
		}
	default:
		t.Fatalf("unexpected final charge state %s", got.Charge.Status)
	}
}
