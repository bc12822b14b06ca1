//go:build !integration

package model

import (
	"errors"
	"testing"
	"time"

	"generation-reconciler/internal/domain"
)

// --- Job Model Tests ---

func TestNewJob(t *testing.T) {
	t.Run("should create a pending unreserved job", func(t *testing.T) {
		j, err := NewJob("j1", JobKindImage, "42", "main-bot", map[string]string{"prompt": "cat"})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if j.Status != JobStatusPending {
			t.Errorf("expected status pending, got %s", j.Status)
		}
		if j.Charge.Status != ChargeUnreserved || j.Charge.Amount != 0 {
			t.Errorf("expected unreserved charge, got %+v", j.Charge)
		}
		if j.CreatedAt.IsZero() || !j.CreatedAt.Equal(j.UpdatedAt) {
			t.Error("expected created_at == updated_at on a new job")
		}
	})

	cases := []struct {
		name               string
		id, owner, channel string
		kind               JobKind
	}{
		{"missing id", "", "42", "bot", JobKindImage},
		{"missing owner", "j1", "", "bot", JobKindImage},
		{"missing channel", "j1", "42", "", JobKindImage},
		{"unknown kind", "j1", "42", "bot", JobKind("text")},
	}
	for _, tc := range cases {
		t.Run("should reject "+tc.name, func(t *testing.T) {
			_, err := NewJob(tc.id, tc.kind, tc.owner, tc.channel, nil)
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestJob_ApplyTransition(t *testing.T) {
	now := time.Now().UTC()
	newJob := func(t *testing.T) *Job {
		t.Helper()
		j, err := NewJob("j1", JobKindVideo, "42", "bot", nil)
		if err != nil {
			t.Fatal(err)
		}
		return j
	}

	t.Run("processing clamps progress and stamps started_at once", func(t *testing.T) {
		j := newJob(t)
		if err := j.ApplyTransition(JobStatusProcessing, TransitionFields{Progress: &Progress{Stage: "render", Percentage: 150}}, now); err != nil {
			t.Fatal(err)
		}
		if j.Progress.Percentage != 100 {
			t.Errorf("expected progress clamped to 100, got %d", j.Progress.Percentage)
		}
		later := now.Add(time.Minute)
		if err := j.ApplyTransition(JobStatusProcessing, TransitionFields{Progress: &Progress{Percentage: -3}}, later); err != nil {
			t.Fatalf("processing -> processing should update progress: %v", err)
		}
		if j.Progress.Percentage != 0 {
			t.Errorf("expected progress clamped to 0, got %d", j.Progress.Percentage)
		}
		if !j.StartedAt.Equal(now) {
			t.Errorf("started_at moved: %v", j.StartedAt)
		}
		if !j.UpdatedAt.Equal(later) {
			t.Errorf("expected updated_at %v, got %v", later, j.UpdatedAt)
		}
	})

	t.Run("completed requires a result", func(t *testing.T) {
		j := newJob(t)
		err := j.ApplyTransition(JobStatusCompleted, TransitionFields{}, now)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if j.Status != JobStatusPending {
			t.Errorf("status changed on a rejected transition: %s", j.Status)
		}
	})

	t.Run("completed stores result and clears progress", func(t *testing.T) {
		j := newJob(t)
		_ = j.ApplyTransition(JobStatusProcessing, TransitionFields{Progress: &Progress{Percentage: 50}}, now)
		if err := j.ApplyTransition(JobStatusCompleted, TransitionFields{Result: &Result{ArtifactURL: "https://cdn/x.mp4"}}, now); err != nil {
			t.Fatal(err)
		}
		if j.Progress != nil || j.Result == nil || j.CompletedAt == nil {
			t.Errorf("unexpected completed job: %+v", j)
		}
		if !j.NeedsSettlement() {
			t.Error("undelivered completed job should need settlement")
		}
	})

	t.Run("failed defaults its error", func(t *testing.T) {
		j := newJob(t)
		if err := j.ApplyTransition(JobStatusFailed, TransitionFields{}, now); err != nil {
			t.Fatal(err)
		}
		if j.Error != "failed" {
			t.Errorf("expected default error, got %q", j.Error)
		}
	})

	t.Run("terminal states are final", func(t *testing.T) {
		j := newJob(t)
		_ = j.ApplyTransition(JobStatusFailed, TransitionFields{Error: "boom"}, now)
		for _, next := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed} {
			if err := j.ApplyTransition(next, TransitionFields{Result: &Result{ArtifactURL: "u"}}, now); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("failed -> %s: expected ErrInvalidTransition, got %v", next, err)
			}
		}
	})

	t.Run("backwards moves are rejected", func(t *testing.T) {
		j := newJob(t)
		_ = j.ApplyTransition(JobStatusProcessing, TransitionFields{}, now)
		if err := j.ApplyTransition(JobStatusPending, TransitionFields{}, now); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		j := newJob(t)
		if err := j.ApplyTransition(JobStatus("paused"), TransitionFields{}, now); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestJob_ProgressUnchanged(t *testing.T) {
	j := &Job{Status: JobStatusProcessing, Progress: &Progress{Stage: "render", Percentage: 100}}
	cases := []struct {
		name string
		p    *Progress
		want bool
	}{
		{"no progress reported", nil, true},
		{"same progress", &Progress{Stage: "render", Percentage: 100}, true},
		{"same after clamping", &Progress{Stage: "render", Percentage: 140}, true},
		{"new percentage", &Progress{Stage: "render", Percentage: 60}, false},
		{"new stage", &Progress{Stage: "upscale", Percentage: 100}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := j.ProgressUnchanged(tc.p); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
	if (&Job{Status: JobStatusPending}).ProgressUnchanged(nil) {
		t.Error("a pending job moving to processing is a change")
	}
}

func TestJob_Clone(t *testing.T) {
	started := time.Now()
	j := &Job{
		ID:        "j1",
		Metadata:  map[string]string{"k": "v"},
		Progress:  &Progress{Percentage: 10},
		Result:    &Result{ArtifactURL: "u"},
		StartedAt: &started,
	}
	cp := j.Clone()
	cp.Metadata["k"] = "changed"
	cp.Progress.Percentage = 99
	cp.Result.ArtifactURL = "other"
	*cp.StartedAt = started.Add(time.Hour)

	if j.Metadata["k"] != "v" || j.Progress.Percentage != 10 || j.Result.ArtifactURL != "u" || !j.StartedAt.Equal(started) {
		t.Errorf("clone shares state with the original: %+v", j)
	}
	if (*Job)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestChargeState_CanAdvanceTo(t *testing.T) {
	cases := []struct {
		from ChargeStatus
		to   ChargeStatus
		ok   bool
	}{
		{ChargeUnreserved, ChargeReserved, true},
		{ChargeUnreserved, ChargeCharged, false},
		{ChargeUnreserved, ChargeRefunded, false},
		{ChargeReserved, ChargeCharged, true},
		{ChargeReserved, ChargeRefunded, true},
		{ChargeReserved, ChargeReserved, false},
		{ChargeCharged, ChargeRefunded, false},
		{ChargeRefunded, ChargeCharged, false},
	}
	for _, tc := range cases {
		got := ChargeState{Status: tc.from}.CanAdvanceTo(tc.to)
		if got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestJob_NeedsSettlement(t *testing.T) {
	delivered := time.Now()
	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"processing", Job{Status: JobStatusProcessing, Charge: ChargeState{Status: ChargeReserved}}, false},
		{"completed undelivered", Job{Status: JobStatusCompleted, Charge: ChargeState{Status: ChargeReserved}}, true},
		{"delivered but not charged", Job{Status: JobStatusCompleted, DeliveredAt: &delivered, Charge: ChargeState{Status: ChargeReserved}}, true},
		{"settled", Job{Status: JobStatusCompleted, DeliveredAt: &delivered, Charge: ChargeState{Status: ChargeCharged}}, false},
		{"failed", Job{Status: JobStatusFailed, Charge: ChargeState{Status: ChargeRefunded}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.job.NeedsSettlement(); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

// --- Callback Model Tests ---

func TestCallbackPayload_Classify(t *testing.T) {
	res := &Result{ArtifactURL: "https://cdn/a.png"}
	cases := []struct {
		name string
		p    CallbackPayload
		want CallbackClass
	}{
		{"running", CallbackPayload{Status: "Running"}, CallbackProcessing},
		{"queued", CallbackPayload{Status: " in_queue "}, CallbackProcessing},
		{"succeeded with artifact", CallbackPayload{Status: "succeeded", Result: res}, CallbackSuccess},
		{"success without artifact", CallbackPayload{Status: "success"}, CallbackFailure},
		{"explicit moderation", CallbackPayload{Status: "nsfw"}, CallbackModeration},
		{"failed for safety", CallbackPayload{Status: "failed", Error: "blocked by Safety filter"}, CallbackModeration},
		{"plain failure", CallbackPayload{Status: "error", Error: "gpu oom"}, CallbackFailure},
		{"unknown", CallbackPayload{Status: "paused"}, CallbackUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.Classify(); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

// --- Ledger Model Tests ---

func TestMovement_BalanceDelta(t *testing.T) {
	cases := map[MovementDirection]int64{
		MovementCredit:  100,
		MovementReserve: -100,
		MovementCharge:  0,
		MovementRefund:  100,
	}
	for dir, want := range cases {
		if got := (Movement{Direction: dir, Amount: 100}).BalanceDelta(); got != want {
			t.Errorf("%s: expected %d, got %d", dir, want, got)
		}
	}
}

func TestBalanceOperationResult(t *testing.T) {
	ok := OperationOK(60, 40)
	if !ok.Success || *ok.NewBalance != 60 || *ok.ChargedAmount != 40 {
		t.Errorf("unexpected ok result: %+v", ok)
	}
	failed := OperationFailed(domain.ErrInsufficientBalance)
	if failed.Success || failed.NewBalance != nil || failed.Error != domain.ErrInsufficientBalance.Error() {
		t.Errorf("unexpected failed result: %+v", failed)
	}
}
