package model

import (
	"fmt"
	"time"

	"generation-reconciler/internal/domain"
)

type JobKind string

const (
	JobKindImage    JobKind = "image_generation"
	JobKindVideo    JobKind = "video_generation"
	JobKindVoice    JobKind = "voice_generation"
	JobKindTraining JobKind = "model_training"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindImage, JobKindVideo, JobKindVoice, JobKindTraining:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	}
	return -1
}

type ChargeStatus string

const (
	ChargeUnreserved ChargeStatus = "unreserved"
	ChargeReserved   ChargeStatus = "reserved"
	ChargeCharged    ChargeStatus = "charged"
	ChargeRefunded   ChargeStatus = "refunded"
)

// ChargeState is the single source of truth for what has been taken from
// the owner's balance for a job. Amount is in micro-credits.
type ChargeState struct {
	Status ChargeStatus `json:"status"`
	Amount int64        `json:"amount"`
}

func Unreserved() ChargeState { return ChargeState{Status: ChargeUnreserved} }

// CanAdvanceTo enforces unreserved -> reserved -> {charged | refunded}.
func (c ChargeState) CanAdvanceTo(next ChargeStatus) bool {
	switch c.Status {
	case ChargeUnreserved, "":
		return next == ChargeReserved
	case ChargeReserved:
		return next == ChargeCharged || next == ChargeRefunded
	}
	return false
}

type Progress struct {
	Stage      string `json:"stage"`
	Percentage int    `json:"percentage"`
}

type Result struct {
	ArtifactURL     string   `json:"artifact_url"`
	SizeBytes       *int64   `json:"size_bytes,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

type Job struct {
	ID               string
	Kind             JobKind
	OwnerID          string
	ChannelName      string
	Status           JobStatus
	Provider         string
	ProviderJobID    string
	Metadata         map[string]string
	Progress         *Progress
	Result           *Result
	Error            string
	Charge           ChargeState
	DeliveryAttempts int
	DeliveredAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	// Version is bumped on every write and used for compare-and-swap.
	Version int64
}

// NewJob creates a pending, unreserved job.
func NewJob(id string, kind JobKind, ownerID, channelName string, metadata map[string]string) (*Job, error) {
	if id == "" || ownerID == "" || channelName == "" || !kind.Valid() {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Kind:        kind,
		OwnerID:     ownerID,
		ChannelName: channelName,
		Status:      JobStatusPending,
		Metadata:    metadata,
		Charge:      Unreserved(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	cp.DeliveredAt = copyTime(j.DeliveredAt)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionFields carries the payload that accompanies a status change.
type TransitionFields struct {
	Progress *Progress
	Result   *Result
	Error    string
}

// ApplyTransition mutates j in place. Only forward moves are accepted;
// processing -> processing is allowed so progress can be updated.
func (j *Job) ApplyTransition(next JobStatus, f TransitionFields, now time.Time) error {
	if next.rank() < 0 {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, next)
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, j.ID, j.Status)
	}
	if next.rank() < j.Status.rank() || (next == j.Status && next != JobStatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, next)
	}

	switch next {
	case JobStatusProcessing:
		if f.Progress != nil {
			p := f.Progress.clamped()
			j.Progress = &p
		}
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted:
		if f.Result == nil || f.Result.ArtifactURL == "" {
			return fmt.Errorf("%w: completed job needs a result", domain.ErrInvalidArgument)
		}
		r := *f.Result
		j.Result = &r
		j.Progress = nil
		j.CompletedAt = &now
	case JobStatusFailed:
		j.Error = f.Error
		if j.Error == "" {
			j.Error = "failed"
		}
		j.Progress = nil
		j.CompletedAt = &now
	}
	j.Status = next
	j.UpdatedAt = now
	return nil
}

func (p Progress) clamped() Progress {
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	return p
}

// ProgressUnchanged reports whether a processing update carrying p would
// leave a processing job as it is.
func (j *Job) ProgressUnchanged(p *Progress) bool {
	if j.Status != JobStatusProcessing {
		return false
	}
	if p == nil {
		return true
	}
	return j.Progress != nil && *j.Progress == p.clamped()
}

// NeedsSettlement reports a completed job whose reservation is still open:
// it was not delivered and charged yet, nor refunded as undeliverable.
func (j *Job) NeedsSettlement() bool {
	return j.Status == JobStatusCompleted && j.Charge.Status == ChargeReserved
}
