package model

import (
	"strings"
	"time"
)

// CallbackClass is the reconciler's classification of a provider notification.
type CallbackClass string

const (
	CallbackProcessing CallbackClass = "processing"
	CallbackSuccess    CallbackClass = "success"
	CallbackModeration CallbackClass = "moderation_rejected"
	CallbackFailure    CallbackClass = "failure"
	CallbackUnknown    CallbackClass = "unknown"
)

// CallbackPayload is the provider-neutral shape of a completion notification.
type CallbackPayload struct {
	ProviderTaskID string `json:"provider_task_id"`
	// JobID is our own id, echoed by the provider or taken from the callback URL.
	JobID      string  `json:"job_id,omitempty"`
	Status     string  `json:"status"`
	Stage      string  `json:"stage,omitempty"`
	Percentage *int    `json:"progress,omitempty"`
	Result     *Result `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	Permanent  bool    `json:"-"`
	Raw        []byte  `json:"-"`
}

// Classify maps the many status spellings providers use onto the four classes.
func (p CallbackPayload) Classify() CallbackClass {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "queued", "in_queue", "pending", "starting", "running", "processing", "in_progress":
		return CallbackProcessing
	case "success", "succeeded", "completed", "done", "finished":
		if p.Result == nil || p.Result.ArtifactURL == "" {
			return CallbackFailure
		}
		return CallbackSuccess
	case "moderation", "moderated", "rejected", "nsfw", "content_filtered", "blocked":
		return CallbackModeration
	case "failed", "failure", "error", "cancelled", "canceled", "timed_out", "expired":
		if isModerationReason(p.Error) {
			return CallbackModeration
		}
		return CallbackFailure
	}
	return CallbackUnknown
}

func isModerationReason(msg string) bool {
	l := strings.ToLower(msg)
	for _, w := range []string{"nsfw", "moderation", "safety", "content policy"} {
		if strings.Contains(l, w) {
			return true
		}
	}
	return false
}

// DedupRecord marks a provider job whose terminal callback has been fully reconciled.
type DedupRecord struct {
	Provider      string
	ProviderJobID string
	FirstSeenAt   time.Time
	ExpiresAt     time.Time
	Confirmed     bool
}

// ClaimOutcome is the result of atomically checking and inserting a dedup record.
type ClaimOutcome int

const (
	// ClaimAcquired means the caller owns reconciliation of this callback.
	ClaimAcquired ClaimOutcome = iota
	// ClaimDone means the callback was already reconciled.
	ClaimDone
	// ClaimBusy means another worker holds an unexpired in-flight claim.
	ClaimBusy
)
