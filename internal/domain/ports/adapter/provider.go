package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"generation-reconciler/internal/domain/model"
)

// GenerationRequest is the provider-neutral submission. Adapters translate it
// into their own payload shape.
type GenerationRequest struct {
	JobID       string
	Kind        model.JobKind
	Prompt      string
	Params      map[string]string
	CallbackURL string
}

// Submission is what a provider returned for an accepted request.
// Synchronous providers fill Immediate with the final outcome.
type Submission struct {
	ProviderJobID string
	Immediate     *model.CallbackPayload
}

// ProviderAdapter is the port for an external generation service.
type ProviderAdapter interface {
	Name() string
	Capabilities() []model.JobKind
	HealthCheck(ctx context.Context) error
	Submit(ctx context.Context, req GenerationRequest) (Submission, error)
}

// Poller is implemented by adapters whose provider reports completion by
// polling instead of (or in addition to) calling back.
type Poller interface {
	Poll(ctx context.Context, providerJobID string) (model.CallbackPayload, error)
}

// ProviderError carries enough information to classify a failed call.
type ProviderError struct {
	Provider   string
	StatusCode int
	Permanent  bool
	// Moderated marks a refusal on content-policy grounds; it implies Permanent.
	Moderated bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewHTTPError classifies an HTTP status: 408, 429 and 5xx are transient,
// other 4xx are permanent.
func NewHTTPError(provider string, status int, err error) *ProviderError {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	permanent := status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
	return &ProviderError{Provider: provider, StatusCode: status, Permanent: permanent, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// IsModerated reports whether the provider refused err's request on content grounds.
func IsModerated(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Moderated
	}
	return false
}
