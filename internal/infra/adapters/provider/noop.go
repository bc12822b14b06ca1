package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

var _ adapter.ProviderAdapter = (*NoopProvider)(nil)

// NoopProvider completes every request synchronously with a placeholder
// artifact. For local development.
type NoopProvider struct {
	name  string
	caps  []model.JobKind
	delay time.Duration
	log   *zerolog.Logger
}

func NewNoopProvider(name string, caps []model.JobKind, logger *zerolog.Logger) *NoopProvider {
	l := logger.With().Str("component", "noop_provider").Str("provider", name).Logger()
	return &NoopProvider{name: name, caps: caps, delay: 100 * time.Millisecond, log: &l}
}

func (n *NoopProvider) Name() string                  { return n.name }
func (n *NoopProvider) Capabilities() []model.JobKind { return n.caps }

func (n *NoopProvider) HealthCheck(ctx context.Context) error { return ctx.Err() }

func (n *NoopProvider) Submit(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	select {
	case <-time.After(n.delay):
	case <-ctx.Done():
		return adapter.Submission{}, ctx.Err()
	}
	n.log.Info().Str("job_id", req.JobID).Str("kind", string(req.Kind)).Msg("noop generation")
	taskID := "noop-" + req.JobID
	return adapter.Submission{
		ProviderJobID: taskID,
		Immediate: &model.CallbackPayload{
			ProviderTaskID: taskID,
			Status:         "completed",
			Result:         &model.Result{ArtifactURL: "https://example.invalid/noop/" + req.JobID},
		},
	}, nil
}
