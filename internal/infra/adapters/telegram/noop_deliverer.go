package telegram

import (
	"context"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain/ports/adapter"
)

var _ adapter.Deliverer = (*NoopDeliverer)(nil)

// NoopDeliverer logs deliveries instead of sending them. For local/dev use.
type NoopDeliverer struct {
	log *zerolog.Logger
}

func NewNoopDeliverer(logger *zerolog.Logger) *NoopDeliverer {
	l := logger.With().Str("component", "noop_deliverer").Logger()
	return &NoopDeliverer{log: &l}
}

func (n *NoopDeliverer) Notify(ctx context.Context, ownerID, channelName string, d adapter.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Info().
		Str("owner_id", ownerID).
		Str("channel", channelName).
		Str("job_id", d.JobID).
		Str("artifact_url", d.ArtifactURL).
		Str("reason", d.Reason).
		Msg("delivery")
	return nil
}
