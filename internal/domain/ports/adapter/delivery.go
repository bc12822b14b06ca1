package adapter

import (
	"context"

	"generation-reconciler/internal/domain/model"
)

// Delivery is a finished result, or a failure notice when ArtifactURL is empty.
type Delivery struct {
	JobID       string
	Kind        model.JobKind
	ArtifactURL string
	Reason      string
	Moderated   bool
}

func (d Delivery) IsFailure() bool { return d.ArtifactURL == "" }

// Deliverer is the messaging collaborator. It does not retry; callers do.
type Deliverer interface {
	Notify(ctx context.Context, ownerID, channelName string, d Delivery) error
}
