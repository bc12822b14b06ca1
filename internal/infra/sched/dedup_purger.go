package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain/ports/repository"
)

// DedupPurger deletes dedup records whose window has passed. Stores that
// expire keys on their own report zero.
type DedupPurger struct {
	dedup repository.DedupRepository
	now   func() time.Time
	log   *zerolog.Logger
}

func NewDedupPurger(dedup repository.DedupRepository, logger *zerolog.Logger) *DedupPurger {
	l := logger.With().Str("component", "DedupPurger").Logger()
	return &DedupPurger{dedup: dedup, now: time.Now, log: &l}
}

func (w *DedupPurger) Name() string { return "dedup_purger" }

func (w *DedupPurger) RunOnce(ctx context.Context) (int, error) {
	n, err := w.dedup.Purge(ctx, w.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.log.Debug().Int("count", n).Msg("expired dedup records purged")
	}
	return n, nil
}
