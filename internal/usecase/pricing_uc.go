package usecase

import (
	"fmt"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

// Pricing quotes the amount reserved for a job, in micro-credits.
type Pricing struct {
	base     map[model.JobKind]int64
	perToken int64
	counters []adapter.TokenCounter
	log      *zerolog.Logger
}

// NewPricing builds a quote table from per-kind base prices. When perToken
// is positive the prompt is counted with the first counter that succeeds.
func NewPricing(base map[string]int64, perToken int64, logger *zerolog.Logger, counters ...adapter.TokenCounter) (*Pricing, error) {
	table := make(map[model.JobKind]int64, len(base))
	for k, v := range base {
		kind := model.JobKind(k)
		if !kind.Valid() || v < 0 {
			return nil, fmt.Errorf("%w: price for %q", domain.ErrInvalidArgument, k)
		}
		table[kind] = v
	}
	l := logger.With().Str("component", "pricing").Logger()
	return &Pricing{base: table, perToken: perToken, counters: counters, log: &l}, nil
}

func (p *Pricing) Quote(kind model.JobKind, prompt string) (int64, error) {
	price, ok := p.base[kind]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", domain.ErrInvalidArgument, kind)
	}
	if p.perToken <= 0 || prompt == "" {
		return price, nil
	}
	for _, c := range p.counters {
		n, err := c.Count(prompt)
		if err != nil {
			p.log.Warn().Err(err).Msg("token counter failed, trying next")
			continue
		}
		return price + int64(n)*p.perToken, nil
	}
	return 0, fmt.Errorf("%w: prompt could not be counted", domain.ErrOperationFailed)
}
