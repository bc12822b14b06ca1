package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"generation-reconciler/internal/config"
	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

// Build constructs the adapter described by cfg, wrapped with its
// concurrency limit.
func Build(ctx context.Context, cfg config.ProviderConfig, client *http.Client, logger *zerolog.Logger) (adapter.ProviderAdapter, error) {
	caps, err := parseCapabilities(cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}

	var a adapter.ProviderAdapter
	switch cfg.Type {
	case "openai_image":
		a, err = NewOpenAIImageProvider(cfg.Name, cfg.APIKey, cfg.BaseURL, cfg.Model, caps)
	case "gemini_video":
		a, err = NewGeminiVideoProvider(ctx, cfg.Name, cfg.APIKey, cfg.BaseURL, cfg.Model, caps)
	case "http":
		var hp *HTTPProvider
		hp, err = NewHTTPProvider(cfg.Name, cfg.APIKey, cfg.BaseURL, caps, client)
		if err == nil {
			a = hp
			if cfg.Pollable {
				a = &PollingHTTPProvider{HTTPProvider: hp}
			}
		}
	case "noop", "":
		a = NewNoopProvider(cfg.Name, caps, logger)
	default:
		return nil, fmt.Errorf("%w: provider %s has unknown type %q", domain.ErrInvalidArgument, cfg.Name, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	return NewLimited(a, cfg.ConcurrentLimit), nil
}

func parseCapabilities(in []string) ([]model.JobKind, error) {
	out := make([]model.JobKind, 0, len(in))
	for _, s := range in {
		k := model.JobKind(s)
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown capability %q", domain.ErrInvalidArgument, s)
		}
		out = append(out, k)
	}
	return out, nil
}
