package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

var (
	_ adapter.ProviderAdapter = (*GeminiVideoProvider)(nil)
	_ adapter.Poller          = (*GeminiVideoProvider)(nil)
)

// GeminiVideoProvider starts Veo long-running operations. Veo does not call
// back, so completion is discovered by polling the operation.
type GeminiVideoProvider struct {
	name   string
	client *genai.Client
	model  string
	caps   []model.JobKind
}

func NewGeminiVideoProvider(ctx context.Context, name, apiKey, baseURL, videoModel string, caps []model.JobKind) (*GeminiVideoProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if videoModel == "" {
		videoModel = "veo-2.0-generate-001"
	}
	if len(caps) == 0 {
		caps = []model.JobKind{model.JobKindVideo}
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiVideoProvider{name: name, client: c, model: videoModel, caps: caps}, nil
}

func (g *GeminiVideoProvider) Name() string                  { return g.name }
func (g *GeminiVideoProvider) Capabilities() []model.JobKind { return g.caps }

func (g *GeminiVideoProvider) HealthCheck(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return g.classify(err)
	}
	return nil
}

func (g *GeminiVideoProvider) Submit(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return adapter.Submission{}, &adapter.ProviderError{Provider: g.name, Permanent: true, Err: errors.New("empty prompt")}
	}
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    req.Params["aspect_ratio"],
		NegativePrompt: req.Params["negative_prompt"],
	}
	if d, err := strconv.Atoi(req.Params["duration_seconds"]); err == nil && d > 0 {
		cfg.DurationSeconds = genai.Ptr(int32(d))
	}

	op, err := g.client.Models.GenerateVideos(ctx, g.model, req.Prompt, nil, cfg)
	if err != nil {
		return adapter.Submission{}, g.classify(err)
	}
	if op == nil || op.Name == "" {
		return adapter.Submission{}, &adapter.ProviderError{Provider: g.name, Err: errors.New("operation without a name")}
	}
	sub := adapter.Submission{ProviderJobID: op.Name}
	if op.Done {
		p := operationPayload(op)
		sub.Immediate = &p
	}
	return sub, nil
}

func (g *GeminiVideoProvider) Poll(ctx context.Context, providerJobID string) (model.CallbackPayload, error) {
	op, err := g.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: providerJobID}, nil)
	if err != nil {
		return model.CallbackPayload{}, g.classify(err)
	}
	return operationPayload(op), nil
}

// operationPayload maps a Veo operation onto the neutral callback shape.
func operationPayload(op *genai.GenerateVideosOperation) model.CallbackPayload {
	p := model.CallbackPayload{ProviderTaskID: op.Name}
	if !op.Done {
		p.Status = "processing"
		p.Stage = "rendering"
		return p
	}
	if op.Error != nil {
		p.Status = "failed"
		p.Error = fmt.Sprint(op.Error["message"])
		return p
	}
	resp := op.Response
	if resp != nil {
		for _, v := range resp.GeneratedVideos {
			if v != nil && v.Video != nil && v.Video.URI != "" {
				p.Status = "completed"
				p.Result = &model.Result{ArtifactURL: v.Video.URI}
				return p
			}
		}
		if resp.RAIMediaFilteredCount > 0 {
			p.Status = "moderated"
			p.Error = "safety filter: " + strings.Join(resp.RAIMediaFilteredReasons, "; ")
			return p
		}
	}
	p.Status = "failed"
	p.Error = "operation finished without a video"
	return p
}

func (g *GeminiVideoProvider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return adapter.NewHTTPError(g.name, apiErr.Code, err)
	}
	return fmt.Errorf("%s: %w", g.name, err)
}
