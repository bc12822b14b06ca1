package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

var _ adapter.ProviderAdapter = (*OpenAIImageProvider)(nil)

// OpenAIImageProvider generates images synchronously: the outcome is known
// when Submit returns and is handed back as an immediate payload.
type OpenAIImageProvider struct {
	name   string
	client openai.Client
	model  string
	caps   []model.JobKind
}

func NewOpenAIImageProvider(name, apiKey, baseURL, imageModel string, caps []model.JobKind) (*OpenAIImageProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if imageModel == "" {
		imageModel = string(openai.ImageModelDallE3)
	}
	if len(caps) == 0 {
		caps = []model.JobKind{model.JobKindImage}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries belong to the executor
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIImageProvider{
		name:   name,
		client: openai.NewClient(opts...),
		model:  imageModel,
		caps:   caps,
	}, nil
}

func (o *OpenAIImageProvider) Name() string                  { return o.name }
func (o *OpenAIImageProvider) Capabilities() []model.JobKind { return o.caps }

func (o *OpenAIImageProvider) HealthCheck(ctx context.Context) error {
	if _, err := o.client.Models.Get(ctx, o.model); err != nil {
		return o.classify(err)
	}
	return nil
}

func (o *OpenAIImageProvider) Submit(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	if req.Prompt == "" {
		return adapter.Submission{}, &adapter.ProviderError{Provider: o.name, Permanent: true, Err: errors.New("empty prompt")}
	}
	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(o.model),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	}
	if size := req.Params["size"]; size != "" {
		params.Size = openai.ImageGenerateParamsSize(size)
	}

	resp, err := o.client.Images.Generate(ctx, params)
	if err != nil {
		return adapter.Submission{}, o.classify(err)
	}

	taskID := fmt.Sprintf("%s-%d", req.JobID, resp.Created)
	payload := &model.CallbackPayload{ProviderTaskID: taskID, Status: "completed"}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		// moderated prompts fail Submit instead; an empty body is a provider fault
		payload.Status = "failed"
		payload.Error = "provider returned no image"
	} else {
		payload.Result = &model.Result{ArtifactURL: resp.Data[0].URL}
	}
	return adapter.Submission{ProviderJobID: taskID, Immediate: payload}, nil
}

// classify turns SDK errors into ProviderErrors. A content policy rejection
// is marked Moderated so the owner is told the prompt was refused.
func (o *OpenAIImageProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe := adapter.NewHTTPError(o.name, apiErr.StatusCode, err)
		if apiErr.Code == contentPolicyCode || strings.Contains(apiErr.Message, contentPolicyCode) {
			pe.Permanent, pe.Moderated = true, true
		}
		return pe
	}
	return fmt.Errorf("%s: %w", o.name, err)
}

const contentPolicyCode = "content_policy_violation"
