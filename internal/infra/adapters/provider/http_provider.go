package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
)

var (
	_ adapter.ProviderAdapter = (*HTTPProvider)(nil)
	_ adapter.Poller          = (*PollingHTTPProvider)(nil)
)

// HTTPProvider talks to a generic JSON webhook provider (voice, training):
//
//	POST {base}/generate  -> {"task_id": "..."}; the provider later calls back
//	GET  {base}/health    -> 2xx when healthy
type HTTPProvider struct {
	name   string
	apiKey string
	base   string
	caps   []model.JobKind
	client *http.Client
}

// PollingHTTPProvider additionally exposes GET {base}/tasks/{id}, which
// returns the callback payload shape.
type PollingHTTPProvider struct {
	*HTTPProvider
}

func NewHTTPProvider(name, apiKey, base string, caps []model.JobKind, client *http.Client) (*HTTPProvider, error) {
	if base == "" {
		return nil, fmt.Errorf("%s: base url empty", name)
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("%s: no capabilities", name)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		name:   name,
		apiKey: apiKey,
		base:   strings.TrimRight(base, "/"),
		caps:   caps,
		client: client,
	}, nil
}

func (h *HTTPProvider) Name() string                  { return h.name }
func (h *HTTPProvider) Capabilities() []model.JobKind { return h.caps }

func (h *HTTPProvider) HealthCheck(ctx context.Context) error {
	return h.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (h *HTTPProvider) Submit(ctx context.Context, req adapter.GenerationRequest) (adapter.Submission, error) {
	body := struct {
		JobID       string            `json:"job_id"`
		Kind        string            `json:"kind"`
		Prompt      string            `json:"prompt"`
		Params      map[string]string `json:"params,omitempty"`
		CallbackURL string            `json:"callback_url"`
	}{req.JobID, string(req.Kind), req.Prompt, req.Params, req.CallbackURL}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := h.do(ctx, http.MethodPost, "/generate", body, &out); err != nil {
		return adapter.Submission{}, err
	}
	if out.TaskID == "" {
		return adapter.Submission{}, &adapter.ProviderError{Provider: h.name, Err: errors.New("response without task_id")}
	}
	return adapter.Submission{ProviderJobID: out.TaskID}, nil
}

func (p *PollingHTTPProvider) Poll(ctx context.Context, providerJobID string) (model.CallbackPayload, error) {
	var out model.CallbackPayload
	if err := p.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(providerJobID), nil, &out); err != nil {
		return model.CallbackPayload{}, err
	}
	if out.ProviderTaskID == "" {
		out.ProviderTaskID = providerJobID
	}
	return out, nil
}

func (h *HTTPProvider) do(ctx context.Context, method, path string, in, out interface{}) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &adapter.ProviderError{Provider: h.name, Permanent: true, Err: err}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
	if err != nil {
		return &adapter.ProviderError{Provider: h.name, Permanent: true, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return adapter.NewHTTPError(h.name, resp.StatusCode, errors.New(strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &adapter.ProviderError{Provider: h.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
