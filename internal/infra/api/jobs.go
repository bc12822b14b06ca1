package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	"generation-reconciler/internal/domain/ports/adapter"
	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/infra/logging"
	"generation-reconciler/internal/usecase"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// JobService is the submission side the handlers need.
type JobService interface {
	Submit(ctx context.Context, kind model.JobKind, ownerID, channelName string, req usecase.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, ownerID, jobID string) (*repository.JobStatusView, error)
}

// JobLister pages through an owner's jobs.
type JobLister interface {
	ListByOwner(ownerID string) *usecase.JobIterator
}

type JobHandlers struct {
	svc    JobService
	lister JobLister
	log    *zerolog.Logger
}

func NewJobHandlers(svc JobService, lister JobLister, logger *zerolog.Logger) *JobHandlers {
	l := logger.With().Str("component", "jobs_api").Logger()
	return &JobHandlers{svc: svc, lister: lister, log: &l}
}

type submitRequest struct {
	Kind        string            `json:"kind"`
	ChannelName string            `json:"channel_name"`
	Request     generationRequest `json:"request"`
	Metadata    map[string]string `json:"metadata"`
}

type generationRequest struct {
	Prompt string            `json:"prompt"`
	Params map[string]string `json:"params"`
}

type submitResponse struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := OwnerFrom(ctx)

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := model.JobKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job kind")
		return
	}

	id, err := h.svc.Submit(ctx, kind, owner, req.ChannelName, usecase.SubmitRequest{
		Prompt:   req.Request.Prompt,
		Params:   req.Request.Params,
		Metadata: req.Metadata,
	})
	if err == nil {
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAllProvidersUnavailable), errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	default:
		var pe *adapter.ProviderError
		if errors.As(err, &pe) {
			// the provider refused the job; it is failed and refunded
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		l := logging.With(ctx, h.log)
		l.Error().Err(err).Msg("submit failed")
	}
	writeJSON(w, status, submitResponse{JobID: id, Error: err.Error()})
}

func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.svc.GetStatus(ctx, OwnerFrom(ctx), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		l := logging.With(ctx, h.log)
		l.Error().Err(err).Msg("status lookup failed")
		writeError(w, http.StatusInternalServerError, "status lookup failed")
	}
}

type listResponse struct {
	Items      []*repository.JobStatusView `json:"items"`
	NextCursor string                      `json:"next_cursor,omitempty"`
}

func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	// one extra row tells whether another page exists
	it := h.lister.ListByOwner(OwnerFrom(ctx)).After(q.Get("cursor")).PageSize(limit + 1)
	resp := listResponse{Items: make([]*repository.JobStatusView, 0, limit)}
	for it.Next(ctx) {
		if len(resp.Items) == limit {
			resp.NextCursor = resp.Items[limit-1].JobID
			break
		}
		resp.Items = append(resp.Items, usecase.StatusView(it.Job()))
	}
	if err := it.Err(); err != nil {
		l := logging.With(ctx, h.log)
		l.Error().Err(err).Msg("list jobs failed")
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
