package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain"
	"generation-reconciler/internal/domain/model"
	portuc "generation-reconciler/internal/domain/ports/usecase"
	"generation-reconciler/internal/infra/logging"
	"generation-reconciler/internal/infra/metrics"
)

const (
	signatureHeader  = "X-Signature"
	maxCallbackBytes = 1 << 20
)

// CallbackHandler receives provider completion notifications and hands them
// to the reconciler. Providers retry on anything but 2xx; 503 asks them to.
type CallbackHandler struct {
	rec portuc.Reconciliation
	// secrets maps provider name to its HMAC secret; "" disables verification.
	secrets map[string]string
	log     *zerolog.Logger
}

func NewCallbackHandler(rec portuc.Reconciliation, secrets map[string]string, logger *zerolog.Logger) *CallbackHandler {
	l := logger.With().Str("component", "callbacks").Logger()
	return &CallbackHandler{rec: rec, secrets: secrets, log: &l}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	ctx := logging.WithProvider(r.Context(), provider)
	log := logging.With(ctx, h.log)

	secret, known := h.secrets[provider]
	if !known {
		metrics.IncCallback(provider, "unknown_provider")
		writeError(w, http.StatusNotFound, domain.ErrUnknownProvider.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if secret != "" && !validSignature(secret, body, r.Header.Get(signatureHeader)) {
		metrics.IncCallback(provider, "bad_signature")
		log.Warn().Msg("callback signature mismatch")
		writeError(w, http.StatusUnauthorized, domain.ErrInvalidSignature.Error())
		return
	}

	var p model.CallbackPayload
	if err := json.Unmarshal(body, &p); err != nil || p.ProviderTaskID == "" {
		metrics.IncCallback(provider, "bad_request")
		log.Warn().Err(err).Msg("malformed callback")
		writeError(w, http.StatusBadRequest, "malformed callback payload")
		return
	}
	p.Raw = body
	if p.JobID == "" {
		p.JobID = r.URL.Query().Get("job_id")
	}

	err = h.rec.Handle(ctx, provider, p.ProviderTaskID, p)
	status, outcome := callbackStatus(err)
	metrics.IncCallback(provider, outcome)

	evt := log.Debug()
	switch {
	case status >= http.StatusInternalServerError:
		evt = log.Error()
	case err != nil:
		evt = log.Warn()
	}
	evt.Err(err).Str("provider_task_id", p.ProviderTaskID).Str("status", p.Status).Int("http_status", status).Msg("callback handled")

	if status == http.StatusOK {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeError(w, status, err.Error())
}

func callbackStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, "processed"
	case errors.Is(err, domain.ErrDeliveryFailed):
		// the job is settled; the sweeper retries delivery
		return http.StatusOK, "delivery_failed"
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrUnknownCallback), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrReconcileInFlight):
		return http.StatusServiceUnavailable, "in_flight"
	}
	return http.StatusServiceUnavailable, "error"
}

// validSignature checks a hex HMAC-SHA256 of body, with or without a
// "sha256=" prefix.
func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Signature value for body. Providers we control and the
// tests use it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
