// Package api is the thin transport boundary: it decodes requests,
// checks the caller's role, calls one engine method, and shapes the
// response. No business rule lives here.
package api

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/logging"
)

var validate = validator.New()

// errorBody is the wire shape of every failure.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
	RetryAt string         `json:"retry_at,omitempty"`
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.ValidationError:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.InsufficientFunds:
		return http.StatusPaymentRequired
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: string(kind)}
	if e, ok := apperr.As(err); ok {
		body.Message = e.Message
		body.Detail = e.Detail
		if !e.RetryAt.IsZero() {
			body.RetryAt = e.RetryAt.Format(time.RFC3339)
		}
	} else {
		body.Message = "internal error"
	}
	if kind == apperr.StorageError {
		// Infrastructure detail stays in the log, not on the wire.
		logging.Error().Err(err).Msg("request failed with storage error")
		body.Message = "temporarily unavailable"
	}
	writeJSON(w, statusFor(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("response encode failed")
	}
}

// decode unmarshals and struct-validates a request body.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validationf("malformed request body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return apperr.Validationf("invalid request: %v", err)
	}
	return nil
}
