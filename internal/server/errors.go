package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Type      string `json:"type"`
	Class     string `json:"class,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// toAPIError maps any error onto the domain taxonomy.
func toAPIError(err error) *domain.APIError {
	if apiErr, ok := domain.AsAPIError(err); ok {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrUpstreamTimeout("request deadline exceeded", err)
	}
	return domain.ErrServer("internal error", err)
}

// WriteError writes err as JSON with the status its type maps to and a
// Retry-After header for retry_later errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	AddError(r.Context(), err)

	if apiErr.RetryAfter > 0 {
		secs := int(math.Ceil(apiErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	message := apiErr.Message
	if apiErr.Type == domain.ErrorTypeServer {
		message = "internal error"
	}
	writeJSON(w, apiErr.HTTPStatusCode(), ErrorResponse{Error: ErrorDetail{
		Type:      string(apiErr.Type),
		Class:     string(apiErr.Class()),
		Message:   message,
		Retryable: apiErr.Retryable(),
	}})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrorDetail{Type: "not_found", Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
