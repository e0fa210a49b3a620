package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "type and message",
			err:      &APIError{Type: ErrorTypeRateLimited, Message: "slow down"},
			expected: "rate_limited: slow down",
		},
		{
			name:     "with cause",
			err:      ErrUpstreamError("bad output", errors.New("unexpected EOF")),
			expected: "upstream_error: bad output: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_ClassAndStatus(t *testing.T) {
	tests := []struct {
		err    *APIError
		class  ErrorClass
		status int
	}{
		{ErrRateLimited("x", time.Second), ClassRetryLater, http.StatusTooManyRequests},
		{ErrDailyQuotaExceeded("x", time.Hour), ClassRetryLater, http.StatusTooManyRequests},
		{ErrUpstreamExhausted("x", nil), ClassServiceDegraded, http.StatusServiceUnavailable},
		{ErrUpstreamTimeout("x", nil), ClassServiceDegraded, http.StatusGatewayTimeout},
		{ErrUpstreamError("x", nil), ClassServiceDegraded, http.StatusBadGateway},
		{ErrContentRejected("x"), ClassNotEligible, http.StatusUnprocessableEntity},
		{ErrInvalidRequest("x"), ClassClient, http.StatusBadRequest},
		{ErrAuthentication("x"), ClassClient, http.StatusUnauthorized},
		{ErrServer("x", nil), ClassInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			if got := tt.err.Class(); got != tt.class {
				t.Errorf("Class() = %q, want %q", got, tt.class)
			}
			if got := tt.err.HTTPStatusCode(); got != tt.status {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestAsAPIError_Wrapped(t *testing.T) {
	base := ErrUpstreamExhausted("all credentials exhausted", nil)
	wrapped := fmt.Errorf("stage classify: %w", base)

	got, ok := AsAPIError(wrapped)
	if !ok {
		t.Fatal("expected APIError in chain")
	}
	if got != base {
		t.Error("expected the original error")
	}
	if TypeOf(wrapped) != ErrorTypeUpstreamExhausted {
		t.Errorf("TypeOf() = %q", TypeOf(wrapped))
	}
	if TypeOf(errors.New("plain")) != ErrorTypeServer {
		t.Error("foreign errors should classify as server")
	}
	if !IsType(wrapped, ErrorTypeUpstreamExhausted) {
		t.Error("IsType should see through wrapping")
	}
}

func TestFailed_CarriesCode(t *testing.T) {
	ev := Failed(StageSummarize, fmt.Errorf("wrap: %w", ErrUpstreamTimeout("deadline elapsed", nil)))

	if ev.Status != StatusError {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.ErrorCode != ErrorTypeUpstreamTimeout {
		t.Errorf("ErrorCode = %q", ev.ErrorCode)
	}
	if ev.Message != "deadline elapsed" {
		t.Errorf("Message = %q", ev.Message)
	}
	if !ev.Terminal() {
		t.Error("error events are terminal")
	}
}
