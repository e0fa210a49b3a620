// Package domain provides the canonical pipeline types and error taxonomy.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of a pipeline or admission error.
type ErrorType string

const (
	// ErrorTypeRateLimited indicates the caller exceeded the sliding-window rate.
	ErrorTypeRateLimited ErrorType = "rate_limited"

	// ErrorTypeDailyQuotaExceeded indicates the caller exceeded its daily ceiling.
	ErrorTypeDailyQuotaExceeded ErrorType = "daily_quota_exceeded"

	// ErrorTypeUpstreamExhausted indicates every credential stayed quota-limited
	// after full rotation and backoff.
	ErrorTypeUpstreamExhausted ErrorType = "upstream_exhausted"

	// ErrorTypeUpstreamTimeout indicates the per-call deadline elapsed.
	ErrorTypeUpstreamTimeout ErrorType = "upstream_timeout"

	// ErrorTypeUpstreamError indicates a non-quota provider failure.
	ErrorTypeUpstreamError ErrorType = "upstream_error"

	// ErrorTypeContentRejected indicates the provider refused the content.
	ErrorTypeContentRejected ErrorType = "content_rejected"

	// ErrorTypeInvalidRequest indicates a malformed request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeServer indicates an internal failure.
	ErrorTypeServer ErrorType = "server"
)

// ErrorClass groups error types by what a caller should do about them.
type ErrorClass string

const (
	// ClassRetryLater means the caller should back off and retry (rate or quota).
	ClassRetryLater ErrorClass = "retry_later"
	// ClassServiceDegraded means the upstream is unavailable right now.
	ClassServiceDegraded ErrorClass = "service_degraded"
	// ClassNotEligible means retrying will not help (content or feature restriction).
	ClassNotEligible ErrorClass = "not_eligible"
	// ClassClient means the request itself was wrong.
	ClassClient ErrorClass = "client"
	// ClassInternal covers everything else.
	ClassInternal ErrorClass = "internal"
)

// APIError is the canonical error surfaced by admission control and the pipeline.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// RetryAfter is a hint for retry_later errors.
	RetryAfter time.Duration `json:"-"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Class returns the caller-facing class of the error.
func (e *APIError) Class() ErrorClass {
	switch e.Type {
	case ErrorTypeRateLimited, ErrorTypeDailyQuotaExceeded:
		return ClassRetryLater
	case ErrorTypeUpstreamExhausted, ErrorTypeUpstreamTimeout, ErrorTypeUpstreamError:
		return ClassServiceDegraded
	case ErrorTypeContentRejected:
		return ClassNotEligible
	case ErrorTypeInvalidRequest, ErrorTypeAuthentication:
		return ClassClient
	default:
		return ClassInternal
	}
}

// Retryable reports whether a caller may retry the same request later.
func (e *APIError) Retryable() bool {
	switch e.Class() {
	case ClassRetryLater, ClassServiceDegraded:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeRateLimited, ErrorTypeDailyQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamExhausted:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUpstreamError:
		return http.StatusBadGateway
	case ErrorTypeContentRejected:
		return http.StatusUnprocessableEntity
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCause attaches the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// WithRetryAfter sets the retry hint.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	e.RetryAfter = d
	return e
}

// Convenience constructors for the taxonomy

// ErrRateLimited creates a sliding-window rejection.
func ErrRateLimited(message string, retryAfter time.Duration) *APIError {
	return NewAPIError(ErrorTypeRateLimited, message).WithRetryAfter(retryAfter)
}

// ErrDailyQuotaExceeded creates a daily ceiling rejection.
func ErrDailyQuotaExceeded(message string, retryAfter time.Duration) *APIError {
	return NewAPIError(ErrorTypeDailyQuotaExceeded, message).WithRetryAfter(retryAfter)
}

// ErrUpstreamExhausted creates an all-credentials-exhausted error.
func ErrUpstreamExhausted(message string, cause error) *APIError {
	return NewAPIError(ErrorTypeUpstreamExhausted, message).WithCause(cause)
}

// ErrUpstreamTimeout creates a per-call deadline error.
func ErrUpstreamTimeout(message string, cause error) *APIError {
	return NewAPIError(ErrorTypeUpstreamTimeout, message).WithCause(cause)
}

// ErrUpstreamError creates a terminal non-quota provider error.
func ErrUpstreamError(message string, cause error) *APIError {
	return NewAPIError(ErrorTypeUpstreamError, message).WithCause(cause)
}

// ErrContentRejected creates a content-policy rejection.
func ErrContentRejected(message string) *APIError {
	return NewAPIError(ErrorTypeContentRejected, message)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrServer creates a server error.
func ErrServer(message string, cause error) *APIError {
	return NewAPIError(ErrorTypeServer, message).WithCause(cause)
}

// AsAPIError extracts an *APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// TypeOf returns the ErrorType of err, or ErrorTypeServer for foreign errors.
func TypeOf(err error) ErrorType {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Type
	}
	return ErrorTypeServer
}

// IsType reports whether err carries the given ErrorType.
func IsType(err error, t ErrorType) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Type == t
}
