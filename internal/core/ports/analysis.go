// Package ports defines the core interfaces for the pipeline.
// This file contains the upstream analysis capability.
package ports

import (
	"context"
	"errors"
	"fmt"
)

// AnalysisRequest is one call to the upstream analysis function.
type AnalysisRequest struct {
	// Stage is the pipeline stage issuing the call.
	Stage string `json:"stage"`
	// SystemPrompt instructs the model on the expected JSON output.
	SystemPrompt string `json:"system_prompt"`
	// Input is the stage input text (title and content).
	Input string `json:"input"`
}

// AnalysisResponse is the raw structured output of an analysis call.
type AnalysisResponse struct {
	// Content is the JSON text produced by the model.
	Content string `json:"content"`
	// Model is the model that served the call, if known.
	Model string `json:"model,omitempty"`
}

// Analyzer is the opaque upstream analysis function.
// Implementations: OpenAI-compatible chat completions, test fakes.
type Analyzer interface {
	Analyze(ctx context.Context, credential string, req *AnalysisRequest) (*AnalysisResponse, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, credential string, req *AnalysisRequest) (*AnalysisResponse, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, credential string, req *AnalysisRequest) (*AnalysisResponse, error) {
	return f(ctx, credential, req)
}

// ProviderErrorKind classifies provider failures for the rotation controller.
type ProviderErrorKind string

const (
	// ProviderErrorQuota is a rate-limit or quota signal; rotate credentials.
	ProviderErrorQuota ProviderErrorKind = "quota"
	// ProviderErrorTimeout is a call that did not finish in time.
	ProviderErrorTimeout ProviderErrorKind = "timeout"
	// ProviderErrorInvalid is a malformed or unparseable response.
	ProviderErrorInvalid ProviderErrorKind = "invalid"
	// ProviderErrorRejected is a content-policy refusal.
	ProviderErrorRejected ProviderErrorKind = "rejected"
	// ProviderErrorUnknown is anything else.
	ProviderErrorUnknown ProviderErrorKind = "unknown"
)

// ProviderError is returned by Analyzer implementations.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a ProviderError.
func NewProviderError(kind ProviderErrorKind, status int, err error) *ProviderError {
	return &ProviderError{Kind: kind, StatusCode: status, Err: err}
}

// AsProviderError extracts a *ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
