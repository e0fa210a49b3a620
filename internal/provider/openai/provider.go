// Package openai implements the upstream analysis function on top of any
// OpenAI-compatible chat completions endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithModel sets the model name.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) ProviderOption {
	return func(p *Provider) {
		p.temperature = t
	}
}

// Provider implements ports.Analyzer. The credential is supplied per call so
// the rotation controller decides which key is used.
type Provider struct {
	baseURL     string
	model       string
	temperature float32
	httpClient  *http.Client

	// clients caches one client per credential.
	clients sync.Map
}

var _ ports.Analyzer = (*Provider)(nil)

// New creates a new OpenAI-compatible provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{model: DefaultModel}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) client(credential string) *goopenai.Client {
	if c, ok := p.clients.Load(credential); ok {
		return c.(*goopenai.Client)
	}

	cfg := goopenai.DefaultConfig(credential)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	c, _ := p.clients.LoadOrStore(credential, goopenai.NewClientWithConfig(cfg))
	return c.(*goopenai.Client)
}

// Analyze sends one JSON-mode chat completion and returns the model's JSON text.
func (p *Provider) Analyze(ctx context.Context, credential string, req *ports.AnalysisRequest) (*ports.AnalysisResponse, error) {
	apiReq := goopenai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: p.temperature,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: req.Input},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := p.client(credential).CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, ports.NewProviderError(ports.ProviderErrorInvalid, 0, errors.New("no choices in response"))
	}
	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return nil, ports.NewProviderError(ports.ProviderErrorRejected, 0, errors.New("response blocked by content filter"))
	}

	content := StripFences(choice.Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, ports.NewProviderError(ports.ProviderErrorInvalid, 0,
			fmt.Errorf("response is not valid JSON: %.80q", content))
	}

	return &ports.AnalysisResponse{Content: content, Model: resp.Model}, nil
}

// StripFences removes a surrounding markdown code fence, which some
// OpenAI-compatible backends add even in JSON mode.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classify converts go-openai errors into ProviderErrors.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ports.NewProviderError(ports.ProviderErrorTimeout, 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return ports.NewProviderError(kindFor(apiErr.HTTPStatusCode, apiErr.Type, apiErr.Code), apiErr.HTTPStatusCode, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return ports.NewProviderError(kindFor(reqErr.HTTPStatusCode, "", nil), reqErr.HTTPStatusCode, err)
	}

	return ports.NewProviderError(ports.ProviderErrorUnknown, 0, err)
}

func kindFor(status int, errType string, code any) ports.ProviderErrorKind {
	codeStr, _ := code.(string)
	switch {
	case status == http.StatusTooManyRequests,
		errType == "insufficient_quota", codeStr == "insufficient_quota",
		strings.EqualFold(errType, "RESOURCE_EXHAUSTED"):
		return ports.ProviderErrorQuota
	case codeStr == "content_filter", codeStr == "content_policy_violation":
		return ports.ProviderErrorRejected
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ports.ProviderErrorTimeout
	default:
		return ports.ProviderErrorUnknown
	}
}
