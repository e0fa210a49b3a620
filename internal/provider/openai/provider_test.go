package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/testutil"
)

func TestProvider_AnalyzeRecorded(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: OPENAI_API_KEY not set")
	}

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_analyze")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	resp, err := p.Analyze(context.Background(), testutil.CredentialFromEnv("OPENAI_API_KEY"), &ports.AnalysisRequest{
		Stage:        "classify",
		SystemPrompt: "Classify the article. Respond with JSON.",
		Input:        "Title: Chip exports tighten\n\nNew export rules restrict advanced semiconductors.",
	})
	require.NoError(t, err)

	var out struct {
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &out))
	assert.Equal(t, "technology", out.Category)
	assert.Len(t, out.Tags, 3)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
}

// fakeUpstream serves one canned chat completion response.
func fakeUpstream(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	seen := &http.Request{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = *r.Clone(context.Background())
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func completion(content, finish string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1717171717,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
	})
	return string(b)
}

func analyze(t *testing.T, srv *httptest.Server, credential string) (*ports.AnalysisResponse, error) {
	t.Helper()
	p := New(WithBaseURL(srv.URL+"/v1"), WithModel("gpt-4o-mini"))
	return p.Analyze(context.Background(), credential, &ports.AnalysisRequest{
		Stage:        "summarize",
		SystemPrompt: "Summarize.",
		Input:        "text",
	})
}

func TestProvider_UsesCallCredential(t *testing.T) {
	srv, seen := fakeUpstream(t, http.StatusOK, completion(`{"short":"s"}`, "stop"))

	resp, err := analyze(t, srv, "key-b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"short":"s"}`, resp.Content)
	assert.Equal(t, "Bearer key-b", seen.Header.Get("Authorization"))
	assert.Equal(t, "/v1/chat/completions", seen.URL.Path)
}

func TestProvider_StripsFences(t *testing.T) {
	srv, _ := fakeUpstream(t, http.StatusOK, completion("```json\n{\"short\":\"s\"}\n```", "stop"))

	resp, err := analyze(t, srv, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"short":"s"}`, resp.Content)
}

func TestProvider_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ports.ProviderErrorKind
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			want:   ports.ProviderErrorQuota,
		},
		{
			name:   "insufficient quota",
			status: http.StatusForbidden,
			body:   `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`,
			want:   ports.ProviderErrorQuota,
		},
		{
			name:   "content policy",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"blocked","type":"invalid_request_error","code":"content_policy_violation"}}`,
			want:   ports.ProviderErrorRejected,
		},
		{
			name:   "gateway timeout",
			status: http.StatusGatewayTimeout,
			body:   `upstream timed out`,
			want:   ports.ProviderErrorTimeout,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"message":"boom","type":"server_error"}}`,
			want:   ports.ProviderErrorUnknown,
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   completion("I cannot answer in JSON", "stop"),
			want:   ports.ProviderErrorInvalid,
		},
		{
			name:   "content filter finish",
			status: http.StatusOK,
			body:   completion("", "content_filter"),
			want:   ports.ProviderErrorRejected,
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"id":"x","object":"chat.completion","choices":[]}`,
			want:   ports.ProviderErrorInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeUpstream(t, tt.status, tt.body)

			_, err := analyze(t, srv, "k")
			require.Error(t, err)

			pe, ok := ports.AsProviderError(err)
			require.True(t, ok, "got %T: %v", err, err)
			assert.Equal(t, tt.want, pe.Kind)
		})
	}
}

func TestProvider_DeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := New(WithBaseURL(srv.URL + "/v1"))
	_, err := p.Analyze(ctx, "k", &ports.AnalysisRequest{SystemPrompt: "x", Input: "y"})
	require.Error(t, err)

	pe, ok := ports.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ports.ProviderErrorTimeout, pe.Kind)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripFences("  {\"a\":1} "))
}
