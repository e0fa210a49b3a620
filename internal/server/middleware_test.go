package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/insight-pipeline/internal/auth"
	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, want string) {
	t.Helper()
	if got := rec.Header().Get(name); got != want {
		t.Errorf("header %s = %q, want %q", name, got, want)
	}
}

func TestRateLimitHeadersMiddleware(t *testing.T) {
	reset := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetRateLimits(r.Context(), &RateLimitInfo{
			RequestsLimit:     100,
			RequestsRemaining: 0,
			RequestsReset:     reset,
		})
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/analyze", nil))

	checkHeader(t, rec, "x-ratelimit-limit-requests", "100")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "0")
	checkHeader(t, rec, "x-ratelimit-reset-requests", "2024-01-01T00:01:00Z")
}

func TestRateLimitHeadersMiddleware_NoRateLimits(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/analyze", nil))

	if rec.Header().Get("x-ratelimit-limit-requests") != "" {
		t.Error("expected no rate limit headers when none were published")
	}
}

func TestRateLimitHeadersMiddleware_SetAfterWrite(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		SetRateLimits(r.Context(), &RateLimitInfo{RequestsLimit: 5})
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Header().Get("x-ratelimit-limit-requests") != "" {
		t.Error("headers published after the first write must not appear")
	}
}

func TestGetRateLimits(t *testing.T) {
	if GetRateLimits(context.Background()) != nil {
		t.Error("expected nil without published info")
	}
	ctx := SetRateLimits(context.Background(), &RateLimitInfo{RequestsLimit: 7})
	if got := GetRateLimits(ctx); got == nil || got.RequestsLimit != 7 {
		t.Errorf("GetRateLimits() = %+v", got)
	}
}

func TestFromDecision(t *testing.T) {
	if FromDecision(nil) != nil {
		t.Error("nil decision should give nil info")
	}
	if FromDecision(&ports.PolicyDecision{Allow: true}) != nil {
		t.Error("decision without window info should give nil")
	}
	info := FromDecision(&ports.PolicyDecision{RateLimitInfo: &ports.RateLimitInfo{Limit: 120, Remaining: 3, ResetAt: 1704067260}})
	if info.RequestsLimit != 120 || info.RequestsRemaining != 3 {
		t.Errorf("info = %+v", info)
	}
	if !info.RequestsReset.Equal(time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)) {
		t.Errorf("reset = %v", info.RequestsReset)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if _, err := uuid.Parse(seen); err != nil {
			t.Errorf("request id %q is not a UUID", seen)
		}
		checkHeader(t, rec, RequestIDHeader, seen)
	})

	t.Run("keeps valid inbound id", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, id)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if seen != id {
			t.Errorf("request id = %q, want %q", seen, id)
		}
	})

	t.Run("replaces garbage", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, "not-an-id\nX-Injected: 1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if _, err := uuid.Parse(seen); err != nil {
			t.Errorf("request id %q is not a UUID", seen)
		}
	})
}

func TestLoggingMiddleware_IncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "caller", "alice")
		AddLogField(r.Context(), "empty", "")
		AddError(r.Context(), domain.ErrInvalidRequest("bad"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("nope"))
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/analyze", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["caller"] != "alice" {
		t.Errorf("caller = %v", line["caller"])
	}
	if _, ok := line["empty"]; ok {
		t.Error("empty fields must be dropped")
	}
	if line["status"] != float64(http.StatusBadRequest) {
		t.Errorf("status = %v", line["status"])
	}
	if line["bytes"] != float64(4) {
		t.Errorf("bytes = %v", line["bytes"])
	}
	if line["error"] == nil || line["request_id"] == "" {
		t.Errorf("missing error or request_id: %v", line)
	}
}

func TestAddLogField_NoMiddleware(t *testing.T) {
	AddLogField(context.Background(), "k", "v")
	AddError(context.Background(), nil)
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	handler := TimeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !hasDeadline || time.Until(deadline) > time.Minute {
		t.Errorf("deadline = %v (set=%v)", deadline, hasDeadline)
	}

	hasDeadline = false
	TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if hasDeadline {
		t.Error("zero timeout should not set a deadline")
	}
}

func TestAuthMiddleware(t *testing.T) {
	authenticator, err := auth.NewAuthenticator([]auth.CallerKey{
		{Caller: domain.Caller{ID: "alice", Tier: domain.TierPremium}, KeyHash: auth.HashAPIKey("sk-alice")},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	var got domain.Caller
	handler := AuthMiddleware(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetCaller(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic sk-alice", http.StatusUnauthorized},
		{"unknown key", "Bearer sk-mallory", http.StatusUnauthorized},
		{"valid key", "Bearer sk-alice", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/analyze", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if got.ID != "alice" || got.Tier != domain.TierPremium {
		t.Errorf("caller = %+v", got)
	}
}

func TestAuthMiddleware_Anonymous(t *testing.T) {
	var got domain.Caller
	handler := AuthMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetCaller(r.Context())
	}))

	req := httptest.NewRequest("POST", "/v1/analyze", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.ID != "ip:203.0.113.7" || got.Tier != domain.TierStandard {
		t.Errorf("caller = %+v", got)
	}
}

func TestRealIPMiddleware(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}

	tests := []struct {
		name    string
		trusted []netip.Prefix
		remote  string
		want    string
	}{
		{"no trusted proxies", nil, "198.51.100.4:1234", "198.51.100.4"},
		{"untrusted peer", trusted, "198.51.100.4:1234", "198.51.100.4"},
		{"trusted peer", trusted, "10.1.2.3:1234", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := RealIPMiddleware(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
