package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/insight-pipeline/internal/config"
	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/server"
	"github.com/tjfontaine/insight-pipeline/internal/storage/memory"
)

// allStages satisfies every stage's output schema at once; each stage
// decodes only its own fields.
const allStages = `{"quality_score":0.9,"keep":true,"category":"Finance","sentiment":"Positive",` +
	`"tags":["rates","Rates"],"short":"Rates rose.","detailed":"The bank raised rates.",` +
	`"score":0.4,"explanation":"balanced","eli5":"Money costs more.","interview":"Q&A"}`

func testConfig(credentials ...string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: 18181, RequestTimeout: 10 * time.Second, ShutdownTimeout: time.Second},
		Log:     config.LogConfig{Level: "info"},
		Storage: config.StorageConfig{Type: "memory"},
		Upstream: config.UpstreamConfig{
			Model:               "gpt-4o-mini",
			Credentials:         credentials,
			MaxCycles:           2,
			MaxTransientRetries: 1,
			BaseDelay:           time.Millisecond,
			CallTimeout:         5 * time.Second,
		},
		Admission: config.AdmissionConfig{
			Enabled:            true,
			RateLimitPerMinute: 120,
			DailyLimits:        map[string]int{"standard": 50, "premium": -1},
		},
		Cache:    config.CacheConfig{TTL: time.Hour},
		Pipeline: config.PipelineConfig{QualityThreshold: 0.3, MaxInputTokens: 1500},
	}
}

// fakeUpstream is an OpenAI-compatible chat completions endpoint. Keys in
// quota answer 429.
type fakeUpstream struct {
	mu    sync.Mutex
	calls map[string]int
	quota map[string]bool
}

func newFakeUpstream(t *testing.T, quotaKeys ...string) (*fakeUpstream, *httptest.Server) {
	t.Helper()
	f := &fakeUpstream{calls: map[string]int{}, quota: map[string]bool{}}
	for _, k := range quotaKeys {
		f.quota[k] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	f.calls[key]++
	limited := f.quota[key]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`)
		return
	}
	content, _ := json.Marshal(allStages)
	fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",`+
		`"choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}],`+
		`"usage":{"prompt_tokens":10,"completion_tokens":10,"total_tokens":20}}`, content)
}

func (f *fakeUpstream) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func postSync(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze/sync", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration required")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(WithConfig(testConfig()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestNew_RejectsUnknownTier(t *testing.T) {
	cfg := testConfig("k")
	cfg.Admission.DailyLimits["gold"] = 5
	_, err := New(WithConfig(cfg))
	require.Error(t, err)
}

func TestApp_EndToEnd(t *testing.T) {
	upstream, srv := newFakeUpstream(t, "k-quota")
	cfg := testConfig("k-quota", "k-ok")
	cfg.Upstream.BaseURL = srv.URL + "/v1"

	app, err := New(WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown(context.Background()) })

	body := `{"subject_id":"art-9","title":"Rates","content":"<p>The bank <b>raised</b> rates.</p>"}`
	rec := postSync(t, app.Handler(), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp server.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	state := resp.Result
	require.NotNil(t, state)
	assert.False(t, resp.Cached)
	assert.Equal(t, 0.9, state.QualityScore)
	require.NotNil(t, state.Classification)
	assert.Equal(t, "Finance", state.Classification.Category)
	assert.Equal(t, []string{"rates"}, state.Classification.Tags)
	require.NotNil(t, state.Summary)
	assert.Equal(t, "Rates rose.", state.Summary.Short)
	require.NotNil(t, state.Bias)
	assert.Nil(t, state.Bias.Score)
	assert.Equal(t, domain.BiasRestricted, state.Bias.Explanation)
	require.NotNil(t, state.Explanation)
	assert.Equal(t, "Money costs more.", state.Explanation.ELI5)

	// collect rotated past the quota-limited key; the rest stayed on k-ok.
	assert.Equal(t, 1, upstream.count("k-quota"))
	assert.Equal(t, 4, upstream.count("k-ok"))

	rec = postSync(t, app.Handler(), body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, 4, upstream.count("k-ok"))
}

func TestApp_AllCredentialsExhausted(t *testing.T) {
	upstream, srv := newFakeUpstream(t, "k1", "k2")
	cfg := testConfig("k1", "k2")
	cfg.Upstream.BaseURL = srv.URL + "/v1"

	app, err := New(WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown(context.Background()) })

	rec := postSync(t, app.Handler(), `{"subject_id":"a","title":"t"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 2, upstream.count("k1"))
	assert.Equal(t, 2, upstream.count("k2"))
}

func TestApp_AdmissionDisabled(t *testing.T) {
	cfg := testConfig("k")
	cfg.Admission.Enabled = false
	cfg.Admission.RateLimitPerMinute = 1
	cfg.Cache.TTL = time.Nanosecond

	analyzer := ports.AnalyzerFunc(func(ctx context.Context, cred string, req *ports.AnalysisRequest) (*ports.AnalysisResponse, error) {
		return &ports.AnalysisResponse{Content: allStages}, nil
	})
	app, err := New(WithConfig(cfg), WithAnalyzer(analyzer))
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown(context.Background()) })

	for i := 0; i < 3; i++ {
		rec := postSync(t, app.Handler(), fmt.Sprintf(`{"subject_id":"s-%d","title":"t"}`, i))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestApp_ServiceWithoutHTTP(t *testing.T) {
	analyzer := ports.AnalyzerFunc(func(ctx context.Context, cred string, req *ports.AnalysisRequest) (*ports.AnalysisResponse, error) {
		return &ports.AnalysisResponse{Content: allStages}, nil
	})
	app, err := New(WithConfig(testConfig("k")), WithAnalyzer(analyzer))
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown(context.Background()) })

	premium := domain.Caller{ID: "carol", Tier: domain.TierPremium}
	_, err = app.Service().CheckAdmission(context.Background(), premium)
	require.NoError(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestApp_StartAndShutdown(t *testing.T) {
	clockMu := sync.Mutex{}
	now := time.Now()
	store := memory.New(memory.WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}))
	defer store.Close()
	require.NoError(t, store.Set(context.Background(), "stale", "x", time.Second))

	cfg := testConfig("k")
	cfg.Server.Port = freePort(t)
	cfg.Cache.PurgeInterval = 10 * time.Millisecond

	app, err := New(WithConfig(cfg), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	require.Error(t, app.Start(context.Background()))

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Wait())

	_, err = http.Get(url)
	assert.Error(t, err)
}
