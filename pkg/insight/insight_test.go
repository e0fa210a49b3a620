package insight_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/pkg/insight"
)

func TestEmbeddedRun(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INSIGHT_UPSTREAM__CREDENTIALS", "k1")

	cfg, err := insight.LoadConfig("")
	require.NoError(t, err)

	analyzer := ports.AnalyzerFunc(func(ctx context.Context, cred string, req *ports.AnalysisRequest) (*ports.AnalysisResponse, error) {
		return &ports.AnalysisResponse{Content: `{"quality_score":0.1,"keep":true}`}, nil
	})
	app, err := insight.New(insight.WithConfig(cfg), insight.WithAnalyzer(analyzer))
	require.NoError(t, err)
	defer app.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller := insight.Caller{ID: "embedder"}
	events, err := app.Service().RunPipeline(ctx, caller, insight.Request{SubjectID: "s", Title: "thin"})
	require.NoError(t, err)

	state, cached, err := insight.Collect(ctx, events)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 0.1, state.QualityScore)
	assert.Nil(t, state.Classification, "low-quality content ends after collect")
}
