package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/credential"
	"github.com/tjfontaine/insight-pipeline/internal/tokens"
)

// StageInput is everything a stage may read.
type StageInput struct {
	Title        string
	Content      string
	IsPrivileged bool
}

// StageFunc is one node of the graph.
type StageFunc func(ctx context.Context, in StageInput) (domain.Patch, error)

// Stages holds the five stage functions in topology order.
type Stages struct {
	Collect   StageFunc
	Classify  StageFunc
	Summarize StageFunc
	Bias      StageFunc
	Explain   StageFunc
}

// Upstream calls the analysis function through the rotation controller and
// decodes its JSON output.
type Upstream struct {
	controller *credential.Controller
	analyzer   ports.Analyzer
	counter    *tokens.Counter
	maxTokens  int
}

// NewUpstream creates an Upstream. counter may be nil to disable input clipping.
func NewUpstream(controller *credential.Controller, analyzer ports.Analyzer, counter *tokens.Counter, maxInputTokens int) *Upstream {
	return &Upstream{
		controller: controller,
		analyzer:   analyzer,
		counter:    counter,
		maxTokens:  maxInputTokens,
	}
}

// callStage runs one analysis and decodes the response into a T. Decoding
// happens inside the rotation loop so malformed output is retried, and each
// attempt starts from a zero T.
func callStage[T any](ctx context.Context, u *Upstream, stage, prompt string, in StageInput) (T, error) {
	req := &ports.AnalysisRequest{
		Stage:        stage,
		SystemPrompt: prompt,
		Input:        u.formatInput(in),
	}
	var result T
	err := u.controller.Do(ctx, stage, func(ctx context.Context, cred string) error {
		resp, err := u.analyzer.Analyze(ctx, cred, req)
		if err != nil {
			return err
		}
		var out T
		if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
			return ports.NewProviderError(ports.ProviderErrorInvalid, 0, fmt.Errorf("decode %s output: %w", stage, err))
		}
		result = out
		return nil
	})
	return result, err
}

func (u *Upstream) formatInput(in StageInput) string {
	content := in.Content
	if u.counter != nil {
		content, _ = u.counter.Truncate(content, u.maxTokens)
	}
	return fmt.Sprintf("Title: %s\n\nContent: %s", in.Title, content)
}

// DefaultStages wires the stage functions to u.
func DefaultStages(u *Upstream) Stages {
	return Stages{
		Collect:   u.collect,
		Classify:  u.classify,
		Summarize: u.summarize,
		Bias:      u.bias,
		Explain:   u.explain,
	}
}

type collectOutput struct {
	QualityScore *float64 `json:"quality_score"`
	Keep         *bool    `json:"keep"`
	Reason       string   `json:"reason"`
}

func (u *Upstream) collect(ctx context.Context, in StageInput) (domain.Patch, error) {
	out, err := callStage[collectOutput](ctx, u, domain.StageCollect, collectPrompt, in)
	if err != nil {
		return nil, err
	}

	patch := domain.CollectPatch{QualityScore: domain.DefaultQualityScore}
	if out.QualityScore != nil {
		patch.QualityScore = clamp01(*out.QualityScore)
	}
	if out.Keep != nil && !*out.Keep {
		patch.QualityScore = 0
		patch.Note = "collector rejected content"
		if out.Reason != "" {
			patch.Note += ": " + out.Reason
		}
	}
	return patch, nil
}

type classifyOutput struct {
	Category  string   `json:"category"`
	Sentiment string   `json:"sentiment"`
	Tags      []string `json:"tags"`
}

func (u *Upstream) classify(ctx context.Context, in StageInput) (domain.Patch, error) {
	out, err := callStage[classifyOutput](ctx, u, domain.StageClassify, classifyPrompt, in)
	if err != nil {
		return nil, err
	}
	return domain.ClassifyPatch{Classification: domain.Classification{
		Category:  normalize(out.Category, Categories, CategoryGeneral),
		Sentiment: normalize(out.Sentiment, Sentiments, "Neutral"),
		Tags:      dedupeTags(out.Tags, MaxTags),
	}}, nil
}

// textOrList accepts either a string or a list of strings.
type textOrList string

func (t *textOrList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = textOrList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*t = textOrList(strings.Join(list, "\n"))
	return nil
}

type summarizeOutput struct {
	Short    textOrList `json:"short"`
	Detailed textOrList `json:"detailed"`
}

func (u *Upstream) summarize(ctx context.Context, in StageInput) (domain.Patch, error) {
	out, err := callStage[summarizeOutput](ctx, u, domain.StageSummarize, summarizePrompt, in)
	if err != nil {
		return nil, err
	}
	return domain.SummarizePatch{Summary: domain.Summary{
		Short:    strings.TrimSpace(string(out.Short)),
		Detailed: strings.TrimSpace(string(out.Detailed)),
	}}, nil
}

type biasOutput struct {
	Score       *float64 `json:"score"`
	Explanation string   `json:"explanation"`
}

func (u *Upstream) bias(ctx context.Context, in StageInput) (domain.Patch, error) {
	if !in.IsPrivileged {
		return domain.RestrictedBias(), nil
	}

	out, err := callStage[biasOutput](ctx, u, domain.StageBias, biasPrompt, in)
	if err != nil {
		return nil, err
	}
	score := 0.0
	if out.Score != nil {
		score = clamp01(*out.Score)
	}
	return domain.BiasPatch{Bias: domain.Bias{Score: &score, Explanation: out.Explanation}}, nil
}

type explainOutput struct {
	ELI5      string `json:"eli5"`
	Interview string `json:"interview"`
}

func (u *Upstream) explain(ctx context.Context, in StageInput) (domain.Patch, error) {
	out, err := callStage[explainOutput](ctx, u, domain.StageExplain, explainPrompt, in)
	if err != nil {
		return nil, err
	}
	return domain.ExplainPatch{Explanation: domain.Explanation{
		ELI5:      out.ELI5,
		Interview: out.Interview,
	}}, nil
}

var (
	htmlTag    = regexp.MustCompile(`<[^>]+>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// StripHTML removes markup and collapses whitespace.
func StripHTML(s string) string {
	s = htmlTag.ReplaceAllString(s, " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// normalize maps v case-insensitively onto allowed, or returns fallback.
func normalize(v string, allowed []string, fallback string) string {
	v = strings.TrimSpace(v)
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a
		}
	}
	return fallback
}

func dedupeTags(tags []string, max int) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}
