package domain

// Stage names in topology order.
const (
	StageCollect   = "collect"
	StageClassify  = "classify"
	StageSummarize = "summarize"
	StageBias      = "score-bias"
	StageExplain   = "explain"
)

// DefaultQualityScore is the score a run starts with before collect reports one.
const DefaultQualityScore = 1.0

// BiasRestricted is the explanation returned to callers who may not see bias scores.
const BiasRestricted = "restricted"

// Classification is the classify stage output.
type Classification struct {
	Category  string   `json:"category"`
	Sentiment string   `json:"sentiment"`
	Tags      []string `json:"tags"`
}

// Summary is the summarize stage output.
type Summary struct {
	Short    string `json:"short"`
	Detailed string `json:"detailed"`
}

// Bias is the score-bias stage output. Score is nil when the feature is restricted.
type Bias struct {
	Score       *float64 `json:"score"`
	Explanation string   `json:"explanation"`
}

// Explanation is the explain stage output.
type Explanation struct {
	ELI5      string `json:"eli5"`
	Interview string `json:"interview"`
}

// PipelineState is the single record threaded through one pipeline run.
// It is owned by exactly one run and never shared.
type PipelineState struct {
	SubjectID      string          `json:"subject_id"`
	Title          string          `json:"title"`
	Content        string          `json:"content"`
	IsPrivileged   bool            `json:"is_privileged"`
	QualityScore   float64         `json:"quality_score"`
	Classification *Classification `json:"classification,omitempty"`
	Summary        *Summary        `json:"summary,omitempty"`
	Bias           *Bias           `json:"bias,omitempty"`
	Explanation    *Explanation    `json:"explanation,omitempty"`
	Errors         []string        `json:"errors"`

	collected bool
	claimed   bool
}

// NewPipelineState creates the initial state for a run.
func NewPipelineState(subjectID, title, content string, privileged bool) *PipelineState {
	return &PipelineState{
		SubjectID:    subjectID,
		Title:        title,
		Content:      content,
		IsPrivileged: privileged,
		QualityScore: DefaultQualityScore,
		Errors:       []string{},
	}
}

// Collected reports whether the collect stage has merged its output.
func (s *PipelineState) Collected() bool {
	return s.collected
}

// Claim marks the state as owned by a run. It returns false if a run
// already claimed it; states are not restartable.
func (s *PipelineState) Claim() bool {
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

// AddError appends a note to the ordered error list.
func (s *PipelineState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// Patch is a narrow, stage-owned update to a PipelineState.
// Apply writes only the owning stage's field and never overwrites a value
// that a previous Apply already set.
type Patch interface {
	Stage() string
	Apply(s *PipelineState)
}

// CollectPatch carries the quality score.
type CollectPatch struct {
	QualityScore float64
	// Note is appended to Errors when non-empty (e.g. collector rejection).
	Note string
}

func (CollectPatch) Stage() string { return StageCollect }

func (p CollectPatch) Apply(s *PipelineState) {
	if s.collected {
		return
	}
	s.QualityScore = p.QualityScore
	s.collected = true
	if p.Note != "" {
		s.AddError(p.Note)
	}
}

// ClassifyPatch carries the classification.
type ClassifyPatch struct {
	Classification Classification
}

func (ClassifyPatch) Stage() string { return StageClassify }

func (p ClassifyPatch) Apply(s *PipelineState) {
	if s.Classification != nil {
		return
	}
	c := p.Classification
	c.Tags = append([]string(nil), p.Classification.Tags...)
	s.Classification = &c
}

// SummarizePatch carries the summary.
type SummarizePatch struct {
	Summary Summary
}

func (SummarizePatch) Stage() string { return StageSummarize }

func (p SummarizePatch) Apply(s *PipelineState) {
	if s.Summary != nil {
		return
	}
	sum := p.Summary
	s.Summary = &sum
}

// BiasPatch carries the bias score.
type BiasPatch struct {
	Bias Bias
}

func (BiasPatch) Stage() string { return StageBias }

func (p BiasPatch) Apply(s *PipelineState) {
	if s.Bias != nil {
		return
	}
	b := p.Bias
	if p.Bias.Score != nil {
		score := *p.Bias.Score
		b.Score = &score
	}
	s.Bias = &b
}

// RestrictedBias is the fixed output for callers without the bias feature.
func RestrictedBias() BiasPatch {
	return BiasPatch{Bias: Bias{Score: nil, Explanation: BiasRestricted}}
}

// ExplainPatch carries the explanation.
type ExplainPatch struct {
	Explanation Explanation
}

func (ExplainPatch) Stage() string { return StageExplain }

func (p ExplainPatch) Apply(s *PipelineState) {
	if s.Explanation != nil {
		return
	}
	e := p.Explanation
	s.Explanation = &e
}
