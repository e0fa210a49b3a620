// Package service is the entry point for one analysis request: admission,
// per-caller result cache, then the stage graph.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tjfontaine/insight-pipeline/internal/cache"
	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

// Runner executes the stage graph.
type Runner interface {
	Run(ctx context.Context, state *domain.PipelineState) <-chan domain.ProgressEvent
}

// Request is one analysis request.
type Request struct {
	SubjectID string `json:"subject_id" validate:"required,max=256"`
	Title     string `json:"title" validate:"required_without=Content,max=1024"`
	Content   string `json:"content" validate:"required_without=Title,max=200000"`
}

// Config configures a Service.
type Config struct {
	Admission ports.AdmissionPolicy
	Cache     ports.ResultCache
	Runner    Runner
	// CacheTTL is passed to the cache on every write; 0 uses the cache default.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Service coordinates admission, caching and pipeline runs.
type Service struct {
	admission ports.AdmissionPolicy
	cache     ports.ResultCache
	runner    Runner
	cacheTTL  time.Duration
	logger    *slog.Logger
	validate  *validator.Validate
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		admission: cfg.Admission,
		cache:     cfg.Cache,
		runner:    cfg.Runner,
		cacheTTL:  cfg.CacheTTL,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Validate checks req's fields.
func (s *Service) Validate(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return domain.ErrInvalidRequest("invalid field " + verrs[0].Field() + ": " + verrs[0].Tag())
		}
		return domain.ErrInvalidRequest(err.Error())
	}
	return nil
}

// CheckAdmission applies the admission policy. The decision is returned even
// when the request is rejected; the error is then the decision's domain error.
func (s *Service) CheckAdmission(ctx context.Context, caller domain.Caller) (*ports.PolicyDecision, error) {
	decision, err := s.admission.CheckRequest(ctx, &ports.PolicyRequest{Caller: caller})
	if err != nil {
		return nil, err
	}
	return decision, decision.Err()
}

// CacheLookup returns caller's fresh cached result for subjectID, if any.
func (s *Service) CacheLookup(ctx context.Context, caller domain.Caller, subjectID string) (*domain.PipelineState, bool, error) {
	entry, ok, err := s.cache.Get(ctx, domain.AnalysisKey(caller.ID, subjectID))
	if err != nil || !ok {
		return nil, false, err
	}
	var state domain.PipelineState
	if err := cache.Decode(entry, &state); err != nil {
		return nil, false, err
	}
	return &state, true, nil
}

// CacheStore records state as caller's latest result for its subject.
func (s *Service) CacheStore(ctx context.Context, caller domain.Caller, state *domain.PipelineState) error {
	_, err := s.cache.Put(ctx, domain.AnalysisKey(caller.ID, state.SubjectID), state, s.cacheTTL)
	return err
}

// RunPipeline admits, then streams the analysis of req for caller.
func (s *Service) RunPipeline(ctx context.Context, caller domain.Caller, req Request) (<-chan domain.ProgressEvent, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if _, err := s.CheckAdmission(ctx, caller); err != nil {
		return nil, err
	}
	return s.StartPipeline(ctx, caller, req)
}

// StartPipeline streams the analysis of an already admitted request.
// Standard-tier callers are served from the cache when a fresh entry exists,
// and every completed run refreshes it. Privileged callers always run fresh.
func (s *Service) StartPipeline(ctx context.Context, caller domain.Caller, req Request) (<-chan domain.ProgressEvent, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	logger := s.logger.With(
		slog.String("caller", caller.ID),
		slog.String("subject_id", req.SubjectID),
	)

	privileged := caller.Privileged()
	if !privileged {
		state, ok, err := s.CacheLookup(ctx, caller, req.SubjectID)
		if err != nil {
			logger.Warn("cache lookup failed, running pipeline", slog.String("error", err.Error()))
		}
		if ok {
			logger.Debug("serving cached analysis")
			return cachedStream(ctx, state), nil
		}
	}

	state := domain.NewPipelineState(req.SubjectID, req.Title, req.Content, privileged)
	events := s.runner.Run(ctx, state)
	if privileged {
		return events, nil
	}

	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Status == domain.StatusComplete && ev.Result != nil {
				if err := s.CacheStore(ctx, caller, ev.Result); err != nil {
					logger.Warn("failed to cache analysis", slog.String("error", err.Error()))
				}
			}
			if !forward(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

// terminalGrace bounds delivery of a terminal event once ctx has expired.
const terminalGrace = 2 * time.Second

// forward sends ev to out until ctx is done. Terminal events still get
// through after a deadline so the consumer learns how the run ended.
func forward(ctx context.Context, out chan<- domain.ProgressEvent, ev domain.ProgressEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
	}
	if !ev.Terminal() || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	t := time.NewTimer(terminalGrace)
	defer t.Stop()
	select {
	case out <- ev:
		return true
	case <-t.C:
		return false
	}
}

func cachedStream(ctx context.Context, state *domain.PipelineState) <-chan domain.ProgressEvent {
	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		complete := domain.Complete(state)
		complete.Cached = true
		for _, ev := range []domain.ProgressEvent{domain.Starting(), complete} {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Collect drains events and returns the final state.
func Collect(ctx context.Context, events <-chan domain.ProgressEvent) (*domain.PipelineState, bool, error) {
	for ev := range events {
		switch ev.Status {
		case domain.StatusComplete:
			return ev.Result, ev.Cached, nil
		case domain.StatusError:
			return nil, false, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, domain.ErrServer("analysis ended without a result", nil)
}
