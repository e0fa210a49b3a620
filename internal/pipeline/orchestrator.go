package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/telemetry"
)

// DefaultQualityThreshold is the score below which a run ends after collect.
const DefaultQualityThreshold = 0.3

// TerminalGrace bounds how long a terminal event is offered to the consumer
// after the run context has expired.
const TerminalGrace = 2 * time.Second

// Options configures an Orchestrator.
type Options struct {
	QualityThreshold float64
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
	Tracer           trace.Tracer
}

// Orchestrator runs the fixed stage graph.
type Orchestrator struct {
	stages    Stages
	threshold float64
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// NewOrchestrator creates an orchestrator over stages.
func NewOrchestrator(stages Stages, opts Options) *Orchestrator {
	o := &Orchestrator{
		stages:    stages,
		threshold: opts.QualityThreshold,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	if o.threshold <= 0 {
		o.threshold = DefaultQualityThreshold
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = telemetry.Tracer()
	}
	return o
}

// StageError wraps an escalated stage failure with the stage name.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStageError returns true if err is a stage failure.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// run is the per-invocation emitter. All sends block until the consumer
// reads or the context ends.
type run struct {
	ctx context.Context
	out chan<- domain.ProgressEvent
}

func (r *run) emit(ev domain.ProgressEvent) bool {
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// emitDetached delivers ev regardless of the run context, giving up after
// TerminalGrace if nobody reads.
func (r *run) emitDetached(ev domain.ProgressEvent) bool {
	t := time.NewTimer(TerminalGrace)
	defer t.Stop()
	select {
	case r.out <- ev:
		return true
	case <-t.C:
		return false
	}
}

// Run executes the graph over state and streams its events. The channel is
// closed after the terminal event, or without one if ctx is cancelled. An
// expired ctx deadline ends the stream with an upstream_timeout error event.
func (o *Orchestrator) Run(ctx context.Context, state *domain.PipelineState) <-chan domain.ProgressEvent {
	out := make(chan domain.ProgressEvent)

	if state == nil || !state.Claim() {
		go func() {
			defer close(out)
			err := domain.ErrInvalidRequest("pipeline state already consumed by another run")
			if state == nil {
				err = domain.ErrInvalidRequest("nil pipeline state")
			}
			r := &run{ctx: ctx, out: out}
			r.emit(domain.Failed("", err))
		}()
		return out
	}

	go func() {
		defer close(out)
		o.execute(ctx, state, &run{ctx: ctx, out: out})
	}()
	return out
}

func (o *Orchestrator) execute(ctx context.Context, state *domain.PipelineState, r *run) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("subject.id", state.SubjectID),
			attribute.Bool("caller.privileged", state.IsPrivileged),
		),
	)
	defer span.End()

	start := time.Now()
	logger := o.logger.With(slog.String("subject_id", state.SubjectID))
	status := "complete"
	defer func() {
		o.metrics.RecordRun(status)
		logger.Info("pipeline run finished",
			slog.String("status", status),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	// interrupted ends a run whose context is done. A caller disconnect closes
	// the stream silently; an expired deadline is reported as a timeout.
	interrupted := func(stage string) {
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = "cancelled"
			return
		}
		status = "timeout"
		err := domain.ErrUpstreamTimeout("pipeline deadline exceeded", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("pipeline deadline exceeded", slog.String("stage", stage))
		r.emitDetached(domain.Failed(stage, err))
	}

	if !r.emit(domain.Starting()) {
		interrupted("")
		return
	}

	in := StageInput{
		Title:        state.Title,
		Content:      StripHTML(state.Content),
		IsPrivileged: state.IsPrivileged,
	}

	steps := []struct {
		name string
		fn   StageFunc
	}{
		{domain.StageCollect, o.stages.Collect},
		{domain.StageClassify, o.stages.Classify},
		{domain.StageSummarize, o.stages.Summarize},
		{domain.StageBias, o.stages.Bias},
		{domain.StageExplain, o.stages.Explain},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			interrupted(step.name)
			return
		}

		patch, err := o.runStage(ctx, step.name, step.fn, in)
		if ctx.Err() != nil {
			// In-flight results are discarded once the context is done.
			interrupted(step.name)
			return
		}
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("pipeline stage failed",
				slog.String("stage", step.name),
				slog.String("error_code", string(domain.TypeOf(err))),
				slog.String("error", err.Error()),
			)
			r.emit(domain.Failed(step.name, &StageError{Stage: step.name, Err: err}))
			return
		}

		patch.Apply(state)
		if !r.emit(domain.Progress(step.name, progressMessage(step.name, state))) {
			interrupted(step.name)
			return
		}

		if step.name == domain.StageCollect && state.QualityScore < o.threshold {
			status = "gated"
			span.AddEvent("quality gate closed", trace.WithAttributes(
				attribute.Float64("quality.score", state.QualityScore),
			))
			break
		}
	}

	if !r.emit(domain.Complete(state)) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.emitDetached(domain.Complete(state)) {
			return
		}
		status = "cancelled"
	}
}

func (o *Orchestrator) runStage(ctx context.Context, name string, fn StageFunc, in StageInput) (domain.Patch, error) {
	if fn == nil {
		return nil, domain.ErrServer(fmt.Sprintf("stage %s is not configured", name), nil)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.stage."+name)
	defer span.End()

	start := time.Now()
	patch, err := fn(ctx, in)
	o.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if patch == nil || patch.Stage() != name {
		return nil, domain.ErrServer(fmt.Sprintf("stage %s returned a foreign patch", name), nil)
	}
	return patch, nil
}

func progressMessage(stage string, s *domain.PipelineState) string {
	switch stage {
	case domain.StageCollect:
		return fmt.Sprintf("quality score %.2f", s.QualityScore)
	case domain.StageClassify:
		if s.Classification != nil {
			return "classified as " + s.Classification.Category
		}
	case domain.StageSummarize:
		return "summary ready"
	case domain.StageBias:
		if s.Bias != nil && s.Bias.Score == nil {
			return "bias analysis " + domain.BiasRestricted
		}
		return "bias scored"
	case domain.StageExplain:
		return "explanation ready"
	}
	return stage + " done"
}

// Execute runs the graph to completion and returns the final state.
func (o *Orchestrator) Execute(ctx context.Context, state *domain.PipelineState) (*domain.PipelineState, error) {
	for ev := range o.Run(ctx, state) {
		switch ev.Status {
		case domain.StatusComplete:
			return ev.Result, nil
		case domain.StatusError:
			return nil, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, domain.ErrServer("pipeline ended without a terminal event", nil)
}
