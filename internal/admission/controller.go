package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/telemetry"
)

// Unlimited disables the daily quota for a tier.
const Unlimited = -1

// Config holds admission limits.
type Config struct {
	// RateLimitPerMinute is the sliding-window ceiling. 0 disables the rate gate.
	RateLimitPerMinute int
	// DailyLimits maps tier to requests per UTC day. Missing tiers are unlimited.
	DailyLimits map[domain.Tier]int
	// FailClosed rejects requests when the store is unavailable.
	FailClosed bool
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		RateLimitPerMinute: 120,
		DailyLimits: map[domain.Tier]int{
			domain.TierStandard: 50,
			domain.TierPremium:  Unlimited,
		},
	}
}

// Controller implements ports.AdmissionPolicy. The rate gate runs first so
// requests it rejects never consume daily quota.
type Controller struct {
	cfg     Config
	window  *SlidingWindow
	daily   *DailyQuota
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

var _ ports.AdmissionPolicy = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMetrics records admission outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source for both gates.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.window.now = now
		c.daily.now = now
	}
}

// NewController creates an admission controller over store.
func NewController(store ports.KVStore, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		window: NewSlidingWindow(store, cfg.RateLimitPerMinute, DefaultWindow, nil),
		daily:  NewDailyQuota(store, nil),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) dailyLimit(tier domain.Tier) int {
	if limit, ok := c.cfg.DailyLimits[tier]; ok {
		return limit
	}
	return Unlimited
}

// CheckRequest applies the rate gate then the daily quota for req.Caller.
func (c *Controller) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	if req == nil || req.Caller.ID == "" {
		return nil, domain.ErrInvalidRequest("admission check requires a caller")
	}
	caller := req.Caller
	decision := &ports.PolicyDecision{Allow: true, Outcome: ports.OutcomeAllowed}

	if c.cfg.RateLimitPerMinute > 0 {
		res, err := c.window.Allow(ctx, caller.ID)
		if err != nil {
			return c.storeFailure(caller, err)
		}
		decision.RateLimitInfo = &ports.RateLimitInfo{
			Limit:     res.Limit,
			Remaining: res.Remaining,
			ResetAt:   res.ResetAt.Unix(),
		}
		if !res.Allowed {
			decision.Allow = false
			decision.Outcome = ports.OutcomeRateLimited
			decision.Reason = fmt.Sprintf("rate limit of %d requests per minute exceeded", res.Limit)
			decision.RetryAfter = retryAfter(c.window.now(), res.ResetAt)
			c.record(decision, caller)
			return decision, nil
		}
	}

	res, err := c.daily.Allow(ctx, caller.ID, c.dailyLimit(caller.Tier))
	if err != nil {
		return c.storeFailure(caller, err)
	}
	if !res.Allowed {
		decision.Allow = false
		decision.Outcome = ports.OutcomeDailyQuotaExceeded
		decision.Reason = fmt.Sprintf("daily limit of %d requests reached", res.Limit)
		decision.RetryAfter = retryAfter(c.daily.now(), res.ResetAt)
	}

	c.record(decision, caller)
	return decision, nil
}

func (c *Controller) storeFailure(caller domain.Caller, err error) (*ports.PolicyDecision, error) {
	if c.cfg.FailClosed {
		c.metrics.RecordAdmission("error", string(caller.Tier))
		return nil, domain.ErrServer("admission store unavailable", err)
	}
	c.logger.Error("admission store unavailable, allowing request",
		slog.String("caller", caller.ID),
		slog.String("error", err.Error()),
	)
	c.metrics.RecordAdmission("fail_open", string(caller.Tier))
	return &ports.PolicyDecision{
		Allow:   true,
		Outcome: ports.OutcomeAllowed,
		Reason:  "admission store unavailable",
	}, nil
}

func (c *Controller) record(d *ports.PolicyDecision, caller domain.Caller) {
	c.metrics.RecordAdmission(string(d.Outcome), string(caller.Tier))
	if !d.Allow {
		c.logger.Info("request rejected by admission",
			slog.String("caller", caller.ID),
			slog.String("outcome", string(d.Outcome)),
			slog.Duration("retry_after", d.RetryAfter),
		)
	}
}

func retryAfter(now, reset time.Time) time.Duration {
	d := reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Truncate(time.Second)
}
