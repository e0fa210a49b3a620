// Package ports defines the core interfaces for the pipeline.
// This file contains admission control and result cache interfaces.
package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
)

// AdmissionOutcome is the result class of an admission check.
type AdmissionOutcome string

const (
	OutcomeAllowed            AdmissionOutcome = "allowed"
	OutcomeRateLimited        AdmissionOutcome = "rate_limited"
	OutcomeDailyQuotaExceeded AdmissionOutcome = "daily_quota_exceeded"
)

// AdmissionPolicy gates entry into the pipeline.
// Implementations: sliding window + daily quota, allow-all.
type AdmissionPolicy interface {
	CheckRequest(ctx context.Context, req *PolicyRequest) (*PolicyDecision, error)
}

// PolicyRequest contains request context for policy checks.
type PolicyRequest struct {
	Caller domain.Caller
}

// PolicyDecision is the result of a policy check.
type PolicyDecision struct {
	Allow         bool
	Outcome       AdmissionOutcome
	Reason        string
	RetryAfter    time.Duration
	RateLimitInfo *RateLimitInfo
}

// Err converts a rejection into the domain taxonomy. Nil when allowed.
func (d *PolicyDecision) Err() error {
	if d == nil || d.Allow {
		return nil
	}
	switch d.Outcome {
	case OutcomeDailyQuotaExceeded:
		return domain.ErrDailyQuotaExceeded(d.Reason, d.RetryAfter)
	default:
		return domain.ErrRateLimited(d.Reason, d.RetryAfter)
	}
}

// RateLimitInfo contains rate limit information.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   int64 // Unix timestamp
}

// ResultCache memoizes pipeline output per owner.
type ResultCache interface {
	Get(ctx context.Context, key domain.OwnerKey) (*domain.CacheEntry, bool, error)
	Put(ctx context.Context, key domain.OwnerKey, payload any, ttl time.Duration) (*domain.CacheEntry, error)
}
