package domain

import "fmt"

// Tier is a caller's service level.
type Tier string

const (
	// TierStandard callers are rate-limited, daily-capped and served from cache.
	TierStandard Tier = "standard"
	// TierPremium callers are privileged: higher ceilings, no cache, bias scores.
	TierPremium Tier = "premium"
)

// ParseTier parses a configured tier name. Empty means standard.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierStandard:
		return TierStandard, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Caller identifies who is asking for a pipeline run.
type Caller struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
}

// Privileged reports whether the caller is exempt from caching and bias restrictions.
func (c Caller) Privileged() bool {
	return c.Tier == TierPremium
}
