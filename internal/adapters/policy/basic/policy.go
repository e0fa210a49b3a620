// Package basic provides an admission policy that admits every request.
package basic

import (
	"context"

	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
)

// Policy implements ports.AdmissionPolicy with no restrictions.
// Used when admission is disabled in configuration.
type Policy struct{}

var _ ports.AdmissionPolicy = (*Policy)(nil)

// NewPolicy creates a new basic policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// CheckRequest always allows requests.
func (p *Policy) CheckRequest(ctx context.Context, req *ports.PolicyRequest) (*ports.PolicyDecision, error) {
	return &ports.PolicyDecision{
		Allow:   true,
		Outcome: ports.OutcomeAllowed,
		Reason:  "admission disabled",
	}, nil
}
