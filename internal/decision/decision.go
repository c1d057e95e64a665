// Package decision combines triggered rules and the model score into a decision.
package decision

import "github.com/opensource-finance/harrier/internal/domain"

// Policy holds the score thresholds.
type Policy struct {
	// Scores at or above ReviewThreshold are sent to review.
	ReviewThreshold float64

	// Scores at or above RejectThreshold are rejected.
	RejectThreshold float64
}

// DefaultPolicy returns thresholds 0.5 (review) and 0.8 (reject).
func DefaultPolicy() Policy {
	return Policy{ReviewThreshold: 0.5, RejectThreshold: 0.8}
}

// NewPolicy takes the thresholds from pipeline config as given. Defaults
// live in domain.DefaultConfig.
func NewPolicy(cfg domain.PipelineConfig) Policy {
	return Policy{
		ReviewThreshold: cfg.ReviewThreshold,
		RejectThreshold: cfg.RejectThreshold,
	}
}

// Decide applies, in order: any triggered rule forces REVIEW, then the
// reject threshold, then the review threshold.
func (p Policy) Decide(triggered []string, score float64) domain.Decision {
	switch {
	case len(triggered) > 0:
		return domain.DecisionReview
	case score >= p.RejectThreshold:
		return domain.DecisionReject
	case score >= p.ReviewThreshold:
		return domain.DecisionReview
	default:
		return domain.DecisionApprove
	}
}

// NeedsExplanation reports whether an explanation should be requested.
// The score comparison is strict.
func (p Policy) NeedsExplanation(triggered []string, score float64) bool {
	return score > p.ReviewThreshold || len(triggered) > 0
}
