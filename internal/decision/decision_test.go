package decision

import (
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestDecide(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		triggered []string
		score     float64
		want      domain.Decision
	}{
		{"rule wins over low score", []string{"Velocity Rule"}, 0.01, domain.DecisionReview},
		{"rule wins over reject score", []string{"Velocity Rule"}, 0.95, domain.DecisionReview},
		{"just below reject", nil, 0.79, domain.DecisionReview},
		{"reject boundary", nil, 0.8, domain.DecisionReject},
		{"review boundary", nil, 0.5, domain.DecisionReview},
		{"just below review", nil, 0.49, domain.DecisionApprove},
		{"neutral score", nil, 0.0, domain.DecisionApprove},
		{"empty rule list", []string{}, 0.2, domain.DecisionApprove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.triggered, tt.score); got != tt.want {
				t.Errorf("Decide(%v, %v) = %s, want %s", tt.triggered, tt.score, got, tt.want)
			}
		})
	}
}

func TestNeedsExplanation(t *testing.T) {
	p := DefaultPolicy()

	if p.NeedsExplanation(nil, 0.5) {
		t.Error("score equal to review threshold should not request an explanation")
	}
	if !p.NeedsExplanation(nil, 0.51) {
		t.Error("score above review threshold should request an explanation")
	}
	if !p.NeedsExplanation([]string{"r"}, 0) {
		t.Error("triggered rules should request an explanation")
	}
}

func TestNewPolicy(t *testing.T) {
	p := NewPolicy(domain.DefaultConfig().Pipeline)
	if p != DefaultPolicy() {
		t.Errorf("default config should give default policy, got %+v", p)
	}

	// A zero review threshold sends every non-rejected score to review.
	p = NewPolicy(domain.PipelineConfig{ReviewThreshold: 0, RejectThreshold: 0.9})
	if p.ReviewThreshold != 0 || p.RejectThreshold != 0.9 {
		t.Fatalf("thresholds not taken as given: %+v", p)
	}
	if got := p.Decide(nil, 0); got != domain.DecisionReview {
		t.Errorf("score 0 with review threshold 0 = %s, want REVIEW", got)
	}
}
