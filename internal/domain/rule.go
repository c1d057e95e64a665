package domain

import "time"

// RuleType distinguishes leaf rules from rules that combine other rules.
type RuleType string

const (
	RuleSimple    RuleType = "SIMPLE"
	RuleComposite RuleType = "COMPOSITE"
)

// Operator combines the sub-rules of a composite rule.
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// Rule is an operator-defined fraud rule.
type Rule struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type RuleType `json:"type"`

	// Condition is a boolean expression over attribute names.
	// Composite rules ignore it.
	Condition string `json:"condition,omitempty"`

	// Operator and SubRules apply to composite rules only.
	// Any operator other than AND behaves as OR.
	Operator Operator `json:"operator,omitempty"`
	SubRules []string `json:"subRules,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsComposite reports whether the rule combines sub-rules.
func (r *Rule) IsComposite() bool {
	return r.Type == RuleComposite
}

// Validate checks the structural fields of a rule before it is stored.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return ErrInvalidInput
	}
	switch r.Type {
	case RuleSimple:
		if r.Condition == "" {
			return ErrInvalidInput
		}
	case RuleComposite:
	default:
		return ErrInvalidInput
	}
	return nil
}
