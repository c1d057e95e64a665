package domain

import "time"

// AuditLog is the append-only record of one evaluation.
type AuditLog struct {
	ID          string    `json:"id"`
	ApplicantID string    `json:"applicantId"`
	Decision    Decision  `json:"decision"`
	Score       float64   `json:"score"`
	RuleFlags   string    `json:"ruleFlags"`
	Explanation string    `json:"explanation,omitempty"`
	RawPayload  string    `json:"rawPayload"`
	CreatedAt   time.Time `json:"createdAt"`
}
