package domain

// Decision is the outcome of an evaluation.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionReject  Decision = "REJECT"
)

// NeedsCase reports whether the decision opens an investigation case.
func (d Decision) NeedsCase() bool {
	return d == DecisionReview || d == DecisionReject
}

// Explanation is the narrative produced by the explanation service.
type Explanation struct {
	Reasoning  string  `json:"reasoning"`
	Category   string  `json:"riskCategory"`
	Confidence float64 `json:"confidence"`
}

// EvaluationResult is returned to the caller and stored in the cache.
type EvaluationResult struct {
	Decision       Decision     `json:"decision"`
	Score          float64      `json:"score"`
	TriggeredRules []string     `json:"triggeredRules"`
	Explanation    *Explanation `json:"explanation,omitempty"`
}

// EvaluateRequest is the body of an evaluation request.
type EvaluateRequest struct {
	ApplicantID string         `json:"applicantId"`
	Attributes  map[string]any `json:"attributes"`
}

// EvaluateResponse is the body of an async evaluation result on the bus.
type EvaluateResponse struct {
	ApplicantID string            `json:"applicantId"`
	Result      *EvaluationResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// EvaluationCacheKey returns the cache key for an applicant.
func EvaluationCacheKey(applicantID string) string {
	return "fraud:eval:" + applicantID
}
