package scoring

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// UnavailableExplanation is returned when the explanation service fails.
func UnavailableExplanation() *domain.Explanation {
	return &domain.Explanation{
		Reasoning:  "Explanation unavailable",
		Category:   "UNKNOWN",
		Confidence: 0,
	}
}

// ExplainRequest carries the evaluation context sent to the explainer.
type ExplainRequest struct {
	ApplicantID string         `json:"applicantId"`
	Attributes  map[string]any `json:"attributes"`
	RuleFlags   []string       `json:"ruleFlags"`
	TopFeatures TopSignals     `json:"topFeatures"`
	AIScore     float64        `json:"aiScore"`
}

// TopSignals encodes as an ordered JSON object of signal to contribution.
type TopSignals []features.SignalContribution

// MarshalJSON keeps ranking order in the encoded object.
func (ts TopSignals) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range ts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(c.Signal))
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(c.Contribution, 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Explainer produces a narrative for an evaluation. Implementations never
// return an error or nil.
type Explainer interface {
	Explain(ctx context.Context, req ExplainRequest) *domain.Explanation
}

// HTTPExplainer calls POST {baseURL}/explain.
type HTTPExplainer struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPExplainer creates an explainer for the service at baseURL.
func NewHTTPExplainer(baseURL string, timeouts Timeouts) *HTTPExplainer {
	return &HTTPExplainer{
		baseURL: baseURL,
		client:  newHTTPClient(timeouts),
		logger:  slog.Default().With("component", "explainer"),
	}
}

// Explain returns the service explanation or UnavailableExplanation on failure.
func (e *HTTPExplainer) Explain(ctx context.Context, req ExplainRequest) *domain.Explanation {
	if req.RuleFlags == nil {
		req.RuleFlags = []string{}
	}

	var resp domain.Explanation
	if err := postJSON(ctx, e.client, e.baseURL, "/explain", req, &resp); err != nil {
		e.logger.WarnContext(ctx, "explanation failed, using placeholder", "applicant_id", req.ApplicantID, "error", err)
		metrics.DownstreamFallbacks.WithLabelValues("explainer").Inc()
		return UnavailableExplanation()
	}
	return &resp
}
