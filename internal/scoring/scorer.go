package scoring

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/metrics"
)

var errMissingScore = errors.New("response has no score")

// NeutralScore is used whenever the model cannot be reached.
const NeutralScore = 0.0

// ScoreResult is the model output.
type ScoreResult struct {
	Score float64

	// Detail is the per-feature output of the model. May be empty.
	Detail map[string]float64

	// Fallback is set when Score is the neutral value from a failed call.
	Fallback bool
}

// Scorer scores a feature vector. Implementations never return an error.
type Scorer interface {
	Score(ctx context.Context, fv features.FeatureVector) ScoreResult
}

type scoreRequest struct {
	Features features.FeatureVector `json:"features"`
}

type scoreResponse struct {
	Score  *float64           `json:"score"`
	Result map[string]float64 `json:"result"`
}

// HTTPScorer calls POST {baseURL}/score.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPScorer creates a scorer for the model service at baseURL.
func NewHTTPScorer(baseURL string, timeouts Timeouts) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		client:  newHTTPClient(timeouts),
		logger:  slog.Default().With("component", "scorer"),
	}
}

// Score returns the model score, or NeutralScore with Fallback set on any failure.
func (s *HTTPScorer) Score(ctx context.Context, fv features.FeatureVector) ScoreResult {
	var resp scoreResponse
	err := postJSON(ctx, s.client, s.baseURL, "/score", scoreRequest{Features: fv}, &resp)
	if err == nil && resp.Score == nil {
		err = errMissingScore
	}
	if err != nil {
		s.logger.WarnContext(ctx, "scoring failed, using neutral score", "error", err)
		metrics.DownstreamFallbacks.WithLabelValues("scorer").Inc()
		return ScoreResult{Score: NeutralScore, Fallback: true}
	}

	return ScoreResult{Score: *resp.Score, Detail: resp.Result}
}
