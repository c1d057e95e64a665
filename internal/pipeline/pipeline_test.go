package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/harrier/internal/alert"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/scoring"
)

type fakeScorer struct {
	score  float64
	detail map[string]float64
	calls  atomic.Int32
}

func (s *fakeScorer) Score(ctx context.Context, fv features.FeatureVector) scoring.ScoreResult {
	s.calls.Add(1)
	return scoring.ScoreResult{Score: s.score, Detail: s.detail}
}

type fakeExplainer struct {
	calls atomic.Int32
	last  scoring.ExplainRequest
	mu    sync.Mutex
}

func (e *fakeExplainer) Explain(ctx context.Context, req scoring.ExplainRequest) *domain.Explanation {
	e.calls.Add(1)
	e.mu.Lock()
	e.last = req
	e.mu.Unlock()
	return &domain.Explanation{Reasoning: "velocity pattern", Category: "HIGH", Confidence: 0.9}
}

type staticRules struct {
	names []string
	err   error
}

func (r staticRules) Evaluate(ctx context.Context, attrs map[string]any) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out, nil
}

type memRecorder struct {
	mu    sync.Mutex
	logs  []*domain.AuditLog
	cases []*domain.Case
	err   error
}

func (m *memRecorder) RecordEvaluation(ctx context.Context, log *domain.AuditLog, c *domain.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, log)
	if c != nil {
		m.cases = append(m.cases, c)
	}
	return nil
}

type brokenTransformer struct {
	*features.Transformer
}

func (brokenTransformer) Transform(attrs map[string]any) (features.FeatureVector, error) {
	return nil, features.ErrFeatureCount
}

type recordingAlerts struct {
	mu    sync.Mutex
	cases []*domain.Case
}

func (a *recordingAlerts) Publish(ctx context.Context, c *domain.Case) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cases = append(a.cases, c)
	return nil
}

func newTransformer() *features.Transformer {
	return features.NewTransformer(features.NewSeededWeightMatrix(42), features.WithNoise(func() float64 { return 0 }))
}

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "harrier-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func velocityAttrs() map[string]any {
	return map[string]any{
		"amount":              5000,
		"email":               "a@b",
		"reapplyVelocityFlag": true,
	}
}

func TestVelocityRuleEndToEnd(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	if err := repo.SaveRule(ctx, &domain.Rule{
		ID:        "velocity",
		Name:      "Velocity Rule",
		Type:      domain.RuleSimple,
		Condition: "reapplyVelocityFlag == true",
		Enabled:   true,
	}); err != nil {
		t.Fatalf("failed to save rule: %v", err)
	}

	eb := bus.NewChannelBus(10)
	defer eb.Close()
	alerts := alert.NewBroadcaster(eb, 4)
	if err := alerts.Start(ctx); err != nil {
		t.Fatalf("failed to start broadcaster: %v", err)
	}
	defer alerts.Close()
	stream, unsubscribe := alerts.Subscribe()
	defer unsubscribe()

	scorer := &fakeScorer{score: 0.1}
	explainer := &fakeExplainer{}

	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       rules.NewEngine(repo, nil, 4),
		Transformer: newTransformer(),
		Scorer:      scorer,
		Explainer:   explainer,
		Recorder:    repo,
		Cache:       cache.NewLRUCache(100),
		Alerts:      alerts,
	})

	result, err := p.Evaluate(ctx, "applicant-1", velocityAttrs())
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if len(result.TriggeredRules) != 1 || result.TriggeredRules[0] != "Velocity Rule" {
		t.Errorf("expected [Velocity Rule], got %v", result.TriggeredRules)
	}
	if result.Decision != domain.DecisionReview {
		t.Errorf("expected REVIEW, got %s", result.Decision)
	}
	if result.Explanation == nil || explainer.calls.Load() != 1 {
		t.Error("expected one explanation for a triggered rule")
	}
	if got := explainer.last.RuleFlags; len(got) != 1 || got[0] != "Velocity Rule" {
		t.Errorf("explainer got rule flags %v", got)
	}

	logs, err := repo.ListAuditLogs(ctx, "applicant-1")
	if err != nil {
		t.Fatalf("failed to list audit logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit log, got %d", len(logs))
	}
	if logs[0].RuleFlags != "Velocity Rule" || logs[0].Decision != domain.DecisionReview {
		t.Errorf("unexpected audit log: %+v", logs[0])
	}

	cases, err := repo.ListCases(ctx, domain.CaseFilter{Status: domain.CaseOpen})
	if err != nil {
		t.Fatalf("failed to list cases: %v", err)
	}
	if len(cases) != 1 || cases[0].AuditLogID != logs[0].ID {
		t.Fatalf("expected one open case for the audit log, got %+v", cases)
	}

	select {
	case c := <-stream:
		if c.ID != cases[0].ID {
			t.Errorf("alert for wrong case: %s", c.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}

func TestDecisionThresholds(t *testing.T) {
	tests := []struct {
		name        string
		score       float64
		rules       []string
		want        domain.Decision
		wantExplain bool
	}{
		{"LowScoreApproves", 0.49, nil, domain.DecisionApprove, false},
		{"ReviewThresholdInclusive", 0.5, nil, domain.DecisionReview, false},
		{"JustBelowReject", 0.79, nil, domain.DecisionReview, true},
		{"RejectThresholdInclusive", 0.8, nil, domain.DecisionReject, true},
		{"RuleBeatsLowScore", 0.01, []string{"Blocklist"}, domain.DecisionReview, true},
		{"RuleBeatsRejectScore", 0.95, []string{"Blocklist"}, domain.DecisionReview, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memRecorder{}
			explainer := &fakeExplainer{}
			alerts := &recordingAlerts{}

			p := New(domain.DefaultConfig().Pipeline, Deps{
				Rules:       staticRules{names: tt.rules},
				Transformer: newTransformer(),
				Scorer:      &fakeScorer{score: tt.score},
				Explainer:   explainer,
				Recorder:    rec,
				Alerts:      alerts,
			})

			result, err := p.Evaluate(context.Background(), "applicant", map[string]any{"amount": 10})
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if result.Decision != tt.want {
				t.Errorf("expected %s, got %s", tt.want, result.Decision)
			}
			if got := explainer.calls.Load() == 1; got != tt.wantExplain {
				t.Errorf("explanation called = %v, want %v", got, tt.wantExplain)
			}
			if (result.Explanation != nil) != tt.wantExplain {
				t.Errorf("explanation present = %v, want %v", result.Explanation != nil, tt.wantExplain)
			}

			if len(rec.logs) != 1 {
				t.Fatalf("expected 1 audit log, got %d", len(rec.logs))
			}
			wantCase := tt.want.NeedsCase()
			if (len(rec.cases) == 1) != wantCase {
				t.Errorf("case opened = %v, want %v", len(rec.cases) == 1, wantCase)
			}
			if (len(alerts.cases) == 1) != wantCase {
				t.Errorf("alert published = %v, want %v", len(alerts.cases) == 1, wantCase)
			}
			if wantCase && rec.cases[0].AuditLogID != rec.logs[0].ID {
				t.Error("case does not reference its audit log")
			}
		})
	}
}

func TestCacheIdempotence(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	scorer := &fakeScorer{score: 0.6, detail: map[string]float64{"V1": 0.4, "V2": 0.2}}

	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       staticRules{},
		Transformer: newTransformer(),
		Scorer:      scorer,
		Explainer:   &fakeExplainer{},
		Recorder:    repo,
		Cache:       cache.NewLRUCache(100),
	})

	first, err := p.Evaluate(ctx, "applicant-7", map[string]any{"amount": 250.5})
	if err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}
	second, err := p.Evaluate(ctx, "applicant-7", map[string]any{"amount": 99999})
	if err != nil {
		t.Fatalf("second evaluate failed: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("cached result differs:\n%s\n%s", a, b)
	}
	if scorer.calls.Load() != 1 {
		t.Errorf("expected scorer called once, got %d", scorer.calls.Load())
	}

	logs, err := repo.ListAuditLogs(ctx, "applicant-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Errorf("expected exactly 1 audit row, got %d", len(logs))
	}

	if err := p.Invalidate(ctx, "applicant-7"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, err := p.Evaluate(ctx, "applicant-7", map[string]any{"amount": 1}); err != nil {
		t.Fatal(err)
	}
	if scorer.calls.Load() != 2 {
		t.Errorf("expected re-scoring after invalidate, got %d calls", scorer.calls.Load())
	}
}

func TestAuditFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	lru := cache.NewLRUCache(10)
	alerts := &recordingAlerts{}

	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       staticRules{names: []string{"Any"}},
		Transformer: newTransformer(),
		Scorer:      &fakeScorer{score: 0.9},
		Explainer:   &fakeExplainer{},
		Recorder:    &memRecorder{err: errors.New("disk full")},
		Cache:       lru,
		Alerts:      alerts,
	})

	if _, err := p.Evaluate(ctx, "applicant-x", map[string]any{}); err == nil {
		t.Fatal("expected error when audit write fails")
	}

	data, _ := lru.Get(ctx, domain.EvaluationCacheKey("applicant-x"))
	if data != nil {
		t.Error("failed evaluation must not be cached")
	}
	if len(alerts.cases) != 0 {
		t.Error("failed evaluation must not publish an alert")
	}
}

// cancellingRules cancels the caller's context while rules run.
type cancellingRules struct {
	cancel context.CancelFunc
	names  []string
}

func (r cancellingRules) Evaluate(ctx context.Context, attrs map[string]any) ([]string, error) {
	r.cancel()
	return r.names, nil
}

// ctxScorer records whether it saw a cancelled context.
type ctxScorer struct {
	cancelled atomic.Bool
}

func (s *ctxScorer) Score(ctx context.Context, fv features.FeatureVector) scoring.ScoreResult {
	s.cancelled.Store(ctx.Err() != nil)
	return scoring.ScoreResult{Score: 0.3}
}

func TestCallerCancellationDoesNotAbortEvaluation(t *testing.T) {
	repo := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scorer := &ctxScorer{}
	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       cancellingRules{cancel: cancel, names: []string{"Velocity Rule"}},
		Transformer: newTransformer(),
		Scorer:      scorer,
		Explainer:   &fakeExplainer{},
		Recorder:    repo,
		Cache:       cache.NewLRUCache(10),
	})

	result, err := p.Evaluate(ctx, "applicant-gone", velocityAttrs())
	if err != nil {
		t.Fatalf("Evaluate failed after caller cancelled: %v", err)
	}
	if result.Decision != domain.DecisionReview || result.Score != 0.3 {
		t.Errorf("unexpected result: %+v", result)
	}
	if scorer.cancelled.Load() {
		t.Error("scorer received a cancelled context")
	}

	logs, err := repo.ListAuditLogs(context.Background(), "applicant-gone")
	if err != nil {
		t.Fatalf("ListAuditLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("expected 1 audit row, got %d", len(logs))
	}
}

func TestRuleLoadFailureIsFatal(t *testing.T) {
	rec := &memRecorder{}
	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       staticRules{err: errors.New("db down")},
		Transformer: newTransformer(),
		Scorer:      &fakeScorer{},
		Explainer:   &fakeExplainer{},
		Recorder:    rec,
	})

	if _, err := p.Evaluate(context.Background(), "a", nil); err == nil {
		t.Fatal("expected error when rules cannot be loaded")
	}
	if len(rec.logs) != 0 {
		t.Error("nothing should be audited")
	}
}

func TestScorerUnavailableFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	explainer := &fakeExplainer{}
	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       staticRules{},
		Transformer: newTransformer(),
		Scorer:      scoring.NewHTTPScorer(srv.URL, scoring.DefaultTimeouts()),
		Explainer:   explainer,
		Recorder:    rec,
	})

	result, err := p.Evaluate(context.Background(), "applicant", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if result.Score != scoring.NeutralScore || result.Decision != domain.DecisionApprove {
		t.Errorf("expected neutral APPROVE, got %+v", result)
	}
	if explainer.calls.Load() != 0 {
		t.Error("no explanation expected for a neutral score")
	}
}

func TestTransformFailureUsesNeutralScore(t *testing.T) {
	before := testutil.ToFloat64(metrics.TransformFailures)
	scorer := &fakeScorer{score: 0.99}
	rec := &memRecorder{}

	p := New(domain.DefaultConfig().Pipeline, Deps{
		Rules:       staticRules{},
		Transformer: brokenTransformer{newTransformer()},
		Scorer:      scorer,
		Explainer:   &fakeExplainer{},
		Recorder:    rec,
	})

	result, err := p.Evaluate(context.Background(), "applicant", map[string]any{"amount": 1})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if scorer.calls.Load() != 0 {
		t.Error("scorer must be skipped when the transform fails")
	}
	if result.Score != scoring.NeutralScore || result.Decision != domain.DecisionApprove {
		t.Errorf("expected neutral APPROVE, got %+v", result)
	}
	if got := testutil.ToFloat64(metrics.TransformFailures) - before; got != 1 {
		t.Errorf("expected 1 transform failure counted, got %v", got)
	}
	if len(rec.logs) != 1 {
		t.Error("evaluation should still be audited")
	}
}

func TestStrictDedup(t *testing.T) {
	cfg := domain.DefaultConfig().Pipeline
	cfg.StrictDedup = true

	scorer := &fakeScorer{score: 0.2}
	rec := &memRecorder{}
	p := New(cfg, Deps{
		Rules:       staticRules{},
		Transformer: newTransformer(),
		Scorer:      scorer,
		Explainer:   &fakeExplainer{},
		Recorder:    rec,
		Cache:       cache.NewLRUCache(10),
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Evaluate(context.Background(), "dup", map[string]any{"amount": 5}); err != nil {
				t.Errorf("evaluate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if scorer.calls.Load() != 1 {
		t.Errorf("expected a single scoring call, got %d", scorer.calls.Load())
	}
	if len(rec.logs) != 1 {
		t.Errorf("expected a single audit row, got %d", len(rec.logs))
	}
}

func TestStrictDedupHonoursContext(t *testing.T) {
	locks := newKeyLocks()
	unlock, err := locks.lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRequiresApplicantID(t *testing.T) {
	p := New(domain.DefaultConfig().Pipeline, Deps{})
	if _, err := p.Evaluate(context.Background(), "  ", nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
