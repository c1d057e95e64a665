// Package pipeline sequences a fraud evaluation: cache lookup, rules,
// feature synthesis, scoring, explanation, decision, audit and case.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/decision"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/scoring"
)

var tracer = otel.Tracer("harrier-pipeline")

// RuleEngine returns the names of triggered rules.
type RuleEngine interface {
	Evaluate(ctx context.Context, attrs map[string]any) ([]string, error)
}

// FeatureTransformer maps attributes to model features and back.
type FeatureTransformer interface {
	Transform(attrs map[string]any) (features.FeatureVector, error)
	ReverseTopSignals(scores map[string]float64) []features.SignalContribution
}

// Recorder persists the audit trail of an evaluation.
type Recorder interface {
	RecordEvaluation(ctx context.Context, log *domain.AuditLog, c *domain.Case) error
}

// AlertPublisher announces opened cases.
type AlertPublisher interface {
	Publish(ctx context.Context, c *domain.Case) error
}

// Deps are the collaborators of a Pipeline. Cache and Alerts are optional.
type Deps struct {
	Rules       RuleEngine
	Transformer FeatureTransformer
	Scorer      scoring.Scorer
	Explainer   scoring.Explainer
	Recorder    Recorder
	Cache       domain.Cache
	Alerts      AlertPublisher
}

// Pipeline is the evaluation orchestrator. It is safe for concurrent use.
type Pipeline struct {
	deps     Deps
	policy   decision.Policy
	cacheTTL time.Duration
	locks    *keyLocks
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a pipeline.
func New(cfg domain.PipelineConfig, deps Deps) *Pipeline {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	p := &Pipeline{
		deps:     deps,
		policy:   decision.NewPolicy(cfg),
		cacheTTL: ttl,
		now:      time.Now,
		logger:   slog.Default().With("component", "pipeline"),
	}
	if cfg.StrictDedup {
		p.locks = newKeyLocks()
	}
	return p
}

// Evaluate runs the full decision sequence for one applicant. A cached
// result is returned unchanged. Only rule loading and audit persistence
// failures are returned as errors; downstream services degrade to neutral
// values. Cancelling ctx only interrupts the wait for the applicant lock.
func (p *Pipeline) Evaluate(ctx context.Context, applicantID string, attrs map[string]any) (*domain.EvaluationResult, error) {
	if strings.TrimSpace(applicantID) == "" {
		return nil, fmt.Errorf("%w: applicant id is required", domain.ErrInvalidInput)
	}
	if attrs == nil {
		attrs = map[string]any{}
	}

	ctx, span := tracer.Start(ctx, "pipeline.Evaluate",
		trace.WithAttributes(attribute.String("applicant.id", applicantID)),
	)
	defer span.End()

	start := time.Now()
	defer metrics.ObserveStage("total", start)

	if p.locks != nil {
		unlock, err := p.locks.lock(ctx, applicantID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	key := domain.EvaluationCacheKey(applicantID)
	if cached := p.cached(ctx, key); cached != nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	// Past the cache read the evaluation runs to completion even if the
	// caller goes away. Downstream calls are bounded by their own timeouts.
	ctx = context.WithoutCancel(ctx)

	result, err := p.evaluate(ctx, applicantID, attrs)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.EvaluationsTotal.WithLabelValues(string(result.Decision)).Inc()
	span.SetAttributes(
		attribute.String("decision", string(result.Decision)),
		attribute.Float64("score", result.Score),
	)

	p.store(ctx, key, result)
	return result, nil
}

func (p *Pipeline) evaluate(ctx context.Context, applicantID string, attrs map[string]any) (*domain.EvaluationResult, error) {
	log := p.logger.With("applicant_id", applicantID)

	stageCtx, done := p.stage(ctx, "rules")
	triggered, err := p.deps.Rules.Evaluate(stageCtx, attrs)
	done()
	if err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	score := scoring.NeutralScore
	var detail map[string]float64

	_, done = p.stage(ctx, "transform")
	fv, err := p.deps.Transformer.Transform(attrs)
	done()
	if err != nil {
		metrics.TransformFailures.Inc()
		log.Error("feature transform failed, using neutral score", "error", err)
	} else {
		stageCtx, done = p.stage(ctx, "score")
		res := p.deps.Scorer.Score(stageCtx, fv)
		done()
		score, detail = res.Score, res.Detail
	}

	top := p.deps.Transformer.ReverseTopSignals(detail)

	var explanation *domain.Explanation
	if p.policy.NeedsExplanation(triggered, score) {
		stageCtx, done = p.stage(ctx, "explain")
		explanation = p.deps.Explainer.Explain(stageCtx, scoring.ExplainRequest{
			ApplicantID: applicantID,
			Attributes:  attrs,
			RuleFlags:   triggered,
			TopFeatures: scoring.TopSignals(top),
			AIScore:     score,
		})
		done()
	}

	result := &domain.EvaluationResult{
		Decision:       p.policy.Decide(triggered, score),
		Score:          score,
		TriggeredRules: triggered,
		Explanation:    explanation,
	}

	stageCtx, done = p.stage(ctx, "audit")
	c, err := p.record(stageCtx, applicantID, attrs, result)
	done()
	if err != nil {
		return nil, err
	}

	if c != nil && p.deps.Alerts != nil {
		if err := p.deps.Alerts.Publish(ctx, c); err != nil {
			log.Warn("failed to publish case alert", "case_id", c.ID, "error", err)
		}
	}

	log.Info("evaluation complete",
		"decision", result.Decision,
		"score", result.Score,
		"triggered_rules", len(triggered),
	)
	return result, nil
}

// record writes the audit log and, for REVIEW and REJECT, the case that
// references it, in one transaction.
func (p *Pipeline) record(ctx context.Context, applicantID string, attrs map[string]any, result *domain.EvaluationResult) (*domain.Case, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot attributes: %w", err)
	}

	now := p.now().UTC()
	entry := &domain.AuditLog{
		ID:          uuid.New().String(),
		ApplicantID: applicantID,
		Decision:    result.Decision,
		Score:       result.Score,
		RuleFlags:   strings.Join(result.TriggeredRules, ","),
		RawPayload:  string(raw),
		CreatedAt:   now,
	}
	if result.Explanation != nil {
		entry.Explanation = result.Explanation.Reasoning
	}

	var c *domain.Case
	if result.Decision.NeedsCase() {
		c = &domain.Case{
			ID:         uuid.New().String(),
			AuditLogID: entry.ID,
			Status:     domain.CaseOpen,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := p.deps.Recorder.RecordEvaluation(ctx, entry, c); err != nil {
		return nil, fmt.Errorf("failed to record evaluation: %w", err)
	}
	if c != nil {
		metrics.CaseTransitions.WithLabelValues(string(domain.CaseOpen)).Inc()
	}
	return c, nil
}

func (p *Pipeline) cached(ctx context.Context, key string) *domain.EvaluationResult {
	if p.deps.Cache == nil {
		return nil
	}

	data, err := p.deps.Cache.Get(ctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		p.logger.Warn("cache read failed", "key", key, "error", err)
		return nil
	}
	if data == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil
	}

	var result domain.EvaluationResult
	if err := json.Unmarshal(data, &result); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		p.logger.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return nil
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &result
}

func (p *Pipeline) store(ctx context.Context, key string, result *domain.EvaluationResult) {
	if p.deps.Cache == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		p.logger.Warn("failed to encode result for cache", "key", key, "error", err)
		return
	}
	if err := p.deps.Cache.Set(ctx, key, data, p.cacheTTL); err != nil {
		p.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops the cached result for an applicant.
func (p *Pipeline) Invalidate(ctx context.Context, applicantID string) error {
	if p.deps.Cache == nil {
		return nil
	}
	return p.deps.Cache.Delete(ctx, domain.EvaluationCacheKey(applicantID))
}

// stage opens a child span and returns a func that ends it and records
// the stage latency.
func (p *Pipeline) stage(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	return ctx, func() {
		span.End()
		metrics.ObserveStage(name, start)
	}
}
