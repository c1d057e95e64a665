package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// RuleSource supplies the enabled rule set in load order.
type RuleSource interface {
	ListEnabledRules(ctx context.Context) ([]*domain.Rule, error)
}

// Engine evaluates operator-defined rules against an attribute map.
type Engine struct {
	source     RuleSource
	evaluator  Evaluator
	maxWorkers int
	logger     *slog.Logger
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(source RuleSource, evaluator Evaluator, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if evaluator == nil {
		evaluator = NewCELEvaluator()
	}
	return &Engine{
		source:     source,
		evaluator:  evaluator,
		maxWorkers: maxWorkers,
		logger:     slog.Default().With("component", "rules"),
	}
}

// Evaluate loads the enabled rules and returns the names of those that
// triggered, in load order. Only a failure to load rules is an error.
func (e *Engine) Evaluate(ctx context.Context, attrs map[string]any) ([]string, error) {
	loaded, err := e.source.ListEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return e.EvaluateRules(ctx, loaded, attrs), nil
}

// EvaluateRules evaluates the given rules in parallel and returns the names
// of those that triggered, preserving input order.
func (e *Engine) EvaluateRules(ctx context.Context, loaded []*domain.Rule, attrs map[string]any) []string {
	if len(loaded) == 0 {
		return []string{}
	}

	byID := make(map[string]*domain.Rule, len(loaded))
	for _, r := range loaded {
		byID[r.ID] = r
	}

	fired := make([]bool, len(loaded))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range loaded {
		wg.Add(1)
		go func(idx int, r *domain.Rule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			fired[idx] = e.evaluateRule(ctx, r, byID, attrs)
		}(i, rule)
	}

	wg.Wait()

	triggered := make([]string, 0, len(loaded))
	for i, r := range loaded {
		if fired[i] {
			triggered = append(triggered, r.Name)
		}
	}
	return triggered
}

// evaluateRule never panics and never returns an error: any failure is a non-trigger.
func (e *Engine) evaluateRule(ctx context.Context, rule *domain.Rule, byID map[string]*domain.Rule, attrs map[string]any) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "rule evaluation panicked", "rule", rule.Name, "panic", r)
			metrics.RuleOutcomes.WithLabelValues("error").Inc()
			fired = false
		}
	}()

	if rule.IsComposite() {
		fired = e.evaluateComposite(ctx, rule, byID, attrs)
	} else {
		fired = e.evaluateCondition(ctx, rule, attrs)
	}

	if fired {
		metrics.RuleOutcomes.WithLabelValues("triggered").Inc()
	} else {
		metrics.RuleOutcomes.WithLabelValues("passed").Inc()
	}
	return fired
}

func (e *Engine) evaluateComposite(ctx context.Context, rule *domain.Rule, byID map[string]*domain.Rule, attrs map[string]any) bool {
	and := rule.Operator == domain.OperatorAnd

	if len(rule.SubRules) == 0 && and {
		e.logger.WarnContext(ctx, "composite AND rule has no sub-rules and triggers vacuously", "rule", rule.Name)
	}

	for _, id := range rule.SubRules {
		sub, ok := byID[id]
		result := false
		switch {
		case !ok:
			e.logger.DebugContext(ctx, "sub-rule not loaded", "rule", rule.Name, "sub_rule", id)
		case sub.IsComposite():
			e.logger.DebugContext(ctx, "nested composite sub-rule ignored", "rule", rule.Name, "sub_rule", id)
		default:
			result = e.evaluateCondition(ctx, sub, attrs)
		}

		if and && !result {
			return false
		}
		if !and && result {
			return true
		}
	}
	return and
}

// evaluateCondition applies the presence check and then the evaluator.
func (e *Engine) evaluateCondition(ctx context.Context, rule *domain.Rule, attrs map[string]any) bool {
	if missing := MissingVariables(rule.Condition, attrs); len(missing) > 0 {
		e.logger.WarnContext(ctx, "skipping rule with missing variables", "rule", rule.Name, "missing", missing)
		metrics.RuleOutcomes.WithLabelValues("skipped").Inc()
		return false
	}

	out, err := e.evaluator.Eval(rule.Condition, attrs)
	if err != nil {
		e.logger.ErrorContext(ctx, "rule evaluation failed", "rule", rule.Name, "error", err)
		metrics.RuleOutcomes.WithLabelValues("error").Inc()
		return false
	}

	b, ok := out.(bool)
	return ok && b
}

// Validate compiles a simple rule's condition when the evaluator supports it.
func (e *Engine) Validate(rule *domain.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.IsComposite() {
		return nil
	}
	if c, ok := e.evaluator.(interface{ Compile(string) error }); ok {
		if err := c.Compile(rule.Condition); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	}
	return nil
}
