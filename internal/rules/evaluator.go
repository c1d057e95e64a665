// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates an expression against a variable mapping.
type Evaluator interface {
	Eval(expression string, vars map[string]any) (any, error)
}

// celKeywords cannot be declared as variables.
var celKeywords = map[string]bool{
	"null": true,
	"in":   true,
}

// CELEvaluator evaluates conditions with CEL. Every free identifier is
// declared dynamically, so conditions need no schema. Compiled programs
// are cached by expression text.
type CELEvaluator struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEvaluator creates an evaluator with an empty program cache.
func NewCELEvaluator() *CELEvaluator {
	return &CELEvaluator{
		programs: make(map[string]cel.Program),
	}
}

// Eval compiles (or reuses) the program for expression and runs it.
// The native Go value of the result is returned.
func (e *CELEvaluator) Eval(expression string, vars map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}
	return out.Value(), nil
}

// Compile checks that expression parses and type-checks.
func (e *CELEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// CachedPrograms returns the number of compiled programs held.
func (e *CELEvaluator) CachedPrograms() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *CELEvaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range ExtractVariables(expression) {
		if celKeywords[name] {
			continue
		}
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(normalize(expression))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", expression, issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expression, err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()

	return prg, nil
}
