package promotion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var ErrCondition = errors.New("promotion: invalid condition")

// ConditionEvaluator compiles and caches CEL trigger conditions.
//
// Expressions see three variables:
//
//	outcome  map(string, dyn)  the fields the sources agreed on
//	event_id string            the external event identifier
//	sources  list(string)      names of the agreeing sources
//
// e.g. `outcome.winner == "LAL" && outcome.homeScore >= 100`.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("outcome", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event_id", cel.StringType),
		cel.Variable("sources", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// ConditionInput is the activation a condition is evaluated against.
type ConditionInput struct {
	Outcome map[string]any
	EventID string
	Sources []string
}

// Check compiles expr and reports whether it is a valid boolean condition.
func (e *ConditionEvaluator) Check(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Evaluate reports whether expr holds for in.
func (e *ConditionEvaluator) Evaluate(expr string, in ConditionInput) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	sources := in.Sources
	if sources == nil {
		sources = []string{}
	}
	outcome := in.Outcome
	if outcome == nil {
		outcome = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"outcome":  outcome,
		"event_id": in.EventID,
		"sources":  sources,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %q did not return bool", ErrCondition, expr)
	}
	return ok, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCondition, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q has type %s, want bool", ErrCondition, expr, t)
	}
	p, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCondition, err)
	}
	e.cache[expr] = p
	return p, nil
}
