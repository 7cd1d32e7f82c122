package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// expressionCostLimit bounds the work a single EXPRESSION condition may do
const expressionCostLimit = 100000

// ExpressionCompiler compiles and caches CEL predicates used by EXPRESSION
// conditions. Expressions see three variables: entity, event and eventType.
type ExpressionCompiler struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

var (
	defaultExpressions     *ExpressionCompiler
	defaultExpressionsErr  error
	defaultExpressionsOnce sync.Once
)

// DefaultExpressions returns the process-wide compiler shared by validation and evaluation
func DefaultExpressions() (*ExpressionCompiler, error) {
	defaultExpressionsOnce.Do(func() {
		defaultExpressions, defaultExpressionsErr = NewExpressionCompiler()
	})
	return defaultExpressions, defaultExpressionsErr
}

// NewExpressionCompiler creates a compiler with its own CEL environment
func NewExpressionCompiler() (*ExpressionCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("eventType", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionCompiler{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile type-checks an expression and caches the resulting program.
// Expressions must produce a bool (or dyn, checked again at evaluation).
func (c *ExpressionCompiler) Compile(expression string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}

	prog, err := c.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

// Eval runs an expression against an event. Non-bool results are false.
func (c *ExpressionCompiler) Eval(expression string, event *Event) (bool, error) {
	prog, err := c.Compile(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(map[string]any{
		"entity":    event.Entity,
		"event":     event.Body,
		"eventType": event.Type,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	matched, ok := out.Value().(bool)
	return ok && matched, nil
}
