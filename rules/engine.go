package rules

import (
	"fmt"
	"sort"
)

// Engine evaluates ordered rule lists against events.
// Thread-safe: all mutable state lives in the Evaluator's caches.
type Engine struct {
	evaluator *Evaluator
}

// NewEngine creates a rules engine backed by the shared CEL environment
func NewEngine() (*Engine, error) {
	expressions, err := DefaultExpressions()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return NewEngineWithEvaluator(NewEvaluator(expressions)), nil
}

// NewEngineWithEvaluator creates an engine around a caller-supplied evaluator
func NewEngineWithEvaluator(evaluator *Evaluator) *Engine {
	return &Engine{evaluator: evaluator}
}

// CompileRule checks a rule and warms the evaluator caches for its
// patterns and expressions
func (en *Engine) CompileRule(rule *Rule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		switch c.Operator {
		case OpMatches:
			if _, err := en.evaluator.regexp(c.Value, c.CaseSensitive); err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		case OpExpression:
			if _, err := en.evaluator.expressions.Compile(c.Value); err != nil {
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}
	}
	return nil
}

// Evaluate evaluates a single rule against an event
func (en *Engine) Evaluate(rule *Rule, event *Event) *EvaluationResult {
	return &EvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Matched:  en.evaluator.Matches(rule, event),
	}
}

// EvaluateAll evaluates every rule in order, one result per rule
func (en *Engine) EvaluateAll(rules []*Rule, event *Event) []*EvaluationResult {
	results := make([]*EvaluationResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, en.Evaluate(rule, event))
	}
	return results
}

// Matching returns the rules that match the event, preserving order
func (en *Engine) Matching(rules []*Rule, event *Event) []*Rule {
	var matched []*Rule
	for _, rule := range rules {
		if en.evaluator.Matches(rule, event) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// SortByPriority orders rules by descending priority. Equal priorities keep
// their relative (insertion) order.
func SortByPriority(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
