package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Evaluator decides whether conditions and rules match an event.
// It is safe for concurrent use.
type Evaluator struct {
	expressions *ExpressionCompiler

	mu      sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewEvaluator creates an evaluator. A nil compiler uses DefaultExpressions.
func NewEvaluator(expressions *ExpressionCompiler) *Evaluator {
	if expressions == nil {
		expressions, _ = DefaultExpressions()
	}
	return &Evaluator{
		expressions: expressions,
		regexps:     make(map[string]*regexp.Regexp),
	}
}

// Matches reports whether the rule applies to the event: the trigger binding
// must hold and the conditions must satisfy the rule's combinator.
func (ev *Evaluator) Matches(rule *Rule, event *Event) bool {
	if rule == nil || event == nil {
		return false
	}
	if want := rule.TriggerEvent(); want != "" && !strings.EqualFold(want, event.Type) {
		return false
	}
	if len(rule.Conditions) == 0 {
		// a trigger-only rule matches on its binding
		return len(rule.Trigger) > 0
	}

	if rule.Combinator == CombinatorOr {
		for i := range rule.Conditions {
			if ev.EvaluateCondition(&rule.Conditions[i], event) {
				return true
			}
		}
		return false
	}
	for i := range rule.Conditions {
		if !ev.EvaluateCondition(&rule.Conditions[i], event) {
			return false
		}
	}
	return true
}

// EvaluateCondition applies a single condition. It never fails: malformed
// inputs evaluate to false.
func (ev *Evaluator) EvaluateCondition(cond *Condition, event *Event) bool {
	switch cond.Operator {
	case OpExpression:
		if ev.expressions == nil {
			return false
		}
		ok, err := ev.expressions.Eval(cond.Value, event)
		return err == nil && ok
	case OpNotExists:
		_, present := event.Lookup(cond.Field)
		return !present
	case OpNotEquals, OpNotContains, OpNotIn:
		// An absent field matches neither an operator nor its negation.
		if _, present := event.Lookup(cond.Field); !present {
			return false
		}
		positive := *cond
		positive.Operator = negatePositive(cond.Operator)
		return !ev.EvaluateCondition(&positive, event)
	}

	actual, present := event.Lookup(cond.Field)

	switch cond.Operator {
	case OpExists:
		return present
	case OpEquals:
		return present && equalsValue(actual, cond.Value, cond.CaseSensitive)
	case OpContains:
		return present && containsValue(actual, cond.Value, cond.CaseSensitive)
	case OpIn:
		return present && inValues(actual, cond.members(), cond.CaseSensitive)
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return present && compareNumbers(cond.Operator, actual, cond.Value)
	case OpMatches:
		if !present {
			return false
		}
		re, err := ev.regexp(cond.Value, cond.CaseSensitive)
		if err != nil {
			return false
		}
		return re.MatchString(stringForm(actual))
	}
	return false
}

func (ev *Evaluator) regexp(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}
	ev.mu.RLock()
	re, ok := ev.regexps[key]
	ev.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	ev.mu.Lock()
	ev.regexps[key] = re
	ev.mu.Unlock()
	return re, nil
}

func negatePositive(op Operator) Operator {
	switch op {
	case OpNotEquals:
		return OpEquals
	case OpNotContains:
		return OpContains
	case OpNotIn:
		return OpIn
	}
	return op
}

// members returns the IN list: Values, or Value split on commas
func (c *Condition) members() []string {
	if len(c.Values) > 0 {
		return c.Values
	}
	if strings.TrimSpace(c.Value) == "" {
		return nil
	}
	parts := strings.Split(c.Value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sameString(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func equalsValue(actual any, expected string, caseSensitive bool) bool {
	// numeric comparison only for JSON numbers so ids like "0012" stay strings
	if isNumber(actual) {
		if want, ok := numberForm(expected); ok {
			got, _ := numberForm(actual)
			return got == want
		}
	}
	return sameString(stringForm(actual), expected, caseSensitive)
}

func containsValue(actual any, expected string, caseSensitive bool) bool {
	if !caseSensitive {
		expected = strings.ToLower(expected)
	}
	check := func(v any) bool {
		s := stringForm(v)
		if !caseSensitive {
			s = strings.ToLower(s)
		}
		return strings.Contains(s, expected)
	}
	if items, ok := actual.([]any); ok {
		for _, item := range items {
			if check(item) {
				return true
			}
		}
		return false
	}
	return check(actual)
}

func inValues(actual any, members []string, caseSensitive bool) bool {
	isMember := func(v any) bool {
		s := stringForm(v)
		for _, m := range members {
			if sameString(s, m, caseSensitive) {
				return true
			}
		}
		return false
	}
	if items, ok := actual.([]any); ok {
		for _, item := range items {
			if isMember(item) {
				return true
			}
		}
		return false
	}
	return isMember(actual)
}

func compareNumbers(op Operator, actual any, expected string) bool {
	got, ok := numberForm(actual)
	if !ok {
		return false
	}
	want, ok := numberForm(expected)
	if !ok {
		return false
	}
	switch op {
	case OpGreaterThan:
		return got > want
	case OpLessThan:
		return got < want
	case OpGreaterOrEqual:
		return got >= want
	case OpLessOrEqual:
		return got <= want
	}
	return false
}
