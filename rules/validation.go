package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxNameLength     = 100
	maxFieldLength    = 500
	maxValueLength    = 1000
	maxParamLength    = 10000
	minPriority       = -100
	maxPriority       = 100
	maxTriggerKeyName = 100
)

// fieldSegment is one dotted component of a field selector
var fieldSegment = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidationError reports a rule that cannot be persisted. It is a client
// error and must not be retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid rule: " + e.Message
	}
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Normalize trims names and fills defaults that older documents omit
func Normalize(rule *Rule) {
	if rule == nil {
		return
	}
	rule.Name = strings.TrimSpace(rule.Name)
	rule.Combinator = Combinator(strings.ToUpper(strings.TrimSpace(string(rule.Combinator))))
	if rule.Combinator == "" {
		rule.Combinator = CombinatorAnd
	}
	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		c.Field = strings.TrimSpace(c.Field)
		c.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
		if c.Operator == "" {
			c.Operator = OpEquals
		}
	}
	for i := range rule.Actions {
		a := &rule.Actions[i]
		a.Type = ActionType(strings.ToLower(strings.TrimSpace(string(a.Type))))
	}
}

// Validate checks the write-time invariants of a rule. Regular expressions
// and CEL expressions are compiled here so evaluation never sees a broken one.
func Validate(rule *Rule) error {
	if rule == nil {
		return invalid("", "rule is required")
	}
	if rule.Name == "" {
		return invalid("name", "is required")
	}
	if len(rule.Name) > maxNameLength {
		return invalid("name", "must be at most %d characters", maxNameLength)
	}
	if rule.Combinator != CombinatorAnd && rule.Combinator != CombinatorOr {
		return invalid("combinator", "must be AND or OR, got %q", rule.Combinator)
	}
	if rule.Priority < minPriority || rule.Priority > maxPriority {
		return invalid("priority", "must be between %d and %d", minPriority, maxPriority)
	}
	if len(rule.Conditions) == 0 && len(rule.Trigger) == 0 {
		return invalid("conditions", "a rule needs at least one condition or a trigger")
	}
	if len(rule.Actions) == 0 {
		return invalid("actions", "a rule needs at least one action")
	}
	if err := validateTrigger(rule.Trigger); err != nil {
		return err
	}
	for i := range rule.Conditions {
		if err := validateCondition(fmt.Sprintf("conditions[%d]", i), &rule.Conditions[i]); err != nil {
			return err
		}
	}
	for i := range rule.Actions {
		if err := validateAction(fmt.Sprintf("actions[%d]", i), &rule.Actions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateTrigger(trigger map[string]any) error {
	for key, value := range trigger {
		name := "trigger." + key
		if key == "" || len(key) > maxTriggerKeyName {
			return invalid("trigger", "invalid key %q", key)
		}
		if strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
			return invalid(name, "key contains forbidden characters")
		}
		switch v := value.(type) {
		case nil, bool, float64, int, int64:
		case string:
			if len(v) > maxValueLength {
				return invalid(name, "must be at most %d characters", maxValueLength)
			}
		default:
			return invalid(name, "must be a scalar value")
		}
	}
	return nil
}

func validateCondition(name string, c *Condition) error {
	if !knownOperators[c.Operator] {
		return invalid(name+".operator", "unknown operator %q", c.Operator)
	}
	if len(c.Value) > maxValueLength {
		return invalid(name+".value", "must be at most %d characters", maxValueLength)
	}
	for _, v := range c.Values {
		if len(v) > maxValueLength {
			return invalid(name+".values", "entries must be at most %d characters", maxValueLength)
		}
	}

	if c.Operator == OpExpression {
		if strings.TrimSpace(c.Value) == "" {
			return invalid(name+".value", "expression is required")
		}
		compiler, err := DefaultExpressions()
		if err != nil {
			return fmt.Errorf("expression compiler unavailable: %w", err)
		}
		if _, err := compiler.Compile(c.Value); err != nil {
			return invalid(name+".value", "%v", err)
		}
		return nil
	}

	if err := validateField(name+".field", c.Field); err != nil {
		return err
	}

	switch c.Operator {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		if _, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64); err != nil {
			return invalid(name+".value", "%s needs a numeric value", c.Operator)
		}
	case OpMatches:
		pattern := c.Value
		if !c.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return invalid(name+".value", "invalid regular expression: %v", err)
		}
	case OpIn, OpNotIn:
		if len(c.members()) == 0 {
			return invalid(name+".values", "%s needs at least one value", c.Operator)
		}
	}
	return nil
}

func validateField(name, field string) error {
	if field == "" {
		return invalid(name, "is required")
	}
	if len(field) > maxFieldLength {
		return invalid(name, "must be at most %d characters", maxFieldLength)
	}
	for _, segment := range strings.Split(strings.TrimPrefix(field, "$."), ".") {
		if !fieldSegment.MatchString(segment) {
			return invalid(name, "invalid selector %q", field)
		}
	}
	return nil
}

func validateAction(name string, a *Action) error {
	required, ok := RequiredParams(a.Type)
	if !ok {
		return invalid(name+".type", "unknown action type %q", a.Type)
	}
	for _, p := range required {
		if a.Param(p) == "" {
			return invalid(name+".params."+p, "is required for %s", a.Type)
		}
	}
	for k, v := range a.Params {
		if len(v) > maxParamLength {
			return invalid(name+".params."+k, "must be at most %d characters", maxParamLength)
		}
	}
	switch a.Type {
	case ActionSetBillable:
		if _, err := strconv.ParseBool(a.Param("value")); err != nil {
			return invalid(name+".params.value", "must be true or false")
		}
	case ActionOpenAPICall:
		switch strings.ToUpper(a.Param("method")) {
		case "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return invalid(name+".params.method", "unsupported method %q", a.Param("method"))
		}
		if !strings.HasPrefix(a.Param("path"), "/") {
			return invalid(name+".params.path", "must start with /")
		}
	}
	return nil
}
