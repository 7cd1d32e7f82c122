package rules

import (
	"encoding/json"
	"strings"
	"time"
)

// Combinator reduces a rule's condition results to a single match decision
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// Operator is the comparison applied by a Condition
type Operator string

const (
	OpEquals         Operator = "EQUALS"
	OpNotEquals      Operator = "NOT_EQUALS"
	OpContains       Operator = "CONTAINS"
	OpNotContains    Operator = "NOT_CONTAINS"
	OpIn             Operator = "IN"
	OpNotIn          Operator = "NOT_IN"
	OpGreaterThan    Operator = "GREATER_THAN"
	OpLessThan       Operator = "LESS_THAN"
	OpGreaterOrEqual Operator = "GREATER_OR_EQUAL"
	OpLessOrEqual    Operator = "LESS_OR_EQUAL"
	OpExists         Operator = "EXISTS"
	OpNotExists      Operator = "NOT_EXISTS"
	OpMatches        Operator = "MATCHES"
	OpExpression     Operator = "EXPRESSION"
)

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpIn: true, OpNotIn: true,
	OpGreaterThan: true, OpLessThan: true,
	OpGreaterOrEqual: true, OpLessOrEqual: true,
	OpExists: true, OpNotExists: true,
	OpMatches: true, OpExpression: true,
}

// ActionType tags an Action. The set is closed: anything not listed here
// fails validation when the rule is written.
type ActionType string

const (
	ActionAddTag           ActionType = "add_tag"
	ActionRemoveTag        ActionType = "remove_tag"
	ActionSetDescription   ActionType = "set_description"
	ActionSetBillable      ActionType = "set_billable"
	ActionSetProjectByID   ActionType = "set_project_by_id"
	ActionSetProjectByName ActionType = "set_project_by_name"
	ActionSetTaskByID      ActionType = "set_task_by_id"
	ActionSetTaskByName    ActionType = "set_task_by_name"
	ActionOpenAPICall      ActionType = "openapi_call"
)

// actionSpecs lists the parameters each action kind requires
var actionSpecs = map[ActionType][]string{
	ActionAddTag:           {"tag"},
	ActionRemoveTag:        {"tag"},
	ActionSetDescription:   {"value"},
	ActionSetBillable:      {"value"},
	ActionSetProjectByID:   {"projectId"},
	ActionSetProjectByName: {"name"},
	ActionSetTaskByID:      {"taskId"},
	ActionSetTaskByName:    {"name"},
	ActionOpenAPICall:      {"method", "path"},
}

// ActionTypes returns every supported action kind
func ActionTypes() []ActionType {
	return []ActionType{
		ActionAddTag, ActionRemoveTag, ActionSetDescription, ActionSetBillable,
		ActionSetProjectByID, ActionSetProjectByName, ActionSetTaskByID,
		ActionSetTaskByName, ActionOpenAPICall,
	}
}

// RequiredParams returns the parameter names an action kind declares as required.
// The second return value is false for unknown kinds.
func RequiredParams(t ActionType) ([]string, bool) {
	params, ok := actionSpecs[t]
	return params, ok
}

// Rule is a workspace-scoped set of conditions and the actions to run when they match
type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Enabled    bool           `json:"enabled"`
	Combinator Combinator     `json:"combinator"`
	Conditions []Condition    `json:"conditions"`
	Actions    []Action       `json:"actions"`
	Trigger    map[string]any `json:"trigger,omitempty"`
	Priority   int            `json:"priority"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// UnmarshalJSON defaults Enabled to true and Combinator to AND when the
// document omits them.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	aux := struct {
		*plain
		Enabled *bool `json:"enabled"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Enabled = aux.Enabled == nil || *aux.Enabled
	if r.Combinator == "" {
		r.Combinator = CombinatorAnd
	}
	r.Combinator = Combinator(strings.ToUpper(string(r.Combinator)))
	return nil
}

// TriggerEvent returns the event type the rule is bound to, if any
func (r *Rule) TriggerEvent() string {
	if r.Trigger == nil {
		return ""
	}
	event, _ := r.Trigger["event"].(string)
	return strings.TrimSpace(event)
}

// Clone returns a deep copy so cached rules cannot be mutated by callers
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		for i, cond := range r.Conditions {
			c.Conditions[i] = cond
			if cond.Values != nil {
				c.Conditions[i].Values = append([]string(nil), cond.Values...)
			}
		}
	}
	if r.Actions != nil {
		c.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			c.Actions[i] = Action{Type: a.Type, Params: cloneParams(a.Params)}
		}
	}
	if r.Trigger != nil {
		c.Trigger = make(map[string]any, len(r.Trigger))
		for k, v := range r.Trigger {
			c.Trigger[k] = v
		}
	}
	return &c
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Condition compares one field of the event payload against a value
type Condition struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value,omitempty"`
	Values        []string `json:"values,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
}

// Action is one step executed when a rule matches
type Action struct {
	Type   ActionType        `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// UnmarshalJSON accepts the older "args" key as an alias for "params"
func (a *Action) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type   ActionType        `json:"type"`
		Params map[string]string `json:"params"`
		Args   map[string]string `json:"args"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.Type = ActionType(strings.ToLower(strings.TrimSpace(string(aux.Type))))
	a.Params = aux.Params
	if a.Params == nil && aux.Args != nil {
		a.Params = aux.Args
	}
	return nil
}

// Param returns a parameter value trimmed of surrounding whitespace
func (a Action) Param(name string) string {
	if a.Params == nil {
		return ""
	}
	return strings.TrimSpace(a.Params[name])
}

// EvaluationResult contains the outcome of evaluating a rule
type EvaluationResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Matched  bool   `json:"matched"`
}
