package rules

import (
	"encoding/json"
	"testing"
)

func TestRuleUnmarshalDefaults(t *testing.T) {
	var rule Rule
	err := json.Unmarshal([]byte(`{"name":"Tag meetings","combinator":"or","actions":[{"type":"ADD_TAG","args":{"tag":"meeting"}}]}`), &rule)
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if !rule.Enabled {
		t.Error("Enabled should default to true when omitted")
	}
	if rule.Combinator != CombinatorOr {
		t.Errorf("Combinator = %s, want OR", rule.Combinator)
	}
	if len(rule.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1", len(rule.Actions))
	}
	if rule.Actions[0].Type != ActionAddTag {
		t.Errorf("Action type = %s, want %s", rule.Actions[0].Type, ActionAddTag)
	}
	if got := rule.Actions[0].Param("tag"); got != "meeting" {
		t.Errorf("args should alias params, got tag=%q", got)
	}
}

func TestRuleUnmarshalExplicitlyDisabled(t *testing.T) {
	var rule Rule
	if err := json.Unmarshal([]byte(`{"name":"x","enabled":false}`), &rule); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if rule.Enabled {
		t.Error("Enabled should stay false when the document says so")
	}
	if rule.Combinator != CombinatorAnd {
		t.Errorf("Combinator = %s, want AND", rule.Combinator)
	}
}

func TestConditionUnmarshalValueForms(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"string", `{"field":"description","operator":"equals","value":"x"}`, "x"},
		{"number", `{"field":"timeInterval.duration","operator":"GREATER_THAN","value":3600}`, "3600"},
		{"bool", `{"field":"billable","operator":"EQUALS","value":true}`, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Condition
			if err := json.Unmarshal([]byte(tt.doc), &c); err != nil {
				t.Fatalf("Unmarshal() failed: %v", err)
			}
			if c.Value != tt.want {
				t.Errorf("Value = %q, want %q", c.Value, tt.want)
			}
			if !knownOperators[c.Operator] {
				t.Errorf("Operator not decoded: %q", c.Operator)
			}
		})
	}
}

func TestConditionUnmarshalLegacyTypes(t *testing.T) {
	tests := []struct {
		name          string
		doc           string
		field         string
		op            Operator
		caseSensitive bool
		values        []string
	}{
		{"descriptionContains", `{"type":"descriptionContains","value":"meeting"}`, "description", OpContains, false, nil},
		{"negated contains", `{"type":"descriptionContains","operator":"NOT_CONTAINS","value":"x"}`, "description", OpNotContains, false, nil},
		{"hasTag", `{"type":"hasTag","value":"tag-1"}`, "tagIds", OpIn, true, []string{"tag-1"}},
		{"projectIdEquals", `{"type":"projectIdEquals","value":"p1"}`, "projectId", OpEquals, true, nil},
		{"clientNameContains", `{"type":"clientNameContains","value":"acme"}`, "project.clientName", OpContains, false, nil},
		{"jsonPathEquals", `{"type":"jsonPathEquals","path":"customFields.0.value","value":"a"}`, "customFields.0.value", OpEquals, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Condition
			if err := json.Unmarshal([]byte(tt.doc), &c); err != nil {
				t.Fatalf("Unmarshal() failed: %v", err)
			}
			if c.Field != tt.field {
				t.Errorf("Field = %q, want %q", c.Field, tt.field)
			}
			if c.Operator != tt.op {
				t.Errorf("Operator = %s, want %s", c.Operator, tt.op)
			}
			if c.CaseSensitive != tt.caseSensitive {
				t.Errorf("CaseSensitive = %v, want %v", c.CaseSensitive, tt.caseSensitive)
			}
			if len(tt.values) > 0 && (len(c.Values) != 1 || c.Values[0] != tt.values[0]) {
				t.Errorf("Values = %v, want %v", c.Values, tt.values)
			}
		})
	}
}

func TestRuleCloneIsDeep(t *testing.T) {
	rule := &Rule{
		ID:         "r1",
		Conditions: []Condition{{Field: "tagIds", Operator: OpIn, Values: []string{"a"}}},
		Actions:    []Action{{Type: ActionAddTag, Params: map[string]string{"tag": "x"}}},
		Trigger:    map[string]any{"event": "NEW_TIME_ENTRY"},
	}

	clone := rule.Clone()
	clone.Conditions[0].Values[0] = "changed"
	clone.Actions[0].Params["tag"] = "changed"
	clone.Trigger["event"] = "changed"

	if rule.Conditions[0].Values[0] != "a" {
		t.Error("Clone shares condition values with the original")
	}
	if rule.Actions[0].Params["tag"] != "x" {
		t.Error("Clone shares action params with the original")
	}
	if rule.TriggerEvent() != "NEW_TIME_ENTRY" {
		t.Error("Clone shares trigger with the original")
	}
}

func TestRequiredParams(t *testing.T) {
	for _, kind := range ActionTypes() {
		params, ok := RequiredParams(kind)
		if !ok || len(params) == 0 {
			t.Errorf("RequiredParams(%s) = %v, %v", kind, params, ok)
		}
	}
	if _, ok := RequiredParams("send_email"); ok {
		t.Error("unknown action kinds should not be recognised")
	}
}
