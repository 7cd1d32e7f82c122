package rules

import (
	"testing"
)

func timeEntryEvent() *Event {
	return NewEvent("NEW_TIME_ENTRY", map[string]any{
		"workspaceId": "ws-1",
		"timeEntry": map[string]any{
			"id":          "te-1",
			"description": "Weekly Meeting with ACME",
			"billable":    false,
			"projectId":   "0012ab",
			"tagIds":      []any{"tag-a", "tag-b"},
			"timeInterval": map[string]any{
				"duration": 5400.0,
			},
			"project": map[string]any{
				"name":       "Internal",
				"clientName": "Acme Corp",
			},
			"customFields": []any{
				map[string]any{"name": "ticket", "value": "OPS-7"},
			},
		},
		"user": map[string]any{"name": "Sam"},
	})
}

func TestEventLookup(t *testing.T) {
	ev := timeEntryEvent()

	tests := []struct {
		path    string
		want    string
		present bool
	}{
		{"description", "Weekly Meeting with ACME", true},
		{"timeInterval.duration", "5400", true},
		{"tagIds.1", "tag-b", true},
		{"customFields.0.value", "OPS-7", true},
		{"$.project.name", "Internal", true},
		{"user.name", "Sam", true}, // falls back to the envelope
		{"workspaceId", "ws-1", true},
		{"tagIds.5", "", false},
		{"missing.path", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v, ok := ev.Lookup(tt.path)
			if ok != tt.present {
				t.Fatalf("Lookup(%q) present = %v, want %v", tt.path, ok, tt.present)
			}
			if ok && stringForm(v) != tt.want {
				t.Errorf("Lookup(%q) = %q, want %q", tt.path, stringForm(v), tt.want)
			}
		})
	}

	if ev.EntityID() != "te-1" {
		t.Errorf("EntityID() = %q, want te-1", ev.EntityID())
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	ev := timeEntryEvent()
	evaluator := NewEvaluator(nil)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals case-insensitive", Condition{Field: "description", Operator: OpEquals, Value: "weekly meeting with acme"}, true},
		{"equals case-sensitive", Condition{Field: "description", Operator: OpEquals, Value: "weekly meeting with acme", CaseSensitive: true}, false},
		{"equals numeric", Condition{Field: "timeInterval.duration", Operator: OpEquals, Value: "5400.0"}, true},
		{"equals keeps string ids", Condition{Field: "projectId", Operator: OpEquals, Value: "12ab"}, false},
		{"equals bool", Condition{Field: "billable", Operator: OpEquals, Value: "false"}, true},
		{"equals absent", Condition{Field: "nope", Operator: OpEquals, Value: ""}, false},
		{"not equals absent", Condition{Field: "nope", Operator: OpNotEquals, Value: "x"}, false},
		{"not contains absent", Condition{Field: "nope", Operator: OpNotContains, Value: "x"}, false},
		{"not in absent", Condition{Field: "nope", Operator: OpNotIn, Values: []string{"x"}}, false},
		{"not exists absent", Condition{Field: "nope", Operator: OpNotExists}, true},
		{"contains", Condition{Field: "description", Operator: OpContains, Value: "meeting"}, true},
		{"contains array", Condition{Field: "tagIds", Operator: OpContains, Value: "-b"}, true},
		{"not contains", Condition{Field: "description", Operator: OpNotContains, Value: "lunch"}, true},
		{"in array", Condition{Field: "tagIds", Operator: OpIn, Values: []string{"tag-x", "tag-b"}}, true},
		{"in comma value", Condition{Field: "project.name", Operator: OpIn, Value: "External, internal"}, true},
		{"not in", Condition{Field: "project.name", Operator: OpNotIn, Values: []string{"External"}}, true},
		{"greater than", Condition{Field: "timeInterval.duration", Operator: OpGreaterThan, Value: "3600"}, true},
		{"less than", Condition{Field: "timeInterval.duration", Operator: OpLessThan, Value: "3600"}, false},
		{"greater or equal", Condition{Field: "timeInterval.duration", Operator: OpGreaterOrEqual, Value: "5400"}, true},
		{"less or equal", Condition{Field: "timeInterval.duration", Operator: OpLessOrEqual, Value: "5399"}, false},
		{"numeric on text", Condition{Field: "description", Operator: OpGreaterThan, Value: "1"}, false},
		{"exists", Condition{Field: "project.clientName", Operator: OpExists}, true},
		{"not exists", Condition{Field: "project.clientId", Operator: OpNotExists}, true},
		{"matches", Condition{Field: "description", Operator: OpMatches, Value: `^weekly\s+meeting`}, true},
		{"matches case-sensitive", Condition{Field: "description", Operator: OpMatches, Value: `^weekly`, CaseSensitive: true}, false},
		{"matches bad pattern", Condition{Field: "description", Operator: OpMatches, Value: `(`}, false},
		{"expression", Condition{Operator: OpExpression, Value: `entity.timeInterval.duration > 3600.0 && eventType == "NEW_TIME_ENTRY"`}, true},
		{"expression runtime error", Condition{Operator: OpExpression, Value: `entity.unknown.field == 1`}, false},
		{"expression non-bool", Condition{Operator: OpExpression, Value: `entity.description`}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := tt.cond
			if got := evaluator.EvaluateCondition(&cond, ev); got != tt.want {
				t.Errorf("EvaluateCondition(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestMatchesCombinators(t *testing.T) {
	ev := timeEntryEvent()
	evaluator := NewEvaluator(nil)

	yes := Condition{Field: "description", Operator: OpContains, Value: "meeting"}
	no := Condition{Field: "description", Operator: OpContains, Value: "lunch"}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{"and all true", Rule{Combinator: CombinatorAnd, Conditions: []Condition{yes, yes}}, true},
		{"and one false", Rule{Combinator: CombinatorAnd, Conditions: []Condition{yes, no}}, false},
		{"or one true", Rule{Combinator: CombinatorOr, Conditions: []Condition{no, yes}}, true},
		{"or all false", Rule{Combinator: CombinatorOr, Conditions: []Condition{no, no}}, false},
		{"trigger only", Rule{Trigger: map[string]any{"event": "new_time_entry"}}, true},
		{"trigger mismatch", Rule{Trigger: map[string]any{"event": "TIME_ENTRY_DELETED"}, Conditions: []Condition{yes}}, false},
		{"no conditions no trigger", Rule{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			if got := evaluator.Matches(&rule, ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStringForm(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{true, "true"},
		{3600.0, "3600"},
		{1.5, "1.5"},
		{[]any{"a", 1.0}, `["a",1]`},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		if got := stringForm(tt.in); got != tt.want {
			t.Errorf("stringForm(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
