package rules

import (
	"encoding/json"
	"strings"
)

type legacyCondition struct {
	field         string
	op            Operator
	caseSensitive bool
}

// Condition documents written by older settings pages carry a "type" such as
// "descriptionContains" instead of a field selector.
var legacyConditionTypes = map[string]legacyCondition{
	"descriptionContains": {field: "description", op: OpContains},
	"descriptionEquals":   {field: "description", op: OpEquals},
	"hasTag":              {field: "tagIds", op: OpIn, caseSensitive: true},
	"projectIdEquals":     {field: "projectId", op: OpEquals, caseSensitive: true},
	"projectNameContains": {field: "project.name", op: OpContains},
	"clientIdEquals":      {field: "project.clientId", op: OpEquals, caseSensitive: true},
	"clientNameContains":  {field: "project.clientName", op: OpContains},
	"isBillable":          {field: "billable", op: OpEquals},
	"jsonPathContains":    {op: OpContains},
	"jsonPathEquals":      {op: OpEquals},
}

func negate(op Operator) Operator {
	switch op {
	case OpEquals:
		return OpNotEquals
	case OpContains:
		return OpNotContains
	case OpIn:
		return OpNotIn
	case OpExists:
		return OpNotExists
	}
	return op
}

func isNegative(op Operator) bool {
	switch op {
	case OpNotEquals, OpNotContains, OpNotIn:
		return true
	}
	return false
}

// UnmarshalJSON decodes a condition, upper-casing the operator and
// translating legacy "type" conditions into field/operator form.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type          string   `json:"type"`
		Field         string   `json:"field"`
		Path          string   `json:"path"`
		Operator      Operator `json:"operator"`
		Value         any      `json:"value"`
		Values        []string `json:"values"`
		CaseSensitive *bool    `json:"caseSensitive"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.Field = strings.TrimSpace(aux.Field)
	c.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(aux.Operator))))
	c.Value = stringForm(aux.Value)
	c.Values = aux.Values
	if aux.CaseSensitive != nil {
		c.CaseSensitive = *aux.CaseSensitive
	}

	legacy, ok := legacyConditionTypes[aux.Type]
	if !ok {
		return nil
	}

	field := legacy.field
	if field == "" {
		field = strings.TrimSpace(aux.Path)
	}
	if c.Field == "" {
		c.Field = field
	}
	op := legacy.op
	if isNegative(c.Operator) {
		op = negate(op)
	}
	c.Operator = op
	if aux.CaseSensitive == nil {
		c.CaseSensitive = legacy.caseSensitive
	}
	if (op == OpIn || op == OpNotIn) && len(c.Values) == 0 && c.Value != "" {
		c.Values = []string{c.Value}
	}
	return nil
}
