package rules

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaURL = "timerules://rule.json"

// documentSchema describes the shape of a rule document as submitted over
// the management API. Semantic checks stay in Validate.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "id":         {"type": "string", "maxLength": 100},
    "name":       {"type": "string"},
    "enabled":    {"type": "boolean"},
    "combinator": {"type": "string"},
    "priority":   {"type": "integer"},
    "trigger":    {"type": ["object", "null"]},
    "conditions": {
      "type": ["array", "null"],
      "items": {"type": "object"}
    },
    "actions": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type":   {"type": "string"},
          "params": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
          "args":   {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	documentOnce   sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func ruleDocumentSchema() (*jsonschema.Schema, error) {
	documentOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			schemaErr = fmt.Errorf("failed to parse rule schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(documentSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("failed to add rule schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(documentSchemaURL)
	})
	return compiledSchema, schemaErr
}

// CheckDocument reports a rule document whose JSON shape cannot describe a
// rule. Shape errors are *ValidationError so callers answer them as 400.
func CheckDocument(data []byte) error {
	schema, err := ruleDocumentSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return invalid("", "malformed JSON: %v", err)
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Field: documentField(verr), Message: "does not match the rule document shape"}
		}
		return invalid("", "%v", err)
	}
	return nil
}

// documentField names the first failing location, e.g. "actions.0.type"
func documentField(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return strings.Join(verr.InstanceLocation, ".")
}
