package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaURL = "timerules://webhook-envelope.json"

// envelopeSchema checks the shape of a delivery before authentication. A
// delivery without a workspace id is malformed.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workspaceId"],
  "properties": {
    "workspaceId": {"type": "string", "minLength": 1, "maxLength": 64},
    "event":       {"type": "string", "maxLength": 100},
    "eventType":   {"type": "string", "maxLength": 100},
    "id":          {"type": ["string", "number"]},
    "timeEntry": {
      "type": "object",
      "properties": {
        "id":          {"type": ["string", "number"]},
        "description": {"type": ["string", "null"]},
        "tagIds":      {"type": ["array", "null"], "items": {"type": "string"}},
        "billable":    {"type": ["boolean", "null"]}
      }
    }
  }
}`

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add envelope schema: %w", err)
	}
	return c.Compile(envelopeSchemaURL)
}

// validateEnvelope reports a malformed body or a schema violation
func validateEnvelope(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
