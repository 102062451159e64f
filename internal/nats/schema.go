package nats

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchema describes the raw events accepted from agents. Source and type
// may arrive under legacy names.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "event_id":   {"type": "string"},
    "id":         {"type": "string"},
    "source_id":  {"type": "string", "minLength": 1},
    "agent_id":   {"type": "string", "minLength": 1},
    "host_id":    {"type": "string", "minLength": 1},
    "event_type": {"type": "string", "minLength": 1},
    "type":       {"type": "string", "minLength": 1},
    "timestamp":  {"type": ["number", "string"]},
    "attributes": {"type": "object"},
    "details":    {"type": "object"},
    "args":       {"type": "object"}
  },
  "allOf": [
    {"anyOf": [
      {"required": ["source_id"]},
      {"required": ["agent_id"]},
      {"required": ["host_id"]}
    ]},
    {"anyOf": [
      {"required": ["event_type"]},
      {"required": ["type"]}
    ]}
  ]
}`

// SchemaValidator validates decoded event documents
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the event schema
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("event.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks a document decoded with json.Decoder.UseNumber
func (v *SchemaValidator) Validate(doc interface{}) error {
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
