// Package schema validates structured step output against a JSON schema
// before the kernel trusts it as a HandoffEnvelope, grounded on the
// registry package's payload-validation helper: compile once, validate many.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles a JSON schema once and validates arbitrary documents
// against it. Safe for concurrent use: jsonschema.Schema.Validate does not
// mutate the compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles schemaJSON (a JSON Schema document) into a Validator.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("schema: unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	return &Validator{schema: compiled}, nil
}

// ValidateJSON unmarshals docJSON and validates it against the compiled
// schema, returning the *jsonschema.ValidationError (if any) wrapped with
// context a caller can log without re-deriving it.
func (v *Validator) ValidateJSON(docJSON []byte) error {
	var doc any
	if err := json.Unmarshal(docJSON, &doc); err != nil {
		return fmt.Errorf("schema: unmarshal document: %w", err)
	}
	return v.Validate(doc)
}

// Validate validates an already-decoded document (map[string]any, etc.).
func (v *Validator) Validate(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: validation failed: %w", err)
	}
	return nil
}

// EnvelopeSchemaJSON is the minimal structural schema every HandoffEnvelope
// must satisfy (spec §6): the fields the forensic comparator and routing
// driver read must be present and correctly typed before anything downstream
// trusts the document. It intentionally does not constrain free-form fields
// like concerns/assumptions beyond shape, since those carry natural-language
// content a strict schema would only get in the way of.
const EnvelopeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "meta", "status", "summary", "file_changes", "routing"],
  "properties": {
    "schema_version": {"type": "string"},
    "meta": {
      "type": "object",
      "required": ["step_id", "flow_key", "run_id", "agent_key"],
      "properties": {
        "step_id": {"type": "string"},
        "flow_key": {"type": "string"},
        "run_id": {"type": "string"},
        "agent_key": {"type": "string"}
      }
    },
    "status": {"enum": ["VERIFIED", "UNVERIFIED", "BLOCKED"]},
    "summary": {"type": "string"},
    "concerns": {"type": "array"},
    "assumptions": {"type": "array"},
    "evidence": {"type": "array"},
    "file_changes": {
      "type": "object",
      "required": ["files", "totals"],
      "properties": {
        "files": {"type": "array"},
        "totals": {"type": "object"}
      }
    },
    "routing": {
      "type": "object",
      "required": ["recommendation"],
      "properties": {
        "recommendation": {"enum": ["ADVANCE", "LOOP", "DETOUR", "ESCALATE"]}
      }
    },
    "can_further_iteration_help": {"type": "boolean"}
  }
}`
