package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndValidate_ValidEnvelope(t *testing.T) {
	v, err := Compile("envelope.json", []byte(EnvelopeSchemaJSON))
	require.NoError(t, err)

	doc := []byte(`{
		"schema_version": "1",
		"meta": {"step_id": "a", "flow_key": "f", "run_id": "r", "agent_key": "k"},
		"status": "VERIFIED",
		"summary": "did the thing",
		"file_changes": {"files": [], "totals": {}},
		"routing": {"recommendation": "ADVANCE"}
	}`)

	assert.NoError(t, v.ValidateJSON(doc))
}

func TestCompileAndValidate_MissingRequiredField(t *testing.T) {
	v, err := Compile("envelope.json", []byte(EnvelopeSchemaJSON))
	require.NoError(t, err)

	doc := []byte(`{"schema_version": "1"}`)

	assert.Error(t, v.ValidateJSON(doc))
}

func TestCompileAndValidate_InvalidStatusEnum(t *testing.T) {
	v, err := Compile("envelope.json", []byte(EnvelopeSchemaJSON))
	require.NoError(t, err)

	doc := []byte(`{
		"schema_version": "1",
		"meta": {"step_id": "a", "flow_key": "f", "run_id": "r", "agent_key": "k"},
		"status": "MAYBE",
		"summary": "x",
		"file_changes": {"files": [], "totals": {}},
		"routing": {"recommendation": "ADVANCE"}
	}`)

	assert.Error(t, v.ValidateJSON(doc))
}
