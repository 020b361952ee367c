package validation

import (
	"testing"

	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchemaValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateActionFile_Valid(t *testing.T) {
	v := newSchemaValidator(t)
	doc := map[string]any{
		"actions": []any{
			map[string]any{
				"name":        "greet",
				"version":     2,
				"description": "says hello",
				"run":         `{greeting: ("hello " + .params.name)}`,
				"inputs": []any{
					map[string]any{"name": "name", "required": true, "rule": "size(value) > 0"},
				},
				"blockedConnectionTypes": []any{"task"},
			},
		},
	}
	assert.NoError(t, v.ValidateActionFile(doc))
}

func TestValidateActionFile_Invalid(t *testing.T) {
	v := newSchemaValidator(t)

	tests := []struct {
		name string
		doc  any
	}{
		{"nil", nil},
		{"no actions", map[string]any{}},
		{"empty actions", map[string]any{"actions": []any{}}},
		{"missing run", map[string]any{"actions": []any{
			map[string]any{"name": "x", "description": "d"},
		}}},
		{"bad version", map[string]any{"actions": []any{
			map[string]any{"name": "x", "description": "d", "run": ".", "version": 0},
		}}},
		{"unknown connection type", map[string]any{"actions": []any{
			map[string]any{"name": "x", "description": "d", "run": ".", "blockedConnectionTypes": []any{"pigeon"}},
		}}},
		{"unknown field", map[string]any{"actions": []any{
			map[string]any{"name": "x", "description": "d", "run": ".", "handler": "y"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateActionFile(tt.doc)
			requireCode(t, err, schema.ErrCodeValidation)
		})
	}
}

func TestValidateValue(t *testing.T) {
	v := newSchemaValidator(t)
	s := []byte(`{"type":"integer","minimum":1,"maximum":10}`)

	assert.NoError(t, v.ValidateValue(5, s))
	assert.NoError(t, v.ValidateValue(nil, nil), "no schema means no validation")

	err := v.ValidateValue(11, s)
	he := requireCode(t, err, schema.ErrCodeValidation)
	assert.NotEmpty(t, he.Details["violations"])

	requireCode(t, v.ValidateValue("five", s), schema.ErrCodeValidation)
}

func TestValidateValue_MultipleViolations(t *testing.T) {
	v := newSchemaValidator(t)
	s := []byte(`{"type":"object","required":["a","b"],"properties":{"a":{"type":"string"},"b":{"type":"string"}}}`)

	err := v.ValidateValue(map[string]any{"a": 1, "b": 2}, s)
	he := requireCode(t, err, schema.ErrCodeValidation)
	assert.Equal(t, "validation failed with 2 errors", he.Error())
}

func TestCompile_CachesSchema(t *testing.T) {
	v := newSchemaValidator(t)
	s := []byte(`{"type":"string"}`)

	require.NoError(t, v.Compile(s))
	require.NoError(t, v.Compile(s))
	assert.Len(t, v.cache, 1)

	requireCode(t, v.Compile([]byte(`{"type":`)), schema.ErrCodeValidation)
}
