package validation

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/hero/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/action-file.json
var actionFileSchema []byte

const actionFileSchemaURL = "https://hero.dev/schemas/action-file.json"

// Violation is one failed JSON Schema keyword.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// JSONSchemaValidator checks action files and input values against JSON
// Schema (draft 2020-12). Input schemas are compiled once and cached by
// content hash. It is safe for concurrent use.
type JSONSchemaValidator struct {
	actionFile *jsonschema.Schema

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compiled, err := compileSchema(actionFileSchemaURL, actionFileSchema)
	if err != nil {
		return nil, fmt.Errorf("action file schema: %w", err)
	}
	return &JSONSchemaValidator{
		actionFile: compiled,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateActionFile checks a decoded YAML or JSON action file.
func (v *JSONSchemaValidator) ValidateActionFile(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "action file is empty")
	}
	return validateAgainst(v.actionFile, doc)
}

// ValidateValue checks one param value against an input's schema. An empty
// schema accepts everything.
func (v *JSONSchemaValidator) ValidateValue(value any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.compiled(inputSchema)
	if err != nil {
		return err
	}
	return validateAgainst(compiled, value)
}

// Compile reports whether an input schema compiles, caching it on success.
func (v *JSONSchemaValidator) Compile(inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	_, err := v.compiled(inputSchema)
	return err
}

func (v *JSONSchemaValidator) compiled(inputSchema []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(inputSchema)
	key := hex.EncodeToString(sum[:])

	// jsonschema.Compiler is not safe for concurrent use, so compilation
	// stays under the lock too.
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	s, err := compileSchema("hero://inputs/"+key+".json", inputSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	v.cache[key] = s
	return s, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateAgainst re-encodes value so numbers reach the validator as
// json.Number, which is what jsonschema expects.
func validateAgainst(s *jsonschema.Schema, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON-encodable").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON-encodable").WithCause(err)
	}

	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := leaves(verr, nil)
	msg := verr.Error()
	switch len(violations) {
	case 0:
	case 1:
		msg = violations[0].String()
	default:
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// leaves flattens a ValidationError tree to its leaf failures.
func leaves(verr *jsonschema.ValidationError, out []Violation) []Violation {
	if len(verr.Causes) == 0 {
		return append(out, Violation{
			Path:    "/" + strings.Join(verr.InstanceLocation, "/"),
			Message: verr.Error(),
		})
	}
	for _, c := range verr.Causes {
		out = leaves(c, out)
	}
	return out
}
