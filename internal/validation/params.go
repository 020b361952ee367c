package validation

import (
	"context"
	"fmt"

	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/expressions"
	"github.com/rendis/hero/pkg/schema"
)

// DefaultSafeParams survive scrubbing even when an action does not declare them.
var DefaultSafeParams = []string{
	schema.ParamFile,
	schema.ParamAPIVersion,
	schema.ParamCallback,
	schema.ParamAction,
}

// MissingPolicy decides which present values count as missing.
// An absent key is always missing.
type MissingPolicy struct {
	Nil         bool `json:"nil"`
	EmptyString bool `json:"emptyString"`
}

// DefaultMissingPolicy treats nil and "" as missing.
var DefaultMissingPolicy = MissingPolicy{Nil: true, EmptyString: true}

// IsMissing reports whether v is missing under the policy.
func (p MissingPolicy) IsMissing(v any) bool {
	if v == nil {
		return p.Nil
	}
	if s, ok := v.(string); ok && s == "" {
		return p.EmptyString
	}
	return false
}

// Config holds the param validator settings.
type Config struct {
	SafeParams            []string      `json:"safeParams"`
	DisableParamScrubbing bool          `json:"disableParamScrubbing"`
	MissingPolicy         MissingPolicy `json:"missingPolicy"`
}

// DefaultConfig returns the stock validator settings.
func DefaultConfig() Config {
	return Config{
		SafeParams:    append([]string(nil), DefaultSafeParams...),
		MissingPolicy: DefaultMissingPolicy,
	}
}

// ParamValidator applies defaults, formatters, validators and required checks
// to a connection's params. It is safe for concurrent use.
type ParamValidator struct {
	cfg     Config
	safe    map[string]struct{}
	schemas *JSONSchemaValidator
	cel     *expressions.CELEngine
	expr    *expressions.ExprEngine
}

// NewParamValidator creates a ParamValidator. The engines may be nil, in which
// case inputs declaring a Rule or Format are rejected at registration time.
func NewParamValidator(cfg Config, celEngine *expressions.CELEngine, exprEngine *expressions.ExprEngine) (*ParamValidator, error) {
	schemas, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if cfg.SafeParams == nil {
		cfg.SafeParams = append([]string(nil), DefaultSafeParams...)
	}
	safe := make(map[string]struct{}, len(cfg.SafeParams))
	for _, p := range cfg.SafeParams {
		safe[p] = struct{}{}
	}
	return &ParamValidator{
		cfg:     cfg,
		safe:    safe,
		schemas: schemas,
		cel:     celEngine,
		expr:    exprEngine,
	}, nil
}

// Schemas exposes the JSON Schema validator, shared with the action file loader.
func (v *ParamValidator) Schemas() *JSONSchemaValidator {
	return v.schemas
}

// CompileInputs compiles every declarative rule, format and schema so that a
// broken definition fails at registration instead of at the first request.
func (v *ParamValidator) CompileInputs(inputs []actions.Input) error {
	var problems schema.Problems

	for _, in := range inputs {
		path := "inputs." + in.Name
		if in.Rule != "" {
			if v.cel == nil {
				problems.Add(path+".rule", schema.ErrCodeValidation, "no CEL engine configured")
			} else if err := v.cel.CompileRule(in.Rule); err != nil {
				problems.Add(path+".rule", schema.ErrCodeExpression, err.Error())
			}
		}
		if in.Format != "" {
			if v.expr == nil {
				problems.Add(path+".format", schema.ErrCodeValidation, "no expr engine configured")
			} else if err := v.expr.Compile(in.Format); err != nil {
				problems.Add(path+".format", schema.ErrCodeExpression, err.Error())
			}
		}
		if len(in.Schema) > 0 {
			if err := v.schemas.Compile(in.Schema); err != nil {
				problems.Add(path+".schema", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	return problems.Err()
}

// Validate walks inputs in declaration order. Per input: default, formatter,
// validators, then the required check. The returned map is always the scrubbed
// param set, even when an error is returned, so it can be echoed back to the
// client. The first missing required input wins over any validation failure.
func (v *ParamValidator) Validate(ctx context.Context, inputs []actions.Input, conn *schema.Connection) (map[string]any, error) {
	raw := conn.Params
	out := v.scrub(raw, inputs)

	var missing *schema.HeroError
	var invalid error

	for _, in := range inputs {
		value, present := raw[in.Name]
		if present && v.cfg.MissingPolicy.IsMissing(value) {
			present = false
		}

		if !present && in.HasDefault() {
			value = defaultFor(in, conn)
			present = !v.cfg.MissingPolicy.IsMissing(value)
		}

		if !present {
			delete(out, in.Name)
			if in.Required && missing == nil {
				missing = schema.MissingParameterError(in.Name)
			}
			continue
		}

		formatted, err := v.check(ctx, in, value, raw, conn)
		if err != nil {
			out[in.Name] = value
			if invalid == nil {
				invalid = err
			}
			continue
		}
		out[in.Name] = formatted
	}

	if missing != nil {
		return out, missing
	}
	if invalid != nil {
		return out, invalid
	}
	return out, nil
}

// scrub keeps declared and safe params. With scrubbing disabled every key survives.
func (v *ParamValidator) scrub(raw map[string]any, inputs []actions.Input) map[string]any {
	out := make(map[string]any, len(raw))
	if v.cfg.DisableParamScrubbing {
		for k, val := range raw {
			out[k] = val
		}
		return out
	}

	for k := range v.safe {
		if val, ok := raw[k]; ok {
			out[k] = val
		}
	}
	for _, in := range inputs {
		if val, ok := raw[in.Name]; ok {
			out[in.Name] = val
		}
	}
	return out
}

// check runs the formatter chain and then every validator for one present value.
func (v *ParamValidator) check(ctx context.Context, in actions.Input, value any, raw map[string]any, conn *schema.Connection) (any, error) {
	var err error

	if in.Formatter != nil {
		value, err = in.Formatter(value, conn)
		if err != nil {
			return nil, schema.ValidationError(in.Name, err.Error()).WithCause(err)
		}
	}

	if in.Format != "" {
		if v.expr == nil {
			return nil, schema.ValidationError(in.Name, "no expr engine configured")
		}
		value, err = v.expr.Format(ctx, in.Format, value, raw)
		if err != nil {
			return nil, schema.ValidationError(in.Name, "").WithCause(err)
		}
	}

	for _, fn := range in.Validators {
		if err := fn(value, conn); err != nil {
			return nil, asValidationError(in.Name, err)
		}
	}

	if len(in.Schema) > 0 {
		if err := v.schemas.ValidateValue(value, in.Schema); err != nil {
			return nil, asValidationError(in.Name, err)
		}
	}

	if in.Rule != "" {
		if err := v.evalRule(ctx, in, value, raw, conn); err != nil {
			return nil, err
		}
	}

	return value, nil
}

func (v *ParamValidator) evalRule(ctx context.Context, in actions.Input, value any, raw map[string]any, conn *schema.Connection) error {
	if v.cel == nil {
		return schema.ValidationError(in.Name, "no CEL engine configured")
	}

	out, err := v.cel.Evaluate(ctx, in.Rule, map[string]any{
		"value":      value,
		"params":     raw,
		"connection": connectionVars(conn),
	})
	if err != nil {
		return schema.ValidationError(in.Name, "").WithCause(err)
	}

	ok, isBool := out.(bool)
	if !isBool {
		return schema.ValidationError(in.Name, fmt.Sprintf("rule for %q did not return a boolean", in.Name))
	}
	if !ok {
		return schema.ValidationError(in.Name, "")
	}
	return nil
}

// asValidationError keeps an existing HeroError's message and tags it with the param.
func asValidationError(param string, err error) *schema.HeroError {
	if he, ok := schema.AsHeroError(err); ok {
		out := schema.ValidationError(param, he.Message).WithCause(err)
		out.Details = he.Details
		return out
	}
	return schema.ValidationError(param, err.Error()).WithCause(err)
}

func defaultFor(in actions.Input, conn *schema.Connection) any {
	if in.DefaultFunc != nil {
		return in.DefaultFunc(conn)
	}
	return in.Default
}

func connectionVars(conn *schema.Connection) map[string]any {
	if conn == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":            conn.ID,
		"type":          string(conn.Type),
		"remoteAddress": conn.RemoteAddress,
		"fingerprint":   conn.Fingerprint,
	}
}

var (
	_ Validator             = (*ParamValidator)(nil)
	_ actions.InputCompiler = (*ParamValidator)(nil)
)
