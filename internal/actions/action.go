package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/hero/pkg/schema"
)

// Action is a named, versioned unit of request-handling logic.
// Implementations must be immutable once registered.
type Action interface {
	Name() string
	Schema() ActionSchema
	Run(ctx context.Context, conn *schema.Connection) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Replace(action Action) error
	Resolve(name string, version int) (Action, error)
	AllVersions(name string) []int
	List() []ActionInfo
}

// ActionSchema describes everything about an action other than its body.
type ActionSchema struct {
	Version     int     `json:"version"`
	Description string  `json:"description"`
	Inputs      []Input `json:"inputs,omitempty"`

	// BlockedConnectionTypes lists transports this action refuses.
	BlockedConnectionTypes []schema.ConnectionType `json:"blockedConnectionTypes,omitempty"`

	// Middleware names applied after the global middleware, in this order.
	Middleware []string `json:"middleware,omitempty"`

	OutputExample json.RawMessage `json:"outputExample,omitempty"`
}

// Blocks reports whether the action refuses connections of type t.
func (s ActionSchema) Blocks(t schema.ConnectionType) bool {
	for _, b := range s.BlockedConnectionTypes {
		if b == t {
			return true
		}
	}
	return false
}

// ValidatorFunc rejects a param value by returning an error. The error text
// is shown to the client; a nil-message error falls back to the generic one.
type ValidatorFunc func(value any, conn *schema.Connection) error

// FormatFunc converts a raw param value before validators see it.
type FormatFunc func(value any, conn *schema.Connection) (any, error)

// Input declares one accepted param. Inputs are evaluated in slice order.
type Input struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`

	Validators []ValidatorFunc `json:"-"`
	Formatter  FormatFunc      `json:"-"`

	// Default is used when the param is missing. DefaultFunc wins when set.
	Default     any                               `json:"default,omitempty"`
	DefaultFunc func(conn *schema.Connection) any `json:"-"`

	// Declarative forms, compiled at registration time.
	Schema json.RawMessage `json:"schema,omitempty"` // JSON Schema for the value
	Rule   string          `json:"rule,omitempty"`   // CEL boolean over value/params/connection
	Format string          `json:"format,omitempty"` // Expr expression over value/params
}

// HasDefault reports whether the input declares a default value.
func (in Input) HasDefault() bool {
	return in.Default != nil || in.DefaultFunc != nil
}

// InputCompiler checks declarative input parts when an action is registered.
// Satisfied by *validation.ParamValidator.
type InputCompiler interface {
	CompileInputs(inputs []Input) error
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string  `json:"name"`
	Version     int     `json:"version"`
	Description string  `json:"description,omitempty"`
	Inputs      []Input `json:"inputs,omitempty"`
}

// RunFunc is the body of a function-backed action.
type RunFunc func(ctx context.Context, conn *schema.Connection) error

// funcAction is the Go-closure Action variant.
type funcAction struct {
	name   string
	schema ActionSchema
	run    RunFunc
}

// New builds an Action from a closure. A zero Version is normalized to 1.
func New(name string, s ActionSchema, run RunFunc) Action {
	if s.Version == 0 {
		s.Version = 1
	}
	return &funcAction{name: name, schema: s, run: run}
}

func (a *funcAction) Name() string         { return a.name }
func (a *funcAction) Schema() ActionSchema { return a.schema }

func (a *funcAction) Run(ctx context.Context, conn *schema.Connection) error {
	return a.run(ctx, conn)
}

// hasBody is satisfied by variants that can carry a missing body.
type hasBody interface {
	hasRun() bool
}

func (a *funcAction) hasRun() bool { return a.run != nil }
