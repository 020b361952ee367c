package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeUnknownAction         = "UNKNOWN_ACTION"
	ErrCodeUnknownTask           = "UNKNOWN_TASK"
	ErrCodeMissingParameter      = "MISSING_PARAMETER"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeBlockedConnectionType = "BLOCKED_CONNECTION_TYPE"
	ErrCodeMiddleware            = "MIDDLEWARE_ERROR"
	ErrCodeInternal              = "INTERNAL_ERROR"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeQueue                 = "QUEUE_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeExpression            = "EXPRESSION_ERROR"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeCircuitOpen           = "CIRCUIT_OPEN"
)

// Client-facing messages for the errors the pipeline produces on its own.
const (
	MsgUnknownAction   = "unknown action or invalid apiVersion"
	MsgInternalError   = "The server experienced an internal error"
	MsgMissingParamFmt = "%s is a required parameter for this action"
	MsgInvalidParamFmt = "Input for parameter %q failed validation!"
	MsgBlockedTypeFmt  = "this action does not support the %s connection type"
	MsgUnknownTaskFmt  = "task %q not found"
)

// HeroError is the structured error type for every failure the dispatch
// pipeline produces. Error() returns the bare message so that transports
// render it as "Error: <message>".
type HeroError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Param   string         `json:"param,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *HeroError) Error() string {
	return e.Message
}

func (e *HeroError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HeroError.
func NewError(code, message string) *HeroError {
	return &HeroError{Code: code, Message: message}
}

// NewErrorf creates a new HeroError with a formatted message.
func NewErrorf(code, format string, args ...any) *HeroError {
	return &HeroError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithParam attaches the offending parameter name.
func (e *HeroError) WithParam(name string) *HeroError {
	e.Param = name
	return e
}

// WithCause attaches an underlying cause.
func (e *HeroError) WithCause(err error) *HeroError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HeroError) WithDetails(details map[string]any) *HeroError {
	e.Details = details
	return e
}

// --- taxonomy constructors ---

func UnknownActionError(name string, version int) *HeroError {
	return NewError(ErrCodeUnknownAction, MsgUnknownAction).
		WithDetails(map[string]any{"action": name, "apiVersion": version})
}

func UnknownTaskError(name string) *HeroError {
	return NewErrorf(ErrCodeUnknownTask, MsgUnknownTaskFmt, name).
		WithDetails(map[string]any{"task": name})
}

func MissingParameterError(param string) *HeroError {
	return NewErrorf(ErrCodeMissingParameter, MsgMissingParamFmt, param).WithParam(param)
}

// ValidationError reports a rejected input. An empty reason falls back to the
// generic "failed validation" message.
func ValidationError(param, reason string) *HeroError {
	if reason == "" {
		reason = fmt.Sprintf(MsgInvalidParamFmt, param)
	}
	return NewError(ErrCodeValidation, reason).WithParam(param)
}

func BlockedConnectionTypeError(connType ConnectionType) *HeroError {
	return NewErrorf(ErrCodeBlockedConnectionType, MsgBlockedTypeFmt, connType)
}

func MiddlewareError(name string, cause error) *HeroError {
	msg := fmt.Sprintf("middleware %q failed", name)
	if cause != nil {
		msg = cause.Error()
	}
	return NewError(ErrCodeMiddleware, msg).
		WithCause(cause).
		WithDetails(map[string]any{"middleware": name})
}

// InternalActionError hides the cause behind the generic message. The cause
// stays reachable through Unwrap for operators.
func InternalActionError(cause error) *HeroError {
	return NewError(ErrCodeInternal, MsgInternalError).WithCause(cause)
}

// HasCode reports whether err is a HeroError carrying the given code.
func HasCode(err error, code string) bool {
	he, ok := AsHeroError(err)
	return ok && he.Code == code
}

// AsHeroError unwraps err to a *HeroError if one is in its chain.
func AsHeroError(err error) (*HeroError, bool) {
	var he *HeroError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
