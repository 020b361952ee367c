// Package response renders a finished connection into the uniform envelope
// every transport sends back.
package response

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// Envelope keys. Action output is merged at the top level next to these.
const (
	KeyServerInformation    = "serverInformation"
	KeyRequesterInformation = "requesterInformation"
	KeyError                = "error"
)

// OK is the error value of a successful envelope.
const OK = "OK"

// Envelope is the transport-agnostic response body.
type Envelope map[string]any

// ErrorText returns the rendered error, or "" if it is not a string.
func (e Envelope) ErrorText() string {
	s, _ := e[KeyError].(string)
	return s
}

// ErrorRenderer turns connection.Error into the envelope's error value.
type ErrorRenderer func(err error) any

// PrefixedErrors renders "Error: <message>".
func PrefixedErrors(err error) any {
	return fmt.Sprintf("Error: %s", err.Error())
}

// StructuredErrors renders code, message and the offending param as an object.
func StructuredErrors(err error) any {
	if he, ok := schema.AsHeroError(err); ok {
		out := map[string]any{"code": he.Code, "message": he.Message}
		if he.Param != "" {
			out["param"] = he.Param
		}
		return out
	}
	return map[string]any{"code": schema.ErrCodeInternal, "message": err.Error()}
}

// Config holds the values stamped into serverInformation.
type Config struct {
	ServerName string
	APIVersion string
}

// Builder composes envelopes. It is safe for concurrent use.
type Builder struct {
	cfg      Config
	renderer ErrorRenderer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithErrorRenderer overrides the default "Error: <message>" rendering.
func WithErrorRenderer(r ErrorRenderer) Option {
	return func(b *Builder) {
		if r != nil {
			b.renderer = r
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder.
func NewBuilder(cfg Config, logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		cfg:      cfg,
		renderer: PrefixedErrors,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build renders conn. started is when the dispatch was created. Build never
// panics: if composing the envelope fails it returns a bare {error} envelope.
func (b *Builder) Build(conn *schema.Connection, started time.Time) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("response envelope build failed", slog.Any("panic", r))
			env = Envelope{KeyError: b.fallbackError(conn)}
		}
	}()

	if conn == nil {
		return Envelope{KeyError: PrefixedErrors(schema.InternalActionError(nil))}
	}

	now := b.now()
	env = make(Envelope, len(conn.Response)+3)
	for k, v := range conn.Response {
		env[k] = v
	}

	env[KeyServerInformation] = map[string]any{
		"serverName":      b.cfg.ServerName,
		"apiVersion":      b.cfg.APIVersion,
		"requestDuration": now.Sub(started).Milliseconds(),
		"currentTime":     now.UnixMilli(),
	}

	requester := map[string]any{
		"id":             conn.ID,
		"fingerprint":    conn.Fingerprint,
		"remoteAddress":  conn.RemoteAddress,
		"receivedParams": copyParams(conn.Params),
	}
	if conn.MessageID != "" {
		requester["messageId"] = conn.MessageID
	}
	env[KeyRequesterInformation] = requester

	if conn.Error != nil {
		env[KeyError] = b.renderer(conn.Error)
	} else {
		env[KeyError] = OK
	}
	return env
}

func (b *Builder) fallbackError(conn *schema.Connection) string {
	if conn != nil && conn.Error != nil {
		if msg := safeMessage(conn.Error); msg != "" {
			return "Error: " + msg
		}
	}
	return "Error: " + schema.MsgInternalError
}

// safeMessage reads err.Error() without letting a broken error type escape.
func safeMessage(err error) (msg string) {
	defer func() {
		if recover() != nil {
			msg = ""
		}
	}()
	return err.Error()
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
