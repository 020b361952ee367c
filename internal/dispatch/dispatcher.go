// Package dispatch sequences resolution, validation, middleware and the
// action body for a single request, and renders the result.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/internal/middleware"
	"github.com/rendis/hero/internal/response"
	"github.com/rendis/hero/internal/validation"
	"github.com/rendis/hero/pkg/schema"
)

// Request is what a transport hands to the dispatcher.
type Request struct {
	Type   schema.ConnectionType
	Params map[string]any

	// Action and Version override params.action and params.apiVersion when set,
	// for transports that carry them outside the params (a URL path, say).
	Action  string
	Version int

	RemoteAddress string
	RemotePort    int
	Fingerprint   string
	MessageID     string
	RawConnection any
}

// Result is the outcome of one dispatch. State is DONE or ERRORED.
type Result struct {
	Connection *schema.Connection
	Action     actions.Action
	State      State
	History    []State
	Envelope   response.Envelope
}

// Err returns the connection error, nil on success.
func (r *Result) Err() error {
	return r.Connection.Error
}

// Dispatcher runs the request pipeline. One Dispatcher serves every request
// concurrently; each dispatch owns its Connection exclusively.
type Dispatcher struct {
	registry  actions.ActionRegistry
	chain     *middleware.Chain
	validator validation.Validator
	builder   *response.Builder
	reporter  ExceptionReporter
	logger    *slog.Logger
	hooks     []TransitionHook
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReporter sets the exception reporter. Defaults to a LogReporter.
func WithReporter(r ExceptionReporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTransitionHook adds a state transition observer.
func WithTransitionHook(h TransitionHook) Option {
	return func(d *Dispatcher) { d.hooks = append(d.hooks, h) }
}

// New creates a Dispatcher.
func New(registry actions.ActionRegistry, chain *middleware.Chain, validator validation.Validator, builder *response.Builder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		chain:     chain,
		validator: validator,
		builder:   builder,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.reporter == nil {
		d.reporter = LogReporter{Logger: d.logger}
	}
	return d
}

// Reporter returns the exception reporter, shared with the task runner.
func (d *Dispatcher) Reporter() ExceptionReporter {
	return d.reporter
}

// Dispatch runs one request to completion. It never panics and never returns
// an error: every failure is rendered into the envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Result {
	started := time.Now()

	conn := schema.NewConnection(req.Type, copyParams(req.Params))
	conn.RemoteAddress = req.RemoteAddress
	conn.RemotePort = req.RemotePort
	conn.MessageID = req.MessageID
	conn.RawConnection = req.RawConnection
	if req.Fingerprint != "" {
		conn.Fingerprint = req.Fingerprint
	}
	if req.Action != "" {
		conn.Params[schema.ParamAction] = req.Action
	}
	if req.Version > 0 {
		conn.Params[schema.ParamAPIVersion] = req.Version
	}

	ctx = logging.WithConnectionID(ctx, conn.ID)
	m := newMachine(conn, d.hooks)
	res := &Result{Connection: conn}

	d.run(ctx, m, res)

	if conn.Error != nil && m.state != StateErrored {
		_ = m.to(StateErrored)
	}

	res.Envelope = d.builder.Build(conn, started)
	if !m.state.Terminal() {
		_ = m.to(StateDone)
	}
	res.State = m.state
	res.History = m.history

	d.logCompletion(ctx, res, started)
	return res
}

// run advances the machine as far as it can. On failure it sets conn.Error
// and leaves the machine in ERRORED; on success it leaves it in RENDERING.
func (d *Dispatcher) run(ctx context.Context, m *machine, res *Result) {
	conn := res.Connection

	fail := func(err error) {
		conn.Error = err
		_ = m.to(StateErrored)
	}

	// CREATED: resolve and check the transport.
	name, version, err := target(conn.Params)
	conn.ActionName = name
	if err != nil {
		d.scrubOnly(ctx, conn)
		fail(err)
		return
	}
	action, err := d.registry.Resolve(name, version)
	if err != nil {
		d.scrubOnly(ctx, conn)
		fail(err)
		return
	}
	res.Action = action
	s := action.Schema()
	conn.ActionVersion = actions.VersionOf(action)
	ctx = logging.WithAction(ctx, name)

	if s.Blocks(conn.Type) {
		d.scrubOnly(ctx, conn)
		fail(schema.BlockedConnectionTypeError(conn.Type))
		return
	}

	// VALIDATING
	if err := m.to(StateValidating); err != nil {
		fail(err)
		return
	}
	var params map[string]any
	err = Invoke(ctx, d.reporter, conn, func(ctx context.Context) error {
		var verr error
		params, verr = d.validator.Validate(ctx, s.Inputs, conn)
		return verr
	})
	if params != nil {
		conn.Params = params
	} else {
		d.scrubOnly(ctx, conn)
	}
	if err != nil {
		fail(err)
		return
	}

	// PRE_MIDDLEWARE
	if err := m.to(StatePreMiddleware); err != nil {
		fail(err)
		return
	}
	chain, err := d.chain.Resolve(middleware.KindAction, s.Middleware)
	if err != nil {
		fail(err)
		return
	}
	inv := &middleware.Invocation{
		Kind:    middleware.KindAction,
		Name:    name,
		Version: conn.ActionVersion,
		Conn:    conn,
		Params:  conn.Params,
	}
	if err := Invoke(ctx, d.reporter, conn, func(ctx context.Context) error {
		return middleware.RunPre(ctx, chain, inv)
	}); err != nil {
		fail(err)
		return
	}

	// RUNNING
	if err := m.to(StateRunning); err != nil {
		fail(err)
		return
	}
	if err := Invoke(ctx, d.reporter, conn, action.Run); err != nil {
		fail(err)
		return
	}

	// POST_MIDDLEWARE: a failure here is recorded, the response survives.
	if err := m.to(StatePostMiddleware); err != nil {
		fail(err)
		return
	}
	if err := Invoke(ctx, d.reporter, conn, func(ctx context.Context) error {
		return middleware.RunPost(ctx, chain, inv)
	}); err != nil {
		conn.Error = err
	}

	_ = m.to(StateRendering)
}

// scrubOnly strips undeclared params so an early failure does not echo them back.
func (d *Dispatcher) scrubOnly(ctx context.Context, conn *schema.Connection) {
	params, _ := d.validator.Validate(ctx, nil, conn)
	if params != nil {
		conn.Params = params
	}
}

func (d *Dispatcher) logCompletion(ctx context.Context, res *Result, started time.Time) {
	conn := res.Connection
	attrs := []any{
		slog.String("connection_type", string(conn.Type)),
		slog.String("state", string(res.State)),
		slog.Int64("duration_ms", time.Since(started).Milliseconds()),
	}
	if conn.ActionName != "" {
		attrs = append(attrs, slog.String("action", conn.ActionName), slog.Int("api_version", conn.ActionVersion))
	}
	if conn.Error != nil {
		attrs = append(attrs, slog.String("error", conn.Error.Error()))
		d.logger.InfoContext(ctx, "action errored", attrs...)
		return
	}
	d.logger.DebugContext(ctx, "action completed", attrs...)
}

// target reads the action name and requested version from params. A zero
// version means latest.
func target(params map[string]any) (string, int, error) {
	name, _ := params[schema.ParamAction].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return "", 0, schema.UnknownActionError("", 0)
	}

	version, ok := ParseAPIVersion(params[schema.ParamAPIVersion])
	if !ok {
		return name, 0, schema.UnknownActionError(name, 0)
	}
	return name, version, nil
}

// ParseAPIVersion accepts ints, integral floats, JSON numbers and strings like
// "2" or "v2". A nil or empty value is version 0 (latest).
func ParseAPIVersion(v any) (int, bool) {
	switch val := v.(type) {
	case nil:
		return 0, true
	case int:
		return val, val >= 0
	case int64:
		return int(val), val >= 0
	case float64:
		if val != math.Trunc(val) || val < 0 {
			return 0, false
		}
		return int(val), true
	case json.Number:
		n, err := val.Int64()
		return int(n), err == nil && n >= 0
	case string:
		s := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(val)), "v")
		if s == "" {
			return 0, true
		}
		n, err := strconv.Atoi(s)
		return n, err == nil && n >= 0
	default:
		return 0, false
	}
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
