package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/pkg/schema"
)

// ExceptionReporter receives the full detail of a crash inside an action or
// task body, its validators or its middleware. Clients only ever see the
// generic internal error.
type ExceptionReporter interface {
	Report(ctx context.Context, err error, snapshot map[string]any, stack []byte)
}

// ReporterFunc adapts a function to ExceptionReporter.
type ReporterFunc func(ctx context.Context, err error, snapshot map[string]any, stack []byte)

func (f ReporterFunc) Report(ctx context.Context, err error, snapshot map[string]any, stack []byte) {
	f(ctx, err, snapshot, stack)
}

// LogReporter writes exceptions to a structured logger at error level.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(ctx context.Context, err error, snapshot map[string]any, stack []byte) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logging.LogWith(ctx, logger).ErrorContext(ctx, "uncaught exception",
		slog.String("error", err.Error()),
		slog.Any("connection", snapshot),
		slog.String("stack", string(stack)),
	)
}

// Invoke runs body and absorbs a panic: the panic is sent to the reporter,
// conn.Response is reset to an empty map, and the generic internal error is
// returned. An error returned by body passes through unchanged.
func Invoke(ctx context.Context, reporter ExceptionReporter, conn *schema.Connection, body func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		cause, ok := r.(error)
		if !ok {
			cause = fmt.Errorf("%v", r)
		}
		var snapshot map[string]any
		if conn != nil {
			snapshot = conn.Snapshot()
			conn.Response = make(map[string]any)
		}
		if reporter != nil {
			reporter.Report(ctx, cause, snapshot, debug.Stack())
		}
		err = schema.InternalActionError(cause)
	}()

	return body(ctx)
}
