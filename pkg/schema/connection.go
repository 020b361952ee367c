package schema

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionType identifies the transport a request arrived on.
type ConnectionType string

const (
	ConnectionWeb       ConnectionType = "web"
	ConnectionSocket    ConnectionType = "socket"
	ConnectionWebSocket ConnectionType = "websocket"
	ConnectionTask      ConnectionType = "task"
	ConnectionMCP       ConnectionType = "mcp"
)

// Valid reports whether t is a known transport kind.
func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionWeb, ConnectionSocket, ConnectionWebSocket, ConnectionTask, ConnectionMCP:
		return true
	}
	return false
}

// Well-known param keys read by the dispatcher itself.
const (
	ParamAction     = "action"
	ParamAPIVersion = "apiVersion"
	ParamCallback   = "callback"
	ParamFile       = "file"
)

// Connection is the per-request state carried through the dispatch
// pipeline. It is owned by exactly one dispatch and never shared.
type Connection struct {
	ID            string
	Type          ConnectionType
	RemoteAddress string
	RemotePort    int
	Fingerprint   string
	MessageID     string

	// Params holds the validated params once the dispatcher has run the
	// validator; before that it holds what the transport received.
	Params map[string]any

	// Response accumulates the action's output fields.
	Response map[string]any

	// Error is nil for a successful request.
	Error error

	ActionName    string
	ActionVersion int

	// RawConnection is the transport handle. The dispatcher never inspects it.
	RawConnection any

	ConnectedAt time.Time
}

// NewConnection creates a Connection with a fresh id and empty accumulators.
func NewConnection(typ ConnectionType, params map[string]any) *Connection {
	if params == nil {
		params = make(map[string]any)
	}
	id := uuid.New().String()
	return &Connection{
		ID:          id,
		Type:        typ,
		Fingerprint: id,
		Params:      params,
		Response:    make(map[string]any),
		ConnectedAt: time.Now().UTC(),
	}
}

// Snapshot returns a loggable view of the connection with the raw handle
// omitted.
func (c *Connection) Snapshot() map[string]any {
	snap := map[string]any{
		"id":            c.ID,
		"type":          string(c.Type),
		"remoteAddress": c.RemoteAddress,
		"action":        c.ActionName,
		"apiVersion":    c.ActionVersion,
		"params":        c.Params,
	}
	if c.MessageID != "" {
		snap["messageId"] = c.MessageID
	}
	return snap
}
