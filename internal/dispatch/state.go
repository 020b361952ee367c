package dispatch

import (
	"github.com/rendis/hero/pkg/schema"
)

// State is a dispatch lifecycle state.
type State string

const (
	StateCreated        State = "CREATED"
	StateValidating     State = "VALIDATING"
	StatePreMiddleware  State = "PRE_MIDDLEWARE"
	StateRunning        State = "RUNNING"
	StatePostMiddleware State = "POST_MIDDLEWARE"
	StateRendering      State = "RENDERING"
	StateDone           State = "DONE"
	StateErrored        State = "ERRORED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// ValidTransitions defines the allowed dispatch transitions. ERRORED is
// reachable from every non-terminal state.
var ValidTransitions = map[State][]State{
	StateCreated:        {StateValidating, StateErrored},
	StateValidating:     {StatePreMiddleware, StateErrored},
	StatePreMiddleware:  {StateRunning, StateErrored},
	StateRunning:        {StatePostMiddleware, StateErrored},
	StatePostMiddleware: {StateRendering, StateErrored},
	StateRendering:      {StateDone, StateErrored},
}

// TransitionHook observes state changes. Hooks must not block.
type TransitionHook func(conn *schema.Connection, from, to State)

// machine tracks one dispatch's state. It is owned by a single goroutine.
type machine struct {
	conn    *schema.Connection
	state   State
	history []State
	hooks   []TransitionHook
}

func newMachine(conn *schema.Connection, hooks []TransitionHook) *machine {
	return &machine{
		conn:    conn,
		state:   StateCreated,
		history: []State{StateCreated},
		hooks:   hooks,
	}
}

// to moves the machine to the next state.
func (m *machine) to(next State) error {
	if !isValidTransition(m.state, next) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid dispatch transition: %s -> %s", m.state, next).
			WithDetails(map[string]any{"connection_id": m.conn.ID, "from": string(m.state), "to": string(next)})
	}

	from := m.state
	m.state = next
	m.history = append(m.history, next)
	for _, hook := range m.hooks {
		hook(m.conn, from, next)
	}
	return nil
}

func isValidTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
