package middleware

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// Kind says whether a middleware wraps actions or tasks.
type Kind string

const (
	KindAction Kind = "action"
	KindTask   Kind = "task"
)

// DefaultPriority is applied to descriptors registered with a zero priority.
const DefaultPriority = 100

// Invocation is the in-flight execution a processor sees. Processors may
// mutate Params (and Conn.Params for actions) to affect what the body observes.
type Invocation struct {
	Kind    Kind
	Name    string
	Version int

	// Conn is set for action dispatches and inline task runs.
	Conn *schema.Connection

	// Params are the task params for enqueue and run hooks. For actions
	// they alias Conn.Params.
	Params map[string]any

	Queue string
	RunAt time.Time

	// Enqueued is set by the enqueuer before post-enqueue hooks run.
	Enqueued bool
}

// Processor is one middleware step. A non-nil error stops the chain.
type Processor func(ctx context.Context, inv *Invocation) error

// Descriptor is a named middleware registration.
type Descriptor struct {
	Name     string
	Kind     Kind
	Priority int
	Global   bool

	Pre  Processor
	Post Processor

	// Task only: run around Enqueue instead of around execution.
	PreEnqueue  Processor
	PostEnqueue Processor
}

// entry is a stored descriptor plus its registration sequence, used to keep
// equal priorities in registration order.
type entry struct {
	Descriptor
	seq uint64
}

// Chain holds the registered middleware and resolves the ordered processor
// list for a single execution. It is safe for concurrent use.
type Chain struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
}

// NewChain creates an empty Chain.
func NewChain() *Chain {
	return &Chain{entries: make(map[string]*entry)}
}

// Register adds a middleware. A duplicate name is a CONFLICT; use Replace to swap.
func (c *Chain) Register(d Descriptor) error {
	if err := validate(&d); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[d.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "middleware %q already registered", d.Name).
			WithDetails(map[string]any{"middleware": d.Name})
	}
	c.seq++
	c.entries[d.Name] = &entry{Descriptor: d, seq: c.seq}
	return nil
}

// Replace registers d, swapping out any middleware with the same name.
// A replaced entry keeps its registration slot.
func (c *Chain) Replace(d Descriptor) error {
	if err := validate(&d); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.entries[d.Name]; exists {
		c.entries[d.Name] = &entry{Descriptor: d, seq: old.seq}
		return nil
	}
	c.seq++
	c.entries[d.Name] = &entry{Descriptor: d, seq: c.seq}
	return nil
}

// Unregister removes a middleware by name.
func (c *Chain) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[name]; !exists {
		return schema.NewErrorf(schema.ErrCodeNotFound, "middleware %q not found", name)
	}
	delete(c.entries, name)
	return nil
}

// Has reports whether a middleware with the given name is registered.
func (c *Chain) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Resolve returns the ordered middleware for one execution: global entries of
// the given kind sorted by priority, then the named entries in the given
// order, deduplicated by name with the first occurrence winning.
func (c *Chain) Resolve(kind Kind, names []string) ([]Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	globals := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Global && e.Kind == kind {
			globals = append(globals, e)
		}
	}
	sort.SliceStable(globals, func(i, j int) bool {
		if globals[i].Priority != globals[j].Priority {
			return globals[i].Priority < globals[j].Priority
		}
		return globals[i].seq < globals[j].seq
	})

	seen := make(map[string]struct{}, len(globals)+len(names))
	out := make([]Descriptor, 0, len(globals)+len(names))
	for _, e := range globals {
		seen[e.Name] = struct{}{}
		out = append(out, e.Descriptor)
	}

	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		e, ok := c.entries[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMiddleware, "middleware %q is not registered", name).
				WithDetails(map[string]any{"middleware": name})
		}
		if e.Kind != kind {
			return nil, schema.NewErrorf(schema.ErrCodeMiddleware,
				"middleware %q is %s middleware, not %s", name, e.Kind, kind).
				WithDetails(map[string]any{"middleware": name})
		}
		seen[name] = struct{}{}
		out = append(out, e.Descriptor)
	}

	return out, nil
}

// List returns every registered descriptor in registration order.
func (c *Chain) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]Descriptor, len(all))
	for i, e := range all {
		out[i] = e.Descriptor
	}
	return out
}

func validate(d *Descriptor) error {
	var problems schema.Problems

	if d.Name == "" {
		problems.Add("name", schema.ErrCodeValidation, "middleware name is empty")
	}
	if d.Kind == "" {
		d.Kind = KindAction
	}
	switch d.Kind {
	case KindAction:
		if d.PreEnqueue != nil || d.PostEnqueue != nil {
			problems.Add("kind", schema.ErrCodeValidation,
				"enqueue hooks are only valid on task middleware")
		}
	case KindTask:
	default:
		problems.Add("kind", schema.ErrCodeValidation, "unknown middleware kind: "+string(d.Kind))
	}
	if d.Pre == nil && d.Post == nil && d.PreEnqueue == nil && d.PostEnqueue == nil {
		problems.Add("processors", schema.ErrCodeValidation,
			"middleware "+d.Name+" declares no processors")
	}
	if d.Priority == 0 {
		d.Priority = DefaultPriority
	}

	return problems.Err()
}
