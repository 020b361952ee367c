package tasks

import (
	"sync"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// CircuitState is the state of a task's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-task circuit breakers in the runner.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive job failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long an open circuit defers jobs before letting one through.
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultBreakerConfig returns the runner's breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// Breakers tracks consecutive job failures per task. While a task's circuit is
// open the runner defers its jobs instead of running them.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewBreakers creates a Breakers registry. Zero config fields take defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breakers{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Allow reports whether a job for task may run now. When it may not, the
// returned time is when the circuit will next admit a probe job.
func (b *Breakers) Allow(task string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.get(task)
	now := b.now()
	switch cb.state {
	case CircuitOpen:
		reopen := cb.openedAt.Add(b.cfg.Cooldown)
		if now.Before(reopen) {
			return reopen, b.openError(task, cb, reopen.Sub(now))
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return time.Time{}, nil
	case CircuitHalfOpen:
		if cb.probing {
			return now.Add(b.cfg.Cooldown), schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for task %q: probe job in flight", task)
		}
		cb.probing = true
	}
	return time.Time{}, nil
}

func (b *Breakers) openError(task string, cb *breaker, remaining time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit open for task %q after %d consecutive failures", task, cb.failures).
		WithDetails(map[string]any{
			"task":                 task,
			"consecutive_failures": cb.failures,
			"cooldown_remaining":   remaining.String(),
		})
}

// Success closes the task's circuit.
func (b *Breakers) Success(task string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.get(task)
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
}

// Failure records a failed run and returns the resulting state.
func (b *Breakers) Failure(task string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.get(task)
	cb.failures++
	cb.probing = false
	if cb.state == CircuitHalfOpen || cb.failures >= b.cfg.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = b.now()
	}
	return cb.state
}

// State returns the task's current circuit state.
func (b *Breakers) State(task string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(task).state
}

// Stats returns a snapshot of every tracked circuit, keyed by task.
func (b *Breakers) Stats() map[string]map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]map[string]any, len(b.breakers))
	for task, cb := range b.breakers {
		out[task] = map[string]any{
			"state":                cb.state.String(),
			"consecutive_failures": cb.failures,
		}
	}
	return out
}

func (b *Breakers) get(task string) *breaker {
	cb, ok := b.breakers[task]
	if !ok {
		cb = &breaker{}
		b.breakers[task] = cb
	}
	return cb
}
