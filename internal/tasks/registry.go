package tasks

import (
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hero/pkg/schema"
)

// cronParser accepts standard five-field expressions and descriptors like @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Registry is a thread-safe in-memory task registry.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task. Returns CONFLICT if a task with the same name exists.
func (r *Registry) Register(t Task) error {
	if err := validateTask(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already registered", t.Name()).
			WithDetails(map[string]any{"task": t.Name()})
	}
	r.tasks[t.Name()] = t
	return nil
}

// Replace registers t, swapping out any task with the same name.
func (r *Registry) Replace(t Task) error {
	if err := validateTask(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Name()] = t
	return nil
}

// Get returns the task by name, or UNKNOWN_TASK.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[name]
	if !ok {
		return nil, schema.UnknownTaskError(name)
	}
	return t, nil
}

// Has reports whether a task with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// List returns all registered tasks sorted by name.
func (r *Registry) List() []TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		s := t.Schema()
		infos = append(infos, TaskInfo{
			Name:        t.Name(),
			Description: s.Description,
			Queue:       s.QueueOr(""),
			Frequency:   s.Frequency,
			Cron:        s.Cron,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Recurrent returns the names of every recurrent task, sorted.
func (r *Registry) Recurrent() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, t := range r.tasks {
		if t.Schema().Recurrent() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Schedule returns the recurrence schedule of a task. Cron wins over Frequency.
func Schedule(s TaskSchema) (cron.Schedule, error) {
	if s.Cron != "" {
		return cronParser.Parse(s.Cron)
	}
	if s.Frequency > 0 {
		return cron.Every(s.Frequency), nil
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "task is not recurrent")
}

func validateTask(t Task) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "task is nil")
	}

	var problems schema.Problems
	s := t.Schema()

	if t.Name() == "" {
		problems.Add("name", schema.ErrCodeValidation, "task name is empty")
	}
	if s.Description == "" {
		problems.Add("description", schema.ErrCodeValidation,
			"task "+t.Name()+" is missing a description")
	}
	if b, ok := t.(interface{ hasRun() bool }); ok && !b.hasRun() {
		problems.Add("run", schema.ErrCodeValidation,
			"task "+t.Name()+" has no run function")
	}
	if s.Frequency < 0 {
		problems.Add("frequency", schema.ErrCodeValidation, "frequency must not be negative")
	}
	if s.Cron != "" {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			problems.Add("cron", schema.ErrCodeValidation, err.Error())
		}
	}
	if s.Retry != nil && s.Retry.MaxAttempts < 0 {
		problems.Add("retry.max_attempts", schema.ErrCodeValidation, "max_attempts must not be negative")
	}

	return problems.Err()
}
