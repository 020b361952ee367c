package actions

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/hero/pkg/schema"
)

// ReservedVerbs are socket-transport commands; no action may shadow them.
var ReservedVerbs = []string{
	"quit", "exit", "documentation",
	"paramAdd", "paramDelete", "paramView", "paramsView", "paramsDelete",
	"roomAdd", "roomLeave", "roomView",
	"detailsView", "say",
}

// snapshot is an immutable view of every registered action. Readers load it
// once and never observe a half-applied write.
type snapshot struct {
	actions  map[string]map[int]Action
	versions map[string][]int // ascending
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		actions:  make(map[string]map[int]Action, len(s.actions)),
		versions: make(map[string][]int, len(s.versions)),
	}
	for name, byVersion := range s.actions {
		m := make(map[int]Action, len(byVersion))
		for v, a := range byVersion {
			m[v] = a
		}
		next.actions[name] = m
	}
	for name, vs := range s.versions {
		next.versions[name] = append([]int(nil), vs...)
	}
	return next
}

func (s *snapshot) put(name string, version int, a Action) {
	byVersion, ok := s.actions[name]
	if !ok {
		byVersion = make(map[int]Action)
		s.actions[name] = byVersion
	}
	if _, exists := byVersion[version]; !exists {
		vs := append(s.versions[name], version)
		sort.Ints(vs)
		s.versions[name] = vs
	}
	byVersion[version] = a
}

func (s *snapshot) has(k Key) bool {
	_, ok := s.actions[k.Name][k.Version]
	return ok
}

func (s *snapshot) remove(k Key) {
	delete(s.actions[k.Name], k.Version)
	vs := s.versions[k.Name][:0]
	for _, v := range s.versions[k.Name] {
		if v != k.Version {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		delete(s.actions, k.Name)
		delete(s.versions, k.Name)
		return
	}
	s.versions[k.Name] = vs
}

// Key identifies one registered definition.
type Key struct {
	Name    string
	Version int
}

// KeyOf returns the (name, version) an action registers under.
func KeyOf(a Action) Key {
	return Key{Name: a.Name(), Version: VersionOf(a)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@v%d", k.Name, k.Version)
}

// Registry is the concrete copy-on-write ActionRegistry implementation.
// Reads are lock-free; writes are serialized and publish a new snapshot.
type Registry struct {
	writeMu  sync.Mutex
	current  atomic.Pointer[snapshot]
	compiler InputCompiler
}

// NewRegistry creates an empty Registry. compiler may be nil, in which case
// declarative input parts are not checked at registration.
func NewRegistry(compiler InputCompiler) *Registry {
	r := &Registry{compiler: compiler}
	r.current.Store(&snapshot{
		actions:  make(map[string]map[int]Action),
		versions: make(map[string][]int),
	})
	return r
}

// Register validates and adds an action. Returns error on duplicate (name, version).
func (r *Registry) Register(action Action) error {
	version, err := r.validate(action)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.actions[action.Name()][version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"action %q version %d already registered", action.Name(), version)
	}

	next := cur.clone()
	next.put(action.Name(), version, action)
	r.current.Store(next)
	return nil
}

// Replace swaps the definition stored under the action's (name, version),
// adding it if absent. Dispatches that already resolved the old definition
// keep running against it.
func (r *Registry) Replace(action Action) error {
	version, err := r.validate(action)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current.Load().clone()
	next.put(action.Name(), version, action)
	r.current.Store(next)
	return nil
}

// Unregister removes one (name, version). Returns NOT_FOUND if absent.
func (r *Registry) Unregister(name string, version int) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	k := Key{Name: name, Version: version}
	cur := r.current.Load()
	if !cur.has(k) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "action %q version %d not registered", name, version)
	}

	next := cur.clone()
	next.remove(k)
	r.current.Store(next)
	return nil
}

// Swap publishes one snapshot that drops the keys in drop and adds acts.
// An act may overwrite an existing definition only when its key is in owned;
// any other collision is a CONFLICT. Every act is validated first, and on
// error nothing changes.
func (r *Registry) Swap(acts []Action, owned, drop []Key) error {
	for _, a := range acts {
		if _, err := r.validate(a); err != nil {
			return err
		}
	}
	mine := make(map[Key]bool, len(owned))
	for _, k := range owned {
		mine[k] = true
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	for _, a := range acts {
		k := KeyOf(a)
		if cur.has(k) && !mine[k] {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"action %q version %d already registered", k.Name, k.Version).
				WithDetails(map[string]any{"action": k.Name, "version": k.Version})
		}
	}

	next := cur.clone()
	for _, k := range drop {
		if next.has(k) {
			next.remove(k)
		}
	}
	for _, a := range acts {
		k := KeyOf(a)
		next.put(k.Name, k.Version, a)
	}
	r.current.Store(next)
	return nil
}

// Resolve looks up an action. A version <= 0 selects the highest registered version.
func (r *Registry) Resolve(name string, version int) (Action, error) {
	snap := r.current.Load()

	vs := snap.versions[name]
	if len(vs) == 0 {
		return nil, schema.UnknownActionError(name, version)
	}
	if version <= 0 {
		version = vs[len(vs)-1]
	}
	action, ok := snap.actions[name][version]
	if !ok {
		return nil, schema.UnknownActionError(name, version)
	}
	return action, nil
}

// AllVersions returns the registered versions for name in ascending order.
func (r *Registry) AllVersions(name string) []int {
	vs := r.current.Load().versions[name]
	out := make([]int, len(vs))
	copy(out, vs)
	return out
}

// List returns info for all registered actions, sorted by name then version.
func (r *Registry) List() []ActionInfo {
	snap := r.current.Load()

	infos := make([]ActionInfo, 0, len(snap.actions))
	for name, byVersion := range snap.actions {
		for v, a := range byVersion {
			s := a.Schema()
			infos = append(infos, ActionInfo{
				Name:        name,
				Version:     v,
				Description: s.Description,
				Inputs:      s.Inputs,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Version < infos[j].Version
	})
	return infos
}

// Has checks if any version of an action is registered.
func (r *Registry) Has(name string) bool {
	return len(r.current.Load().versions[name]) > 0
}

// Count returns the number of registered (name, version) pairs.
func (r *Registry) Count() int {
	n := 0
	for _, vs := range r.current.Load().versions {
		n += len(vs)
	}
	return n
}

// RegisterAll registers each action in order, stopping at the first error.
func (r *Registry) RegisterAll(acts ...Action) error {
	for _, a := range acts {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// validate runs the registration-time checks and returns the effective version.
func (r *Registry) validate(action Action) (int, error) {
	if action == nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "action is nil")
	}

	name := action.Name()
	s := action.Schema()
	var problems schema.Problems

	if name == "" {
		problems.Add("name", schema.ErrCodeValidation, "action name is empty")
	}
	for _, verb := range ReservedVerbs {
		if name == verb {
			problems.Addf("name", schema.ErrCodeValidation,
				"action name %q collides with a reserved transport verb", name)
		}
	}
	if s.Description == "" {
		problems.Addf("description", schema.ErrCodeValidation,
			"action %q has no description", name)
	}
	if b, ok := action.(hasBody); ok && !b.hasRun() {
		problems.Addf("run", schema.ErrCodeValidation,
			"action %q has no run function", name)
	}
	if s.Version < 0 {
		problems.Addf("version", schema.ErrCodeValidation,
			"action %q has invalid version %d", name, s.Version)
	}
	for _, t := range s.BlockedConnectionTypes {
		if !t.Valid() {
			problems.Addf("blockedConnectionTypes", schema.ErrCodeValidation,
				"action %q blocks unknown connection type %q", name, t)
		}
	}

	seen := make(map[string]struct{}, len(s.Inputs))
	for i, in := range s.Inputs {
		path := fmt.Sprintf("inputs[%d]", i)
		if in.Name == "" {
			problems.Add(path, schema.ErrCodeValidation, "input name is empty")
			continue
		}
		if _, dup := seen[in.Name]; dup {
			problems.Addf(path, schema.ErrCodeValidation,
				"duplicate input %q", in.Name)
		}
		seen[in.Name] = struct{}{}
	}

	if problems.Empty() && r.compiler != nil {
		if err := r.compiler.CompileInputs(s.Inputs); err != nil {
			return 0, err
		}
	}
	if err := problems.Err(); err != nil {
		return 0, err
	}

	return VersionOf(action), nil
}

// VersionOf returns the effective version of an action (a zero version means 1).
func VersionOf(a Action) int {
	if v := a.Schema().Version; v > 0 {
		return v
	}
	return 1
}
