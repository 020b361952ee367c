// Package loader turns declarative action files (YAML or JSON) into jq-backed
// actions and keeps the registry in sync with the files on disk.
package loader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/expressions"
	"github.com/rendis/hero/internal/validation"
	"github.com/rendis/hero/pkg/schema"
)

// File is the decoded form of one action file.
type File struct {
	Actions []ActionDef `json:"actions"`
}

// ActionDef declares one action. Run is a jq program over {params, connection}.
type ActionDef struct {
	Name                   string          `json:"name"`
	Version                int             `json:"version,omitempty"`
	Description            string          `json:"description"`
	Run                    string          `json:"run"`
	BlockedConnectionTypes []string        `json:"blockedConnectionTypes,omitempty"`
	Middleware             []string        `json:"middleware,omitempty"`
	Inputs                 []InputDef      `json:"inputs,omitempty"`
	OutputExample          json.RawMessage `json:"outputExample,omitempty"`
}

// InputDef declares one accepted param.
type InputDef struct {
	Name     string          `json:"name"`
	Required bool            `json:"required,omitempty"`
	Default  any             `json:"default,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
	Rule     string          `json:"rule,omitempty"`
	Format   string          `json:"format,omitempty"`
}

// Loader registers actions from files and remembers which file owns which
// (name, version) so a changed or deleted file can be reconciled.
type Loader struct {
	registry *actions.Registry
	schemas  *validation.JSONSchemaValidator
	jq       *expressions.GoJQEngine
	logger   *slog.Logger

	mu    sync.Mutex
	owned map[string][]actions.Key // abs path -> keys
}

// New creates a Loader.
func New(registry *actions.Registry, schemas *validation.JSONSchemaValidator, jq *expressions.GoJQEngine, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: registry,
		schemas:  schemas,
		jq:       jq,
		logger:   logger,
		owned:    make(map[string][]actions.Key),
	}
}

// IsActionFile reports whether path has a supported extension.
func IsActionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Parse decodes and validates an action file and builds its actions. Nothing
// is registered.
func (l *Loader) Parse(data []byte) ([]actions.Action, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to parse action file").WithCause(err)
	}
	if err := l.schemas.ValidateActionFile(doc); err != nil {
		return nil, err
	}

	// Round-trip through JSON so the struct tags above are the single source
	// of field names.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize action file").WithCause(err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode action file").WithCause(err)
	}

	seen := make(map[actions.Key]bool, len(f.Actions))
	out := make([]actions.Action, 0, len(f.Actions))
	for _, def := range f.Actions {
		a, err := l.build(def)
		if err != nil {
			return nil, err
		}
		k := actions.KeyOf(a)
		if seen[k] {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"action %s v%d declared twice in one file", k.Name, k.Version)
		}
		seen[k] = true
		out = append(out, a)
	}
	return out, nil
}

func (l *Loader) build(def ActionDef) (actions.Action, error) {
	s := actions.ActionSchema{
		Version:       def.Version,
		Description:   def.Description,
		Middleware:    def.Middleware,
		OutputExample: def.OutputExample,
	}
	for _, b := range def.BlockedConnectionTypes {
		s.BlockedConnectionTypes = append(s.BlockedConnectionTypes, schema.ConnectionType(b))
	}
	for _, in := range def.Inputs {
		s.Inputs = append(s.Inputs, actions.Input{
			Name:     in.Name,
			Required: in.Required,
			Default:  in.Default,
			Schema:   in.Schema,
			Rule:     in.Rule,
			Format:   in.Format,
		})
	}

	a, err := actions.NewJQAction(def.Name, s, def.Run, l.jq)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", def.Name, err)
	}
	return a, nil
}

// LoadFile parses path and swaps its actions into the registry in one step.
// Actions the file declared before but no longer does are unregistered. A
// file may only overwrite keys it already owns, so a clash with a builtin or
// another file is a CONFLICT. On any error the registry is untouched.
func (l *Loader) LoadFile(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read action file: %w", err)
	}
	acts, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]actions.Key, 0, len(acts))
	names := make([]string, 0, len(acts))
	current := make(map[actions.Key]bool, len(acts))
	for _, a := range acts {
		k := actions.KeyOf(a)
		keys = append(keys, k)
		names = append(names, k.String())
		current[k] = true
	}

	prev := l.owned[abs]
	var drop []actions.Key
	for _, k := range prev {
		if !current[k] {
			drop = append(drop, k)
		}
	}
	if err := l.registry.Swap(acts, prev, drop); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}
	l.owned[abs] = keys

	l.logger.Info("action file loaded", slog.String("file", abs), slog.Any("actions", names))
	return names, nil
}

// RemoveFile unregisters every action the file declared.
func (l *Loader) RemoveFile(path string) int {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, k := range l.owned[abs] {
		if err := l.registry.Unregister(k.Name, k.Version); err == nil {
			n++
		}
	}
	delete(l.owned, abs)
	if n > 0 {
		l.logger.Info("action file removed", slog.String("file", abs), slog.Int("actions", n))
	}
	return n
}

// LoadDir loads every action file directly under dir, in name order. It
// keeps going past broken files and returns their errors joined.
func (l *Loader) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read actions dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	loaded := 0
	var errs []string
	for _, e := range entries {
		if e.IsDir() || !IsActionFile(e.Name()) {
			continue
		}
		names, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			l.logger.Error("failed to load action file", slog.String("file", e.Name()), slog.String("error", err.Error()))
			errs = append(errs, err.Error())
			continue
		}
		loaded += len(names)
	}

	if len(errs) > 0 {
		return loaded, schema.NewErrorf(schema.ErrCodeValidation, "%d action file(s) failed to load", len(errs)).
			WithDetails(map[string]any{"errors": errs})
	}
	return loaded, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
