package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Scope holds the name-bound values a rule script can reference
type Scope map[string]any

// ScriptEngine executes rule scripts.
//
// Run binds every scope entry as a script variable, executes the script and
// returns its completion value. Any returned error is treated as a script
// fault. Implementations must be safe for concurrent use, either by creating a
// fresh interpreter per call or by synchronizing internally.
type ScriptEngine interface {
	Name() string
	Run(ctx context.Context, scope Scope, script string) (Value, error)
}

// EngineFactory creates a script engine
type EngineFactory func() (ScriptEngine, error)

type registration struct {
	name    string
	factory EngineFactory
}

// Registry maps engine names to factories. Names are compared
// case-insensitively and registration order is preserved.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry is used when Config.Registry is nil
var DefaultRegistry = NewRegistry()

// Register adds or replaces the factory for name
func (r *Registry) Register(name string, factory EngineFactory) error {
	key := normalizeEngineName(name)
	if key == "" {
		return fmt.Errorf("engine name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("engine %q: factory cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].name == key {
			r.entries[i].factory = factory
			return nil
		}
	}
	r.entries = append(r.entries, registration{name: key, factory: factory})
	return nil
}

// Names returns the registered engine names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Resolve creates the engine registered under name. An empty name selects
// the first registered engine.
func (r *Registry) Resolve(name string) (ScriptEngine, error) {
	key := normalizeEngineName(name)

	r.mu.RLock()
	var factory EngineFactory
	if key == "" {
		if len(r.entries) > 0 {
			key = r.entries[0].name
			factory = r.entries[0].factory
		}
	} else {
		for _, e := range r.entries {
			if e.name == key {
				factory = e.factory
				break
			}
		}
	}
	r.mu.RUnlock()

	if factory == nil {
		if key == "" {
			return nil, fmt.Errorf("%w: no script engine configured or registered", ErrEngineResolution)
		}
		return nil, fmt.Errorf("%w: unknown script engine %q", ErrEngineResolution, name)
	}

	engine, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: create script engine %q: %v", ErrEngineResolution, key, err)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: factory for %q returned no engine", ErrEngineResolution, key)
	}
	return engine, nil
}

func normalizeEngineName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
