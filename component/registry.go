package component

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dm4ml/motion/errors"
)

// Registry maps component names to definitions so the HTTP service and CLI
// can resolve them. Thread safe.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register adds a definition. A second definition under the same name is
// an error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "nil definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[def.Name()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("component %q is already registered", def.Name()),
			"Registry", "Register", "duplicate component check")
	}
	r.definitions[def.Name()] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// Unregister removes a definition. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.definitions, name)
}

// Names returns the registered component names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry.
var Default = NewRegistry()

// Register adds a definition to the process-wide registry.
func Register(def *Definition) error {
	return Default.Register(def)
}

// Lookup resolves a name against the process-wide registry.
func Lookup(name string) (*Definition, bool) {
	return Default.Lookup(name)
}
