package tools

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
)

// Definition describes a built-in tool for discovery and prompting.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// Registry is an in-process table mapping tool name to handler,
// used for tools that do not require an external provider.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	handlers map[string]Handler
	names    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.Errorf("tool %q: handler is required", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[def.Name]; ok {
		return errors.Errorf("tool %q is already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.handlers[def.Name] = handler
	r.names = append(r.names, def.Name)
	return nil
}

// Lookup returns the handler for a name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Definitions returns all registered tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		list = append(list, r.defs[name])
	}
	return list
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// ParametersFor builds a JSON schema for a tool's input type.
func ParametersFor(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(v)
}
