// Package tool holds the host side functions workers may call back into, and
// the executor that runs them with a timeout and panic isolation.
package tool

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-bridge/fault"
)

// Global is the scope of tools visible to every session
const Global = ""

// Func is the normalized tool signature
type Func func(ctx context.Context, args map[string]any) (any, error)

// Metadata describes a tool for discovery
type Metadata struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Parameters maps argument names to type names ("string", "list<integer>")
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Definition is a registered tool
type Definition struct {
	Name         string
	Scope        string
	Func         Func
	Metadata     Metadata
	RegisteredAt time.Time
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidName reports whether name is a qualified tool name such as "db.lookup"
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Adapt converts the accepted function shapes into a Func. Any other value
// fails with InvalidArity.
func Adapt(fn any) (Func, error) {
	switch f := fn.(type) {
	case nil:
	case Func:
		if f != nil {
			return f, nil
		}
	case func(context.Context, map[string]any) (any, error):
		if f != nil {
			return f, nil
		}
	case func(map[string]any) (any, error):
		if f != nil {
			return func(_ context.Context, args map[string]any) (any, error) { return f(args) }, nil
		}
	case func(map[string]any) any:
		if f != nil {
			return func(_ context.Context, args map[string]any) (any, error) { return f(args), nil }, nil
		}
	case func(context.Context, map[string]any) any:
		if f != nil {
			return func(ctx context.Context, args map[string]any) (any, error) { return f(ctx, args), nil }, nil
		}
	default:
		return nil, fault.New(fault.CodeInvalidArity, "tool function %T must take a single argument map", fn)
	}
	return nil, fault.New(fault.CodeInvalidArity, "tool function is nil")
}

// Registry maps scope and name to a tool. A session scoped tool shadows a
// global tool of the same name for that session.
type Registry struct {
	mu     sync.RWMutex
	scopes map[string]map[string]*Definition
	now    func() time.Time
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		scopes: map[string]map[string]*Definition{Global: {}},
		now:    time.Now,
	}
}

// Register adds fn as name in scope (Global or a session id)
func (r *Registry) Register(scope, name string, fn any, meta Metadata) error {
	if !ValidName(name) {
		return fault.New(fault.CodeInvalidName, "invalid tool name %q", name)
	}
	f, err := Adapt(fn)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tools, ok := r.scopes[scope]
	if !ok {
		tools = make(map[string]*Definition)
		r.scopes[scope] = tools
	}
	if _, exists := tools[name]; exists {
		return fault.New(fault.CodeDuplicateName, "tool %q is already registered in %s", name, scopeName(scope))
	}
	tools[name] = &Definition{Name: name, Scope: scope, Func: f, Metadata: meta, RegisteredAt: r.now()}
	return nil
}

func scopeName(scope string) string {
	if scope == Global {
		return "the global scope"
	}
	return "session " + scope
}

// Unregister removes name from scope and reports whether it was registered
func (r *Registry) Unregister(scope, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tools, ok := r.scopes[scope]
	if !ok {
		return false
	}
	if _, ok := tools[name]; !ok {
		return false
	}
	delete(tools, name)
	if scope != Global && len(tools) == 0 {
		delete(r.scopes, scope)
	}
	return true
}

// UnregisterScope drops every tool of a session scope and returns their names
func (r *Registry) UnregisterScope(scope string) []string {
	if scope == Global {
		return nil
	}
	r.mu.Lock()
	tools := r.scopes[scope]
	delete(r.scopes, scope)
	r.mu.Unlock()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves name for a session, session tools first
func (r *Registry) Lookup(sessionID, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessionID != Global {
		if def, ok := r.scopes[sessionID][name]; ok {
			return def, nil
		}
	}
	if def, ok := r.scopes[Global][name]; ok {
		return def, nil
	}
	return nil, fault.New(fault.CodeToolNotFound, "tool %q not found", name)
}

// List returns the tools visible to a session, sorted by name
func (r *Registry) List(sessionID string) []*Definition {
	r.mu.RLock()
	visible := make(map[string]*Definition, len(r.scopes[Global]))
	for name, def := range r.scopes[Global] {
		visible[name] = def
	}
	if sessionID != Global {
		for name, def := range r.scopes[sessionID] {
			visible[name] = def
		}
	}
	r.mu.RUnlock()
	out := make([]*Definition, 0, len(visible))
	for _, def := range visible {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
