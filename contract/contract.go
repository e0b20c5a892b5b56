// Package contract holds the static catalog of remote operations.
//
// A Definition states what an operation accepts and returns. The Registry
// validates definitions once at load time and afterwards answers every lookup
// from an immutable snapshot, so arguments are checked before a call is ever
// sent and results are checked when they come back.
package contract

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/xhit/go-str2duration/v2"
)

// ParamSpec describes one parameter
type ParamSpec struct {
	Name     string   `yaml:"name"`
	Type     TypeSpec `yaml:"type"`
	Required bool     `yaml:"required"`
	Default  any      `yaml:"default,omitempty"`
}

// Definition is the contract of one remote operation
type Definition struct {
	Operation   string      `yaml:"operation"`
	Target      string      `yaml:"target"`
	Version     string      `yaml:"version"`
	Description string      `yaml:"description,omitempty"`
	Params      []ParamSpec `yaml:"params"`
	Returns     TypeSpec    `yaml:"returns"`
	Idempotent  bool        `yaml:"idempotent"`
	// Deadline is a human duration ("30s", "2m"), empty uses the dispatcher default
	Deadline string `yaml:"deadline,omitempty"`

	timeout time.Duration
}

// Timeout returns the parsed Deadline, zero when unset
func (d *Definition) Timeout() time.Duration {
	return d.timeout
}

// Param returns the named parameter spec
func (d *Definition) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Violation is one problem found while loading definitions
type Violation struct {
	Operation string
	Field     string
	Message   string
}

func (v Violation) String() string {
	op := v.Operation
	if op == "" {
		op = "<unnamed>"
	}
	if v.Field != "" {
		return fmt.Sprintf("%s: %s: %s", op, v.Field, v.Message)
	}
	return fmt.Sprintf("%s: %s", op, v.Message)
}

// LoadError lists every violation found by Load
type LoadError struct {
	Violations []Violation
}

func (e *LoadError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("%d contract violation(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

type catalog struct {
	defs map[string]*Definition
}

// Registry is the contract catalog. Reads are lock free, loads are serialized
// and atomic: a failed Load leaves the catalog untouched.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[catalog]
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&catalog{defs: map[string]*Definition{}})
	return r
}

// Load validates defs and adds them to the catalog. Every violation across
// all definitions is reported in a single InvalidContract error wrapping a
// *LoadError.
func (r *Registry) Load(defs ...Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snap.Load()
	next := make(map[string]*Definition, len(current.defs)+len(defs))
	for k, v := range current.defs {
		next[k] = v
	}

	var violations []Violation
	for i := range defs {
		def := defs[i]
		def.Params = append([]ParamSpec(nil), def.Params...)
		vs := validateDefinition(&def)
		if def.Operation != "" {
			if _, exists := next[def.Operation]; exists {
				vs = append(vs, Violation{Operation: def.Operation, Message: "duplicate operation name"})
			}
		}
		violations = append(violations, vs...)
		if len(vs) == 0 {
			next[def.Operation] = &def
		} else if def.Operation != "" {
			if _, exists := next[def.Operation]; !exists {
				// reserve the name so a later duplicate in the same batch is still reported
				next[def.Operation] = nil
			}
		}
	}
	if len(violations) > 0 {
		return fault.Wrap(&LoadError{Violations: violations}, fault.CodeInvalidContract, "")
	}
	r.snap.Store(&catalog{defs: next})
	return nil
}

func validateDefinition(def *Definition) []Violation {
	var vs []Violation
	add := func(field, format string, args ...any) {
		vs = append(vs, Violation{Operation: def.Operation, Field: field, Message: fmt.Sprintf(format, args...)})
	}
	if strings.TrimSpace(def.Operation) == "" {
		add("operation", "operation name is required")
	}
	if strings.TrimSpace(def.Target) == "" {
		add("target", "target is required")
	}
	if strings.TrimSpace(def.Version) == "" {
		add("version", "version is required")
	}
	seen := make(map[string]bool, len(def.Params))
	for i := range def.Params {
		p := &def.Params[i]
		field := fmt.Sprintf("params[%d]", i)
		if p.Name == "" {
			add(field, "parameter name is required")
		} else {
			field = "params." + p.Name
			if seen[p.Name] {
				add(field, "duplicate parameter name")
			}
			seen[p.Name] = true
		}
		if err := p.Type.Validate(); err != nil {
			add(field, "%s", err)
			continue
		}
		if p.Default != nil {
			if p.Required {
				add(field, "required parameter cannot declare a default")
				continue
			}
			normalized, err := p.Type.Check(p.Name, p.Default)
			if err != nil {
				add(field, "default does not match type %s", p.Type)
				continue
			}
			p.Default = normalized
		}
	}
	if err := def.Returns.Validate(); err != nil {
		add("returns", "%s", err)
	}
	if def.Deadline != "" {
		d, err := str2duration.ParseDuration(def.Deadline)
		if err != nil || d <= 0 {
			add("deadline", "invalid duration %q", def.Deadline)
		} else {
			def.timeout = d
		}
	}
	return vs
}

// Get returns the definition of op. The returned value must not be modified.
func (r *Registry) Get(op string) (*Definition, error) {
	def := r.snap.Load().defs[op]
	if def == nil {
		return nil, fault.New(fault.CodeOperationNotFound, "operation %q is not registered", op)
	}
	return def, nil
}

// Has reports whether op is registered
func (r *Registry) Has(op string) bool {
	return r.snap.Load().defs[op] != nil
}

// Operations returns the registered operation names, sorted
func (r *Registry) Operations() []string {
	defs := r.snap.Load().defs
	out := make([]string, 0, len(defs))
	for k, v := range defs {
		if v != nil {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered operations
func (r *Registry) Len() int {
	return len(r.Operations())
}

// ValidateParams checks args against op and returns a normalized copy with
// defaults applied. Feeding the result back in returns an equal map.
func (r *Registry) ValidateParams(op string, args map[string]any) (map[string]any, error) {
	def, err := r.Get(op)
	if err != nil {
		return nil, err
	}
	return def.ValidateParams(args)
}

// ValidateParams checks args against the definition, see Registry.ValidateParams
func (d *Definition) ValidateParams(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(d.Params))
	for _, p := range d.Params {
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, fault.MissingRequired(p.Name)
			}
			if p.Default != nil {
				out[p.Name] = copyValue(p.Default)
			}
			continue
		}
		cv, err := p.Type.Check(p.Name, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = cv
	}
	for _, k := range sortedKeys(args) {
		if _, ok := d.Param(k); !ok {
			return nil, fault.UnknownParameter(k)
		}
	}
	return out, nil
}

// CoerceResult checks a raw worker result against the return type of op
func (r *Registry) CoerceResult(op string, raw any) (any, error) {
	def, err := r.Get(op)
	if err != nil {
		return nil, err
	}
	return def.CoerceResult(raw)
}

// CoerceResult checks raw against the definition's return type
func (d *Definition) CoerceResult(raw any) (any, error) {
	v, err := d.Returns.Check("result", raw)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInvalidResultShape, "%s returned a malformed result", d.Operation)
	}
	return v, nil
}
