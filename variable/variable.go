// Package variable implements the per-session typed key/value store.
//
// A Store has no locking of its own: it is owned by exactly one session and
// every access goes through that session's serialization point.
package variable

import (
	"reflect"
	"sort"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/vmihailenco/msgpack/v5"
)

// TypeTag is the declared or inferred type of a value
type TypeTag string

const (
	TypeNull    TypeTag = "null"
	TypeString  TypeTag = "string"
	TypeInteger TypeTag = "integer"
	TypeFloat   TypeTag = "float"
	TypeBoolean TypeTag = "boolean"
	TypeBytes   TypeTag = "bytes"
	TypeList    TypeTag = "list"
	TypeMap     TypeTag = "map"
	TypeObject  TypeTag = "object"
)

const (
	DefaultMaxValueBytes = 1 << 20
	DefaultMaxCount      = 1000
)

// Limits bound a single store
type Limits struct {
	MaxValueBytes int
	MaxCount      int
}

// DefaultLimits returns 1 MiB per value and 1000 variables
func DefaultLimits() Limits {
	return Limits{MaxValueBytes: DefaultMaxValueBytes, MaxCount: DefaultMaxCount}
}

func (l Limits) withDefaults() Limits {
	if l.MaxValueBytes <= 0 {
		l.MaxValueBytes = DefaultMaxValueBytes
	}
	if l.MaxCount <= 0 {
		l.MaxCount = DefaultMaxCount
	}
	return l
}

// Variable is one named value
type Variable struct {
	Name       string    `msgpack:"name" json:"name"`
	Value      any       `msgpack:"value" json:"value"`
	Type       TypeTag   `msgpack:"type" json:"type"`
	Size       int       `msgpack:"size" json:"size"`
	ModifiedAt time.Time `msgpack:"modified_at" json:"modified_at"`
}

// Store holds the variables of one session
type Store struct {
	limits Limits
	vars   map[string]*Variable
	now    func() time.Time
}

// New returns an empty store
func New(limits Limits) *Store {
	return &Store{
		limits: limits.withDefaults(),
		vars:   make(map[string]*Variable),
		now:    time.Now,
	}
}

// Limits returns the limits the store enforces
func (s *Store) Limits() Limits {
	return s.limits
}

// InferType returns the tag for v
func InferType(v any) TypeTag {
	switch v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case []byte:
		return TypeBytes
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return TypeList
	case reflect.Map:
		return TypeMap
	}
	return TypeObject
}

// SizeOf returns the encoded size of v, the number the size limit applies to
func SizeOf(v any) (int, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeCodecFailure, "value is not serializable")
	}
	return len(buf), nil
}

// prepare builds the variable a Set would store without touching the store
func (s *Store) prepare(name string, value any, tag TypeTag) (*Variable, error) {
	if name == "" {
		return nil, fault.New(fault.CodeInvalidName, "variable name is required")
	}
	inferred := InferType(value)
	if tag == "" {
		tag = inferred
	} else if tag != inferred && !(tag == TypeFloat && inferred == TypeInteger) && !(tag == TypeObject) {
		return nil, fault.TypeMismatch(name, string(tag), string(inferred))
	}
	size, err := SizeOf(value)
	if err != nil {
		return nil, err
	}
	if size > s.limits.MaxValueBytes {
		return nil, fault.New(fault.CodeSizeExceeded, "variable %q is %d bytes, limit is %d", name, size, s.limits.MaxValueBytes)
	}
	return &Variable{Name: name, Value: deepCopy(value), Type: tag, Size: size, ModifiedAt: s.now()}, nil
}

// Set stores value under name with an inferred type. On error the store is unchanged.
func (s *Store) Set(name string, value any) (*Variable, error) {
	return s.SetTyped(name, value, "")
}

// SetTyped stores a copy of value with a declared type which must match the
// value (integers are accepted for float, anything for object). Later changes
// to value by the caller do not reach the store.
func (s *Store) SetTyped(name string, value any, tag TypeTag) (*Variable, error) {
	v, err := s.prepare(name, value, tag)
	if err != nil {
		return nil, err
	}
	if _, exists := s.vars[name]; !exists && len(s.vars) >= s.limits.MaxCount {
		return nil, fault.New(fault.CodeCountExceeded, "session already holds %d variables", s.limits.MaxCount)
	}
	s.vars[name] = v
	return v.clone(), nil
}

// Get returns a copy of the variable called name
func (s *Store) Get(name string) (*Variable, error) {
	v, ok := s.vars[name]
	if !ok {
		return nil, fault.New(fault.CodeVariableNotFound, "variable %q not found", name)
	}
	return v.clone(), nil
}

func (v *Variable) clone() *Variable {
	out := *v
	out.Value = deepCopy(v.Value)
	return &out
}

// Value returns only the value of name
func (s *Store) Value(name string) (any, error) {
	v, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}

// Delete removes name and reports whether it existed
func (s *Store) Delete(name string) bool {
	_, ok := s.vars[name]
	delete(s.vars, name)
	return ok
}

// Len returns the number of variables
func (s *Store) Len() int {
	return len(s.vars)
}

// Names returns the variable names, sorted
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.vars))
	for k := range s.vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TotalSize returns the sum of every value's encoded size
func (s *Store) TotalSize() int {
	total := 0
	for _, v := range s.vars {
		total += v.Size
	}
	return total
}

// ToMap returns name to value for every variable
func (s *Store) ToMap() map[string]any {
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = deepCopy(v.Value)
	}
	return out
}

// Merge sets every entry of values. Either all of them are stored or, on the
// first error, none are.
func (s *Store) Merge(values map[string]any) error {
	prepared := make([]*Variable, 0, len(values))
	added := 0
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := s.prepare(name, values[name], "")
		if err != nil {
			return err
		}
		if _, exists := s.vars[name]; !exists {
			added++
		}
		prepared = append(prepared, v)
	}
	if len(s.vars)+added > s.limits.MaxCount {
		return fault.New(fault.CodeCountExceeded, "merging %d new variables exceeds the limit of %d", added, s.limits.MaxCount)
	}
	for _, v := range prepared {
		s.vars[v.Name] = v
	}
	return nil
}

// Snapshot returns a copy of every variable, for persistence
func (s *Store) Snapshot() []Variable {
	out := make([]Variable, 0, len(s.vars))
	for _, name := range s.Names() {
		out = append(out, *s.vars[name].clone())
	}
	return out
}

// Restore replaces the contents with vars, keeping their timestamps
func (s *Store) Restore(vars []Variable) error {
	if len(vars) > s.limits.MaxCount {
		return fault.New(fault.CodeCountExceeded, "snapshot holds %d variables, limit is %d", len(vars), s.limits.MaxCount)
	}
	next := make(map[string]*Variable, len(vars))
	for i := range vars {
		v := *vars[i].clone()
		if v.Size > s.limits.MaxValueBytes {
			return fault.New(fault.CodeSizeExceeded, "variable %q is %d bytes, limit is %d", v.Name, v.Size, s.limits.MaxValueBytes)
		}
		next[v.Name] = &v
	}
	s.vars = next
	return nil
}

// Clear drops every variable
func (s *Store) Clear() {
	s.vars = make(map[string]*Variable)
}
