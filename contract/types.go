package contract

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/agentuity/go-bridge/fault"
)

// TypeKind names a parameter or return type
type TypeKind string

const (
	TypeString  TypeKind = "string"
	TypeInteger TypeKind = "integer"
	TypeFloat   TypeKind = "float"
	TypeBoolean TypeKind = "boolean"
	TypeBytes   TypeKind = "bytes"
	TypeMap     TypeKind = "map"
	TypeAny     TypeKind = "any"
	TypeList    TypeKind = "list"
	TypeStruct  TypeKind = "struct"
)

var aliases = map[string]TypeKind{
	"string": TypeString, "str": TypeString,
	"integer": TypeInteger, "int": TypeInteger,
	"float": TypeFloat, "number": TypeFloat, "double": TypeFloat,
	"boolean": TypeBoolean, "bool": TypeBoolean,
	"bytes": TypeBytes, "binary": TypeBytes,
	"map": TypeMap, "object": TypeMap, "dict": TypeMap,
	"any": TypeAny,
	"list": TypeList,
	"struct": TypeStruct,
}

// TypeSpec describes the shape of a value. Lists carry Elem, structs carry
// Fields. A TypeSpec with an unknown Kind is kept as is so Load can report it.
type TypeSpec struct {
	Kind   TypeKind
	Name   string
	Elem   *TypeSpec
	Fields []FieldSpec
}

// FieldSpec is one named field of a struct type
type FieldSpec struct {
	Name     string
	Type     TypeSpec
	Required bool
}

// String renders the spec in the same syntax ParseType accepts
func (t TypeSpec) String() string {
	switch t.Kind {
	case TypeList:
		if t.Elem == nil {
			return "list<?>"
		}
		return "list<" + t.Elem.String() + ">"
	case TypeStruct:
		if t.Name != "" {
			return t.Name
		}
		names := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			names = append(names, f.Name)
		}
		return "struct{" + strings.Join(names, ",") + "}"
	}
	return string(t.Kind)
}

// IsZero reports whether no type was given
func (t TypeSpec) IsZero() bool {
	return t.Kind == ""
}

// ParseType parses "string", "list<integer>", "[]float" and friends. Unknown
// names parse into a TypeSpec that fails Validate.
func ParseType(s string) TypeSpec {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "list<") && strings.HasSuffix(lower, ">"):
		inner := s[len("list<") : len(s)-1]
		if strings.TrimSpace(inner) == "" {
			return TypeSpec{Kind: TypeList}
		}
		elem := ParseType(inner)
		return TypeSpec{Kind: TypeList, Elem: &elem}
	case strings.HasPrefix(lower, "[]"):
		elem := ParseType(s[2:])
		return TypeSpec{Kind: TypeList, Elem: &elem}
	}
	if k, ok := aliases[lower]; ok {
		return TypeSpec{Kind: k}
	}
	return TypeSpec{Kind: TypeKind(s)}
}

// Validate checks the spec is resolvable
func (t TypeSpec) Validate() error {
	switch t.Kind {
	case "":
		return fmt.Errorf("missing type")
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeBytes, TypeMap, TypeAny:
		return nil
	case TypeList:
		if t.Elem == nil {
			return fmt.Errorf("list type requires an element type")
		}
		if err := t.Elem.Validate(); err != nil {
			return fmt.Errorf("list element: %w", err)
		}
		return nil
	case TypeStruct:
		if len(t.Fields) == 0 {
			return fmt.Errorf("struct type %s has no fields", t)
		}
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if f.Name == "" {
				return fmt.Errorf("struct type %s has a field without a name", t)
			}
			if seen[f.Name] {
				return fmt.Errorf("struct type %s has duplicate field %q", t, f.Name)
			}
			seen[f.Name] = true
			if err := f.Type.Validate(); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown type %q", string(t.Kind))
}

// Check verifies v against the spec and returns a normalized copy: integers
// become int64, floats float64, containers are copied. path names the value in
// errors.
func (t TypeSpec) Check(path string, v any) (any, error) {
	if v == nil {
		if t.Kind == TypeAny {
			return nil, nil
		}
		return nil, fault.TypeMismatch(path, t.String(), "null")
	}
	switch t.Kind {
	case TypeAny:
		return copyValue(v), nil
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeBytes:
		if b, ok := v.([]byte); ok {
			return append([]byte(nil), b...), nil
		}
	case TypeInteger:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
	case TypeFloat:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case TypeMap:
		if m, ok := toMap(v); ok {
			out := make(map[string]any, len(m))
			for k, item := range m {
				out[k] = copyValue(item)
			}
			return out, nil
		}
	case TypeList:
		items, ok := toList(v)
		if !ok {
			break
		}
		out := make([]any, len(items))
		for i, item := range items {
			cv, err := t.Elem.Check(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case TypeStruct:
		m, ok := toMap(v)
		if !ok {
			break
		}
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = copyValue(item)
		}
		for _, f := range t.Fields {
			fpath := joinPath(path, f.Name)
			item, present := m[f.Name]
			if !present || item == nil {
				if f.Required {
					return nil, fault.MissingRequired(fpath)
				}
				continue
			}
			cv, err := f.Type.Check(fpath, item)
			if err != nil {
				return nil, err
			}
			out[f.Name] = cv
		}
		return out, nil
	}
	return nil, fault.TypeMismatch(path, t.String(), TypeNameOf(v))
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// TypeNameOf names the dynamic type of v the way TypeSpec.String names types
func TypeNameOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []byte:
		return "bytes"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64:
		return "float"
	case map[string]any, map[any]any:
		return "map"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Map:
		return "map"
	}
	return fmt.Sprintf("%T", v)
}

// toInt64 accepts every integer type and integral floats, so numbers that went
// through a JSON or protobuf hop still validate as integers
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, item := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = item
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	}
	return nil, false
}

func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if _, ok := v.([]byte); ok {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// copyValue deep copies maps and lists and widens numbers
func copyValue(v any) any {
	if m, ok := toMap(v); ok {
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = copyValue(item)
		}
		return out
	}
	switch n := v.(type) {
	case []byte:
		return append([]byte(nil), n...)
	case string, bool, nil:
		return v
	case float32:
		return float64(n)
	case float64:
		return n
	}
	if i, ok := toInt64(v); ok {
		return i
	}
	if l, ok := toList(v); ok {
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}

// String, Integer, ... build TypeSpecs in Go code
func String() TypeSpec  { return TypeSpec{Kind: TypeString} }
func Integer() TypeSpec { return TypeSpec{Kind: TypeInteger} }
func Float() TypeSpec   { return TypeSpec{Kind: TypeFloat} }
func Boolean() TypeSpec { return TypeSpec{Kind: TypeBoolean} }
func Bytes() TypeSpec   { return TypeSpec{Kind: TypeBytes} }
func Map() TypeSpec     { return TypeSpec{Kind: TypeMap} }
func Any() TypeSpec     { return TypeSpec{Kind: TypeAny} }

// List returns list<elem>
func List(elem TypeSpec) TypeSpec {
	return TypeSpec{Kind: TypeList, Elem: &elem}
}

// Struct returns a named structured type
func Struct(name string, fields ...FieldSpec) TypeSpec {
	return TypeSpec{Kind: TypeStruct, Name: name, Fields: fields}
}

// Field returns a struct field
func Field(name string, t TypeSpec, required bool) FieldSpec {
	return FieldSpec{Name: name, Type: t, Required: required}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
