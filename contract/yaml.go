package contract

import (
	"os"

	"github.com/agentuity/go-bridge/fault"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a contracts document
//
//	contracts:
//	  - operation: predict
//	    target: models.qa.Predictor.predict
//	    version: "1.0"
//	    params:
//	      - {name: question, type: string, required: true}
//	      - {name: temperature, type: float, default: 0.7}
//	    returns:
//	      type: struct
//	      name: Prediction
//	      fields:
//	        answer: {type: string, required: true}
//	        confidence: float
type File struct {
	Contracts []Definition `yaml:"contracts"`
}

// UnmarshalYAML accepts either a type string ("list<string>") or a mapping
// with type, name, of and fields keys
func (t *TypeSpec) UnmarshalYAML(node *yaml.Node) error {
	spec, _, err := parseTypeNode(node)
	if err != nil {
		return err
	}
	*t = spec
	return nil
}

// MarshalYAML writes simple types as strings
func (t TypeSpec) MarshalYAML() (interface{}, error) {
	if t.Kind != TypeStruct {
		return t.String(), nil
	}
	fields := make(map[string]interface{}, len(t.Fields))
	for _, f := range t.Fields {
		fields[f.Name] = map[string]interface{}{"type": f.Type, "required": f.Required}
	}
	return map[string]interface{}{"type": "struct", "name": t.Name, "fields": fields}, nil
}

type typeNode struct {
	Type     string    `yaml:"type"`
	Name     string    `yaml:"name"`
	Of       yaml.Node `yaml:"of"`
	Fields   yaml.Node `yaml:"fields"`
	Required bool      `yaml:"required"`
}

func parseTypeNode(node *yaml.Node) (TypeSpec, bool, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return ParseType(node.Value), false, nil
	case yaml.MappingNode:
	default:
		return TypeSpec{}, false, fault.New(fault.CodeInvalidContract, "line %d: type must be a string or a mapping", node.Line)
	}
	var raw typeNode
	if err := node.Decode(&raw); err != nil {
		return TypeSpec{}, false, fault.Wrap(err, fault.CodeInvalidContract, "line %d", node.Line)
	}
	spec := ParseType(raw.Type)
	spec.Name = raw.Name
	if spec.Kind == TypeList && spec.Elem == nil && raw.Of.Kind != 0 {
		elem, _, err := parseTypeNode(&raw.Of)
		if err != nil {
			return TypeSpec{}, false, err
		}
		spec.Elem = &elem
	}
	if raw.Fields.Kind == yaml.MappingNode {
		if raw.Type == "" {
			spec.Kind = TypeStruct
		}
		for i := 0; i+1 < len(raw.Fields.Content); i += 2 {
			key := raw.Fields.Content[i]
			ft, required, err := parseTypeNode(raw.Fields.Content[i+1])
			if err != nil {
				return TypeSpec{}, false, err
			}
			spec.Fields = append(spec.Fields, FieldSpec{Name: key.Value, Type: ft, Required: required})
		}
	}
	return spec, raw.Required, nil
}

// ParseYAML decodes a contracts document without loading it
func ParseYAML(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fault.Wrap(err, fault.CodeInvalidContract, "parse contracts")
	}
	return f.Contracts, nil
}

// LoadFile parses the YAML document at path and loads every definition in it
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(err, fault.CodeInvalidContract, "read %s", path)
	}
	defs, err := ParseYAML(data)
	if err != nil {
		return err
	}
	return r.Load(defs...)
}
