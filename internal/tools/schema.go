package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Property types understood by ValidateArguments.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Property describes one named argument. Coerced properties advertise Type
// to the model but accept any JSON value; the tool normalizes them itself.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Coerced     bool   `json:"-"`
}

// Schema is the JSON Schema object advertised to the model for a tool's
// arguments. It only ever describes a flat object.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

func objectSchema(props map[string]Property, required ...string) Schema {
	return Schema{Type: "object", Properties: props, Required: required}
}

// ArgumentError describes why a call's arguments were rejected.
type ArgumentError struct {
	Problems []string
}

func (e *ArgumentError) Error() string {
	return "invalid arguments: " + strings.Join(e.Problems, "; ")
}

// ValidateArguments decodes raw into an argument map and checks it against s.
// Required keys must be present and non-null. Declared strings and booleans
// must have that JSON type; declared numbers also accept strings. Coerced
// properties and unknown keys pass through unchecked.
func ValidateArguments(s Schema, raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	var args map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, &ArgumentError{Problems: []string{"arguments must be a JSON object"}}
	}
	if args == nil {
		args = map[string]any{}
	}

	var problems []string
	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("%s is required", name))
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, declared := s.Properties[name]
		v := args[name]
		if !declared || v == nil || prop.Coerced {
			continue
		}
		if !typeMatches(prop.Type, v) {
			problems = append(problems, fmt.Sprintf("%s must be a %s", name, prop.Type))
		}
	}

	if len(problems) > 0 {
		return nil, &ArgumentError{Problems: slices.Compact(problems)}
	}
	return args, nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case json.Number, float64, string:
			return true
		}
		return false
	default:
		return true
	}
}

// stringArg returns args[name] when it is a non-blank string.
func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}
