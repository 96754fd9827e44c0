package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is a JSON-Schema-shaped object describing tool input.
type Schema map[string]interface{}

// ObjectSchema builds {"type":"object","properties":...,"required":...}.
func ObjectSchema(properties map[string]interface{}, required ...string) Schema {
	s := Schema{"type": "object", "properties": properties}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

// Prop builds a property schema of the given type.
func Prop(typ, description string) map[string]interface{} {
	p := map[string]interface{}{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}

func (s Schema) checkShape() error {
	if s == nil {
		return fmt.Errorf("input schema is required")
	}
	if t, ok := s["type"]; ok && t != "object" {
		return fmt.Errorf("input schema type must be object, got %v", t)
	}
	if p, ok := s["properties"]; ok && p != nil {
		if _, ok := p.(map[string]interface{}); !ok {
			return fmt.Errorf("input schema properties must be an object")
		}
	}
	if r, ok := s["required"]; ok && r != nil {
		if _, err := stringList(r); err != nil {
			return fmt.Errorf("input schema required: %w", err)
		}
	}
	return nil
}

func (s Schema) properties() map[string]interface{} {
	p, _ := s["properties"].(map[string]interface{})
	return p
}

func (s Schema) required() []string {
	r, _ := stringList(s["required"])
	return r
}

func stringList(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

// Validate checks input against the schema. Only required keys and the
// primitive type of each declared property are checked; nested schemas,
// formats and patterns are not.
func (s Schema) Validate(input map[string]interface{}) []string {
	var violations []string

	for _, key := range s.required() {
		if _, ok := input[key]; !ok {
			violations = append(violations, fmt.Sprintf("missing required property: %s", key))
		}
	}

	props := s.properties()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, present := input[key]
		if !present {
			continue
		}
		prop, ok := props[key].(map[string]interface{})
		if !ok {
			continue
		}
		types, _ := stringList(prop["type"])
		if t, ok := prop["type"].(string); ok {
			types = []string{t}
		}
		if len(types) == 0 {
			continue
		}
		if !matchesAny(value, types) {
			violations = append(violations, fmt.Sprintf("property %s must be of type %s, got %s",
				key, strings.Join(types, "|"), jsonType(value)))
		}
	}

	return violations
}

func matchesAny(value interface{}, types []string) bool {
	actual := jsonType(value)
	for _, t := range types {
		if t == actual || (t == "number" && actual == "integer") {
			return true
		}
	}
	return false
}

// jsonType names the JSON type of a decoded value.
func jsonType(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if val == float64(int64(val)) {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
