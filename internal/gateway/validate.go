package gateway

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// validateArguments checks invoke arguments against a tool's cached input
// schema: required fields, declared JSON types, and enum membership only.
// Unknown extra fields pass through untouched. The single permitted coercion
// is numeric strings against numeric types; the coerced copy is returned.
func validateArguments(schema *jsonschema.Schema, args map[string]any) (map[string]any, error) {
	if schema == nil {
		return args, nil
	}

	var missing []string
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required field(s): %s", ErrInvalidArgument, strings.Join(missing, ", "))
	}

	if len(schema.Properties) == 0 {
		return args, nil
	}
	out := make(map[string]any, len(args))
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok || prop == nil {
			out[name] = value
			continue
		}
		checked, err := checkValue(name, prop, value)
		if err != nil {
			return nil, err
		}
		out[name] = checked
	}
	return out, nil
}

func checkValue(name string, prop *jsonschema.Schema, value any) (any, error) {
	value, err := checkType(name, prop, value)
	if err != nil {
		return nil, err
	}
	if err := checkEnum(name, prop, value); err != nil {
		return nil, err
	}
	return value, nil
}

func checkType(name string, prop *jsonschema.Schema, value any) (any, error) {
	types := prop.Types
	if len(types) == 0 && prop.Type != "" {
		types = []string{prop.Type}
	}
	if len(types) == 0 {
		return value, nil
	}

	var firstErr error
	for _, typ := range types {
		coerced, err := matchType(typ, value)
		if err == nil {
			return coerced, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidArgument, name, firstErr)
}

func matchType(typ string, value any) (any, error) {
	switch typ {
	case "string":
		if _, ok := value.(string); ok {
			return value, nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return value, nil
		}
	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed, nil
			}
			return nil, fmt.Errorf("string %q is not a number", v)
		}
	case "integer":
		switch v := value.(type) {
		case float64:
			if v == math.Trunc(v) {
				return v, nil
			}
			return nil, fmt.Errorf("number %v is not an integer", v)
		case int:
			return v, nil
		case string:
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				return float64(parsed), nil
			}
			return nil, fmt.Errorf("string %q is not an integer", v)
		}
	case "array":
		if _, ok := value.([]any); ok {
			return value, nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return value, nil
		}
	case "null":
		if value == nil {
			return value, nil
		}
	default:
		// Unknown declared type: let it through rather than guess.
		return value, nil
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, value)
}

func checkEnum(name string, prop *jsonschema.Schema, value any) error {
	if len(prop.Enum) == 0 {
		return nil
	}
	for _, allowed := range prop.Enum {
		if reflect.DeepEqual(allowed, value) {
			return nil
		}
	}
	return fmt.Errorf("%w: field %q: value %v not in enum", ErrInvalidArgument, name, value)
}
