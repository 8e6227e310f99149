package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/c360/capmesh/errors"
)

// Schema is the JSON-schema-shaped description of an operation's input or
// output payload. Schemas are derived once from Go types at registry build
// time; no reflection runs on the dispatch path.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Format      string             `json:"format,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	// AdditionalProperties carries the value schema for map types.
	AdditionalProperties *Schema `json:"additionalProperties,omitempty"`
	// Nullable marks values derived from pointer fields; JSON null passes
	// validation for these.
	Nullable bool `json:"nullable,omitempty"`
}

var timeType = reflect.TypeOf(time.Time{})
var rawMessageType = reflect.TypeOf(json.RawMessage{})

// SchemaOf derives a Schema from a Go type. Interface, channel, function
// and complex-number types cannot be described on the wire and fail with a
// registration error; the failure surfaces at build time, never during
// dispatch.
func SchemaOf(t reflect.Type) (*Schema, error) {
	s, err := schemaOf(t, map[reflect.Type]bool{})
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrRegistration, err),
			"Schema", "SchemaOf", "schema derivation")
	}
	return s, nil
}

func schemaOf(t reflect.Type, seen map[reflect.Type]bool) (*Schema, error) {
	switch t {
	case timeType:
		return &Schema{Type: "string", Format: "date-time"}, nil
	case rawMessageType:
		return &Schema{}, nil // any JSON value
	}

	switch t.Kind() {
	case reflect.Pointer:
		inner, err := schemaOf(t.Elem(), seen)
		if err != nil {
			return nil, err
		}
		inner.Nullable = true
		return inner, nil
	case reflect.Bool:
		return &Schema{Type: "boolean"}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}, nil
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}, nil
	case reflect.String:
		return &Schema{Type: "string"}, nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte marshals as a base64 string
			return &Schema{Type: "string", Format: "byte"}, nil
		}
		items, err := schemaOf(t.Elem(), seen)
		if err != nil {
			return nil, err
		}
		return &Schema{Type: "array", Items: items}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not a string", t.Key())
		}
		values, err := schemaOf(t.Elem(), seen)
		if err != nil {
			return nil, err
		}
		return &Schema{Type: "object", AdditionalProperties: values}, nil
	case reflect.Struct:
		return structSchema(t, seen)
	default:
		return nil, fmt.Errorf("type %s cannot be described on the wire", t)
	}
}

func structSchema(t reflect.Type, seen map[reflect.Type]bool) (*Schema, error) {
	if seen[t] {
		return nil, fmt.Errorf("recursive type %s is not supported", t)
	}
	seen[t] = true
	defer delete(seen, t)

	s := &Schema{Type: "object", Properties: map[string]*Schema{}}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := strings.Split(jsonTag, ",")[0]
		if name == "" {
			name = field.Name
		}

		prop, err := schemaOf(field.Type, seen)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", t.Name(), field.Name, err)
		}
		if desc := field.Tag.Get("description"); desc != "" {
			prop.Description = desc
		}
		s.Properties[name] = prop

		// Pointer fields and omitempty fields are optional.
		if !strings.Contains(jsonTag, "omitempty") && field.Type.Kind() != reflect.Pointer {
			s.Required = append(s.Required, name)
		}
	}
	return s, nil
}

// ValidatePayload checks raw JSON against a schema and returns the payload
// in canonical form. In strict mode type mismatches are rejected outright.
// In lenient mode primitives are coerced where the intent is unambiguous
// ("5" validates against an integer schema and is rewritten to 5); the
// returned bytes always conform to the schema.
//
// A nil schema accepts any payload unchanged.
func ValidatePayload(raw json.RawMessage, s *Schema, strict bool) (json.RawMessage, error) {
	if s == nil {
		return raw, nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: payload is not valid JSON: %w", errors.ErrPayloadValidation, err),
			"Schema", "ValidatePayload", "payload parsing")
	}

	normalized, err := checkValue(value, s, strict, "$")
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrPayloadValidation, err),
			"Schema", "ValidatePayload", "payload canonicalization")
	}
	return out, nil
}

func checkValue(value any, s *Schema, strict bool, path string) (any, error) {
	if s == nil {
		return value, nil
	}
	if value == nil {
		if s.Nullable || s.Type == "" {
			return nil, nil
		}
		return nil, invalid(path, "value is null, expected %s", s.Type)
	}

	switch s.Type {
	case "":
		return value, nil
	case "boolean":
		return checkBool(value, strict, path)
	case "integer":
		return checkInteger(value, strict, path)
	case "number":
		return checkNumber(value, strict, path)
	case "string":
		return checkString(value, strict, path)
	case "array":
		return checkArray(value, s, strict, path)
	case "object":
		return checkObject(value, s, strict, path)
	default:
		return nil, invalid(path, "unknown schema type %q", s.Type)
	}
}

func checkBool(value any, strict bool, path string) (any, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	if !strict {
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b, nil
			}
		}
	}
	return nil, invalid(path, "%v is not a boolean", value)
}

func checkInteger(value any, strict bool, path string) (any, error) {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		if f, err := v.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), nil
		}
		return nil, invalid(path, "%v is not an integer", v)
	case string:
		if strict {
			return nil, invalid(path, "%q is a string, expected an integer", v)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, nil
		}
		return nil, invalid(path, "%q cannot be read as an integer", v)
	default:
		return nil, invalid(path, "%v is not an integer", value)
	}
}

func checkNumber(value any, strict bool, path string) (any, error) {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
		return nil, invalid(path, "%v is not a number", v)
	case string:
		if strict {
			return nil, invalid(path, "%q is a string, expected a number", v)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
		return nil, invalid(path, "%q cannot be read as a number", v)
	default:
		return nil, invalid(path, "%v is not a number", value)
	}
}

func checkString(value any, strict bool, path string) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		if strict {
			return nil, invalid(path, "%v is a number, expected a string", v)
		}
		return v.String(), nil
	default:
		return nil, invalid(path, "%v is not a string", value)
	}
}

func checkArray(value any, s *Schema, strict bool, path string) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, invalid(path, "value is not an array")
	}
	out := make([]any, len(items))
	for i, item := range items {
		normalized, err := checkValue(item, s.Items, strict, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}

func checkObject(value any, s *Schema, strict bool, path string) (any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, invalid(path, "value is not an object")
	}
	for _, required := range s.Required {
		if _, exists := obj[required]; !exists {
			return nil, invalid(path, "required field %q is missing", required)
		}
	}
	out := make(map[string]any, len(obj))
	for name, fieldValue := range obj {
		fieldSchema, known := s.Properties[name]
		if !known {
			fieldSchema = s.AdditionalProperties
		}
		if fieldSchema == nil {
			// Unknown fields pass through for forward compatibility.
			out[name] = fieldValue
			continue
		}
		normalized, err := checkValue(fieldValue, fieldSchema, strict, path+"."+name)
		if err != nil {
			return nil, err
		}
		out[name] = normalized
	}
	return out, nil
}

func invalid(path, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s: %s", errors.ErrPayloadValidation, path, detail),
		"Schema", "ValidatePayload", "payload validation")
}
