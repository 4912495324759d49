package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldSchema describes one declared input field's primitive type and
// whether it's required, plus the optional raw JSON Schema fragment used
// for richer constraint validation beyond the primitive-type table.
type FieldSchema struct {
	Type     string          `json:"type"`
	Required bool            `json:"required"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

// InputSchema maps field name to its declared schema.
type InputSchema map[string]FieldSchema

// CoerceError reports a Stage-2 coercion failure.
type CoerceError struct {
	Field string
	Msg   string
}

func (e *CoerceError) Error() string {
	return fmt.Sprintf("coerce field %q: %s", e.Field, e.Msg)
}

// Coerce converts each rendered string in `rendered` into typed JSON per the
// schema's declared type table. Fields rendered but absent from schema pass
// through as JSON strings. Required schema fields missing from rendered
// produce a CoerceError.
func Coerce(rendered map[string]string, schema InputSchema) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(rendered))

	for field, fs := range schema {
		raw, present := rendered[field]
		if !present {
			if fs.Required {
				return nil, &CoerceError{Field: field, Msg: "required field missing from rendered input"}
			}
			continue
		}
		val, err := coerceOne(raw, fs.Type)
		if err != nil {
			return nil, &CoerceError{Field: field, Msg: err.Error()}
		}
		if len(fs.Schema) > 0 {
			if err := validateAgainstSchema(val, fs.Schema); err != nil {
				return nil, &CoerceError{Field: field, Msg: err.Error()}
			}
		}
		out[field] = val
	}

	for field, raw := range rendered {
		if _, declared := schema[field]; declared {
			continue
		}
		b, _ := json.Marshal(raw)
		out[field] = b
	}

	return out, nil
}

func coerceOne(raw, typ string) (json.RawMessage, error) {
	switch typ {
	case "string":
		b, err := json.Marshal(raw)
		return b, err
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not a signed decimal integer: %v", err)
		}
		return json.Marshal(n)
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %v", err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite number not permitted")
		}
		return json.Marshal(f)
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true":
			return json.Marshal(true)
		case "false":
			return json.Marshal(false)
		default:
			return nil, fmt.Errorf("not a boolean literal")
		}
	case "null":
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || trimmed == "null" {
			return json.Marshal(nil)
		}
		return nil, fmt.Errorf("expected empty string or \"null\"")
	case "array":
		var v []any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("not a JSON array: %v", err)
		}
		return json.Marshal(v)
	case "object":
		var v map[string]any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("not a JSON object: %v", err)
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown schema type %q", typ)
	}
}

// validateAgainstSchema applies the richer jsonschema constraints (enum,
// format, min/max, …) the primitive-type table doesn't cover.
func validateAgainstSchema(val json.RawMessage, schemaDoc json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaDoc)))
	if err != nil {
		return fmt.Errorf("parse schema fragment: %w", err)
	}
	const resourceURL = "mem://input-field-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("load schema fragment: %w", err)
	}
	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("compile schema fragment: %w", err)
	}
	var inst any
	if err := json.Unmarshal(val, &inst); err != nil {
		return fmt.Errorf("decode coerced value: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
