package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator holds a set of compiled schemas addressed by id.
type Validator struct {
	compiled map[string]*jsonschema.Schema
}

// NewValidator compiles every schema in sources. Keys are schema ids.
func NewValidator(sources map[string][]byte) (*Validator, error) {
	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	compiler := jsonschema.NewCompiler()
	for _, id := range ids {
		if len(sources[id]) == 0 {
			return nil, fmt.Errorf("schema %q is empty", id)
		}
		if err := compiler.AddResource(schemaID(id), bytes.NewReader(sources[id])); err != nil {
			return nil, fmt.Errorf("add schema resource %q: %w", id, err)
		}
	}
	v := &Validator{compiled: make(map[string]*jsonschema.Schema, len(ids))}
	for _, id := range ids {
		s, err := compiler.Compile(schemaID(id))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", id, err)
		}
		v.compiled[id] = s
	}
	return v, nil
}

// MustValidator is NewValidator for schemas embedded at build time.
func MustValidator(sources map[string][]byte) *Validator {
	v, err := NewValidator(sources)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a JSON document against the schema registered as id.
func (v *Validator) Validate(id string, body []byte) error {
	s, ok := v.compiled[id]
	if !ok {
		return fmt.Errorf("unknown schema %q", id)
	}
	payload, err := normalizeValue(body)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateSchema validates a value against a single JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	v, err := NewValidator(map[string][]byte{id: schema})
	if err != nil {
		return err
	}
	s := v.compiled[id]
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	default:
		return value, nil
	}
}

func decode(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
