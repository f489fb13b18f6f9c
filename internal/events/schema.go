package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://github.com/sjawhar/wispr-broadcast/events.schema.json"

//go:embed events.schema.json
var schemaJSON []byte

// Validator checks records against the published wire schema. It is safe for
// concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a single record line.
func (v *Validator) Validate(line []byte) error {
	var payload any
	if err := json.Unmarshal(bytes.TrimSpace(line), &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.schema.Validate(payload); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Schema returns the raw JSON Schema document.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}
