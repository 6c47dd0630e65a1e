package sources

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema validates provider payloads before they are trusted.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema (draft 2020-12) document for the
// named source.
func CompileSchema(sourceName, schema string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://promoverify.schemas.local/sources/%s.schema.json", sourceName)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("source %s schema load failed: %w", sourceName, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("source %s schema compile failed: %w", sourceName, err)
	}
	return &Schema{name: sourceName, compiled: compiled}, nil
}

// Validate checks a decoded payload. A nil Schema accepts everything.
func (s *Schema) Validate(payload any) error {
	if s == nil {
		return nil
	}
	if err := s.compiled.Validate(payload); err != nil {
		return fmt.Errorf("%w: %s: schema validation failed: %v", ErrInvalidPayload, s.name, err)
	}
	return nil
}
