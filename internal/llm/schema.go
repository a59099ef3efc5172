package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Schema is a compiled JSON Schema used to check oracle output locally.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

var schemaCache sync.Map // name -> *Schema

// CompileSchema compiles raw under name. Results are cached by name.
func CompileSchema(name string, raw json.RawMessage) (*Schema, error) {
	if cached, ok := schemaCache.Load(name); ok {
		return cached.(*Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	s := &Schema{raw: raw, compiled: compiled}
	actual, _ := schemaCache.LoadOrStore(name, s)
	return actual.(*Schema), nil
}

// MustCompileSchema panics on an invalid built-in schema.
func MustCompileSchema(name string, raw json.RawMessage) *Schema {
	s, err := CompileSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks v (any JSON-encodable value) against the schema.
func (s *Schema) Validate(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal for validation: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%v: %w", err, crm.ErrInvalidOracleOutput)
	}
	return nil
}
