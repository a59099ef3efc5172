package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled payload schemas keyed by "type@version".
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

func schemaKey(eventType, version string) string { return eventType + "@" + version }

// Register compiles and stores a schema for eventType/version.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("eventType and version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s is empty", eventType)
	}
	url := schemaKey(eventType, version) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", eventType, err)
	}
	r.mu.Lock()
	r.schemas[schemaKey(eventType, version)] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for eventType/version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey(eventType, version)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed for %s: %w", eventType, err)
	}
	return nil
}
