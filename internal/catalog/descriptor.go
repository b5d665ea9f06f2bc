package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Descriptor is one tool as advertised by one server. Descriptors are
// immutable after discovery; rediscovery replaces them wholesale.
type Descriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// Cached marks descriptors preloaded from the store rather than
	// discovered from a live server.
	Cached bool `json:"cached,omitempty"`

	compileOnce sync.Once
	resolved    *jsonschema.Resolved
	compileErr  error
}

// QualifiedName returns "server/tool".
func (d *Descriptor) QualifiedName() string {
	return d.Server + "/" + d.Name
}

// Validate checks args against the input schema. Arguments are
// normalized through a JSON round-trip first, so any value that
// marshals to a JSON object is accepted. Nil means no arguments. A
// schema that cannot be compiled is skipped (SchemaError reports it)
// but the arguments must still be an object.
func (d *Descriptor) Validate(args any) error {
	instance, err := normalize(args)
	if err != nil {
		return err
	}

	resolved, err := d.schema()
	if err != nil || resolved == nil {
		return nil
	}
	return resolved.Validate(instance)
}

// SchemaError returns the reason the input schema could not be
// compiled, or nil.
func (d *Descriptor) SchemaError() error {
	_, err := d.schema()
	return err
}

func (d *Descriptor) schema() (*jsonschema.Resolved, error) {
	d.compileOnce.Do(func() {
		d.resolved, d.compileErr = compileSchema(d.InputSchema)
	})
	return d.resolved, d.compileErr
}

// compileSchema parses and resolves raw. An empty schema accepts any
// object. The $schema keyword is dropped: servers declare every draft
// under the sun and the validator only needs the vocabulary.
func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("input schema is not an object: %w", err)
	}
	delete(m, "$schema")

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("re-encode input schema: %w", err)
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return resolved, nil
}

// normalize converts args into the generic form the validator expects
// (map[string]any with float64 numbers) and insists on an object.
func normalize(args any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}

	var data []byte
	switch v := args.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("arguments are not JSON-encodable: %w", err)
		}
	}
	if len(data) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return m, nil
}
