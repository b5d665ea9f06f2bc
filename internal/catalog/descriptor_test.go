package catalog

import (
	"encoding/json"
	"testing"
)

func TestDescriptorValidate(t *testing.T) {
	d := &Descriptor{
		Server: "greeter",
		Name:   "hello_world",
		InputSchema: json.RawMessage(`{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"times": {"type": "integer", "minimum": 1}
			},
			"required": ["name"]
		}`),
	}

	tests := []struct {
		name    string
		args    any
		wantErr bool
	}{
		{"valid map", map[string]any{"name": "World"}, false},
		{"valid raw json", json.RawMessage(`{"name":"World","times":2}`), false},
		{"valid struct", struct {
			Name string `json:"name"`
		}{"World"}, false},
		{"missing required", map[string]any{}, true},
		{"nil arguments", nil, true},
		{"wrong type", map[string]any{"name": 42}, true},
		{"below minimum", map[string]any{"name": "x", "times": 0}, true},
		{"not an object", []string{"World"}, true},
		{"scalar raw json", json.RawMessage(`"World"`), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Validate(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDescriptorWithoutSchemaAcceptsObjects(t *testing.T) {
	d := &Descriptor{Server: "s", Name: "t"}

	if err := d.Validate(map[string]any{"anything": true}); err != nil {
		t.Errorf("Validate(object) error = %v", err)
	}
	if err := d.Validate(nil); err != nil {
		t.Errorf("Validate(nil) error = %v", err)
	}
	if err := d.Validate(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("Validate(array) error = nil, want object required")
	}
}

func TestDescriptorUnusableSchemaIsSkipped(t *testing.T) {
	d := &Descriptor{
		Server:      "s",
		Name:        "t",
		InputSchema: json.RawMessage(`{"type":"object","properties":"not a map"}`),
	}

	if d.SchemaError() == nil {
		t.Fatal("SchemaError() = nil, want parse error")
	}
	if err := d.Validate(map[string]any{"x": 1}); err != nil {
		t.Errorf("Validate() error = %v, want validation skipped", err)
	}
	if err := d.Validate(json.RawMessage(`"scalar"`)); err == nil {
		t.Error("Validate(scalar) error = nil, want object required")
	}
}
