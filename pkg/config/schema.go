package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// LoadSchema reads an entity/relation catalogue from a YAML file. An empty
// path returns the built-in research schema.
func LoadSchema(path string) (*types.SchemaSpec, error) {
	if path == "" {
		return types.DefaultSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML schema document.
func ParseSchema(data []byte) (*types.SchemaSpec, error) {
	var schema types.SchemaSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	if len(schema.EntityTypes) == 0 {
		return nil, fmt.Errorf("schema declares no entity types")
	}
	for _, t := range schema.EntityTypes {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", t)
		}
	}
	for _, r := range schema.Relations {
		if !r.Type.Valid() {
			return nil, fmt.Errorf("unknown relation type %q", r.Type)
		}
		if len(r.SourceTypes) == 0 || len(r.TargetTypes) == 0 {
			return nil, fmt.Errorf("relation %s needs source and target types", r.Type)
		}
		for _, t := range append(append([]types.NodeType{}, r.SourceTypes...), r.TargetTypes...) {
			if !schema.HasEntityType(t) {
				return nil, fmt.Errorf("relation %s references undeclared entity type %q", r.Type, t)
			}
		}
	}
	return &schema, nil
}
