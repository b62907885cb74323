package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Registry is the set of model schemas the engine synchronizes, in
// declaration order. It is built once and passed to every component that
// needs schema information.
type Registry struct {
	schemas []ModelSchema
	byName  map[string]int
}

// NewRegistry validates the schemas and indexes them by name. Association
// targets must be registered models.
func NewRegistry(schemas ...ModelSchema) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(schemas))}
	for _, s := range schemas {
		if err := s.check(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("%w: model %q registered twice", ErrInvalidSchema, s.Name)
		}
		r.byName[s.Name] = len(r.schemas)
		r.schemas = append(r.schemas, s)
	}
	for _, s := range r.schemas {
		for _, a := range s.Associations {
			if _, ok := r.byName[a.Target]; !ok {
				return nil, fmt.Errorf("%w: %s.%s targets unknown model %q", ErrInvalidSchema, s.Name, a.Name, a.Target)
			}
		}
	}
	return r, nil
}

// Get returns the schema for a model name.
func (r *Registry) Get(name string) (ModelSchema, bool) {
	i, ok := r.byName[name]
	if !ok {
		return ModelSchema{}, false
	}
	return r.schemas[i], true
}

// Has reports whether name is a registered model.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns model names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.schemas))
	for i, s := range r.schemas {
		names[i] = s.Name
	}
	return names
}

// Schemas returns a copy of the registered schemas in declaration order.
func (r *Registry) Schemas() []ModelSchema {
	out := make([]ModelSchema, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.schemas)
}

// Validate checks a record against its model's schema.
func (r *Registry) Validate(rec Record) error {
	s, ok := r.Get(rec.Model)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, rec.Model)
	}
	return s.Validate(rec)
}

type schemaFile struct {
	Models []ModelSchema `yaml:"models"`
}

// ParseRegistry builds a registry from a YAML document of the form
//
//	models:
//	  - name: Post
//	    fields:
//	      - {name: title, type: String, required: true}
//	    associations:
//	      - {name: blog, target: Blog, kind: belongs_to, foreign_key: blogID}
func ParseRegistry(data []byte) (*Registry, error) {
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("%w: no models declared", ErrInvalidSchema)
	}
	return NewRegistry(f.Models...)
}

// LoadRegistryFile reads and parses a YAML schema file.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return ParseRegistry(data)
}
