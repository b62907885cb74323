package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/outpost/internal/validation"
)

var (
	ErrValidation    = errors.New("record validation failed")
	ErrUnknownModel  = errors.New("unknown model")
	ErrInvalidSchema = errors.New("invalid model schema")
)

// FieldType is the scalar type of a model field.
type FieldType string

const (
	TypeID        FieldType = "ID"
	TypeString    FieldType = "String"
	TypeInt       FieldType = "Int"
	TypeFloat     FieldType = "Float"
	TypeBoolean   FieldType = "Boolean"
	TypeTimestamp FieldType = "Timestamp"
	TypeJSON      FieldType = "JSON"
)

var fieldTypes = []string{
	string(TypeID), string(TypeString), string(TypeInt), string(TypeFloat),
	string(TypeBoolean), string(TypeTimestamp), string(TypeJSON),
}

// Field describes one attribute of a model.
type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
}

// AssociationKind describes how two models relate.
type AssociationKind string

const (
	BelongsTo AssociationKind = "belongs_to"
	HasMany   AssociationKind = "has_many"
	HasOne    AssociationKind = "has_one"
)

// Association is a foreign-key relationship to another model.
type Association struct {
	Name       string          `yaml:"name" json:"name"`
	Target     string          `yaml:"target" json:"target"`
	Kind       AssociationKind `yaml:"kind" json:"kind"`
	ForeignKey string          `yaml:"foreign_key" json:"foreignKey,omitempty"`
}

// Owning reports whether this side of the association owns the target. The
// non-owning side (belongs_to) holds the foreign key and therefore depends on
// the target existing first.
func (a Association) Owning() bool {
	return a.Kind != BelongsTo
}

// ModelSchema describes a model type.
type ModelSchema struct {
	Name         string        `yaml:"name" json:"name"`
	Fields       []Field       `yaml:"fields" json:"fields"`
	Associations []Association `yaml:"associations" json:"associations,omitempty"`
}

// Field looks up a field by name.
func (s ModelSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Dependencies returns the models this model must be written after: the
// targets of its non-owning associations, excluding itself.
func (s ModelSchema) Dependencies() []string {
	var deps []string
	seen := map[string]bool{}
	for _, a := range s.Associations {
		if a.Owning() || a.Target == s.Name || seen[a.Target] {
			continue
		}
		seen[a.Target] = true
		deps = append(deps, a.Target)
	}
	return deps
}

func (s ModelSchema) check() error {
	var c validation.Collector
	c.Add(validation.ValidateIdentifier("name", s.Name))

	seen := map[string]bool{}
	for i, f := range s.Fields {
		field := fmt.Sprintf("fields[%d]", i)
		c.Add(validation.ValidateIdentifier(field+".name", f.Name))
		c.Add(validation.ValidateEnum(field+".type", string(f.Type), fieldTypes))
		if f.Name == "id" {
			c.Add(&validation.ValidationError{Field: field + ".name", Message: "id is implicit and must not be declared"})
		}
		if seen[f.Name] {
			c.Add(&validation.ValidationError{Field: field + ".name", Message: "duplicate field " + f.Name})
		}
		seen[f.Name] = true
	}
	for i, a := range s.Associations {
		field := fmt.Sprintf("associations[%d]", i)
		c.Add(validation.ValidateRequired(field+".name", a.Name))
		c.Add(validation.ValidateRequired(field+".target", a.Target))
		c.Add(validation.ValidateEnum(field+".kind", string(a.Kind),
			[]string{string(BelongsTo), string(HasMany), string(HasOne)}))
		if a.Kind == BelongsTo && a.ForeignKey != "" {
			if _, ok := s.Field(a.ForeignKey); !ok {
				c.Add(&validation.ValidationError{Field: field + ".foreign_key", Message: "references undeclared field " + a.ForeignKey})
			}
		}
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidSchema, s.Name, err)
	}
	return nil
}

// Validate checks a record against the schema: the model name and ID are set,
// required fields are present, every field is declared and values have the
// declared type.
func (s ModelSchema) Validate(r Record) error {
	var c validation.Collector
	if r.Model != s.Name {
		c.Add(&validation.ValidationError{Field: "model", Message: fmt.Sprintf("must be %q", s.Name)})
	}
	c.Add(validation.ValidateRequired("id", r.ID))
	c.Add(validation.ValidateUTF8("id", r.ID))

	for _, f := range s.Fields {
		v, ok := r.Fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				c.Add(&validation.ValidationError{Field: f.Name, Message: "is required"})
			}
			continue
		}
		c.Add(checkType(f, v))
	}
	for name := range r.Fields {
		if _, ok := s.Field(name); !ok {
			c.Add(&validation.ValidationError{Field: name, Message: "is not defined on " + s.Name})
		}
	}

	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrValidation, r.Model, r.ID, err)
	}
	return nil
}

func checkType(f Field, v any) *validation.ValidationError {
	ok := true
	switch f.Type {
	case TypeID, TypeString:
		var s string
		s, ok = v.(string)
		if ok {
			return validation.ValidateUTF8(f.Name, s)
		}
	case TypeInt:
		var n float64
		n, ok = toFloat(v)
		ok = ok && n == float64(int64(n))
	case TypeFloat:
		_, ok = toFloat(v)
	case TypeBoolean:
		_, ok = v.(bool)
	case TypeTimestamp:
		switch tv := v.(type) {
		case time.Time:
		case string:
			_, err := time.Parse(time.RFC3339Nano, tv)
			ok = err == nil
		default:
			ok = false
		}
	case TypeJSON:
	}
	if !ok {
		return &validation.ValidationError{Field: f.Name, Message: fmt.Sprintf("must be of type %s", f.Type)}
	}
	return nil
}
