package model

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FieldType controls how a field value is stored and hydrated.
type FieldType string

const (
	Generic    FieldType = "generic"
	Serialized FieldType = "serialized" // JSON text column
	Datetime   FieldType = "datetime"   // "2006-01-02 15:04:05" text column
	// RelationshipField marks a virtual field with no backing column.
	RelationshipField FieldType = "relationship"
)

// Field describes one logical field of a model and its backing column.
type Field struct {
	Name          string    // Logical field name used in expressions
	Column        string    // SQL column name
	Type          FieldType // Storage type
	PrimaryKey    bool      // Part of the primary key
	AutoIncrement bool      // Assigned by the database on insert
	ForeignKey    string    // Target model name, empty when not a foreign key
	Default       any       // Value used on create when the caller supplies none
	Unique        bool      // Unique column
}

// IsColumn reports whether the field is backed by a SQL column.
func (f *Field) IsColumn() bool {
	return f.Type != RelationshipField
}

// Validate implements validation.Validatable.
func (f Field) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Name, validation.Required),
		validation.Field(&f.Column, validation.When(f.Type != RelationshipField, validation.Required)),
		validation.Field(&f.Type, validation.In(Generic, Serialized, Datetime, RelationshipField)),
	)
}
