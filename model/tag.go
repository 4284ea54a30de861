package model

import (
	"fmt"
	"reflect"
	"strings"
)

// Tag represents a parsed `tooldb` struct tag.
type Tag struct {
	Skip       bool
	Name       string
	Column     string
	PrimaryKey bool
	AutoInc    bool
	Unique     bool
	Default    string
	Fk         string
	Type       string
	Relation   string
	Model      string
	Bridge     string
}

// ParseTag parses the "tooldb" tag string. Parts are separated by
// semicolons, commas or spaces; values follow a colon.
func ParseTag(tagStr string) *Tag {
	tag := &Tag{}
	if strings.TrimSpace(tagStr) == "-" {
		tag.Skip = true
		return tag
	}

	parts := strings.FieldsFunc(tagStr, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\t'
	})
	for _, part := range parts {
		kv := strings.SplitN(part, ":", 2)
		key := strings.ToLower(kv[0])
		var val string
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}

		switch key {
		case "name":
			tag.Name = val
		case "column":
			tag.Column = val
		case "pk":
			tag.PrimaryKey = true
		case "auto":
			tag.AutoInc = true
		case "unique":
			tag.Unique = true
		case "default":
			tag.Default = val
		case "fk":
			tag.Fk = val
		case "type":
			tag.Type = strings.ToLower(val)
		case "rel":
			tag.Relation = strings.ToLower(val)
		case "model":
			tag.Model = val
		case "bridge":
			tag.Bridge = val
		}
	}
	return tag
}

// Tabler lets a struct choose its table name.
type Tabler interface {
	TableName() string
}

// DefinitionFromStruct builds a Definition from the exported fields of a
// struct and their `tooldb` tags. The model name is the struct type name and
// the table is its snake_case form unless the value implements Tabler.
func DefinitionFromStruct(value any) (Definition, error) {
	if value == nil {
		return Definition{}, fmt.Errorf("value is nil")
	}
	typ := reflect.TypeOf(value)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return Definition{}, fmt.Errorf("value must be a struct or pointer to struct, got %s", typ.Kind())
	}

	def := Definition{Name: typ.Name(), Table: camelToSnake(typ.Name())}
	if t, ok := value.(Tabler); ok {
		def.Table = t.TableName()
	}

	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := ParseTag(sf.Tag.Get("tooldb"))
		if tag.Skip {
			continue
		}
		name := fieldName(sf, tag)

		if tag.Relation != "" {
			def.Relationships = append(def.Relationships, Relationship{
				Name:         name,
				Type:         RelationType(tag.Relation),
				ForeignModel: tag.Model,
				BridgeModel:  tag.Bridge,
			})
			continue
		}

		f := Field{
			Name:          name,
			Column:        tag.Column,
			Type:          FieldType(tag.Type),
			PrimaryKey:    tag.PrimaryKey,
			AutoIncrement: tag.AutoInc,
			ForeignKey:    tag.Fk,
			Unique:        tag.Unique,
		}
		if f.Type == "" {
			f.Type = Generic
			if sf.Type.String() == "time.Time" {
				f.Type = Datetime
			}
		}
		if f.Column == "" && f.Type != RelationshipField {
			f.Column = name
		}
		if tag.Default != "" {
			f.Default = tag.Default
		}
		def.Fields = append(def.Fields, f)
	}
	return def, nil
}

func fieldName(sf reflect.StructField, tag *Tag) string {
	if tag.Name != "" {
		return tag.Name
	}
	return camelToSnake(sf.Name)
}

// StructFieldName returns the logical field name a struct field maps to, or
// false when the field is unexported or tagged "-".
func StructFieldName(sf reflect.StructField) (string, bool) {
	if !sf.IsExported() {
		return "", false
	}
	tag := ParseTag(sf.Tag.Get("tooldb"))
	if tag.Skip {
		return "", false
	}
	return fieldName(sf, tag), true
}
