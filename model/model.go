package model

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrInvalidModel is returned when a definition violates a model invariant.
	ErrInvalidModel = errors.New("invalid model")
	// ErrModelExists is returned when a model name is already registered.
	ErrModelExists = errors.New("model already registered")
	// ErrSealed is returned when a relationship is added after the model was first queried.
	ErrSealed = errors.New("model is sealed")
)

// Definition is the serializable description a Model is built from.
type Definition struct {
	Name          string
	Table         string
	Fields        []Field
	Relationships []Relationship
}

// Validate implements validation.Validatable.
func (d Definition) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.Table, validation.Required),
		validation.Field(&d.Fields, validation.Required),
		validation.Field(&d.Relationships),
	)
}

// Model is the metadata of one entity type. Everything except the
// relationship set is fixed at construction.
type Model struct {
	Name      string
	Table     string
	Fields    []*Field
	FieldMap  map[string]*Field // by logical name
	ColumnMap map[string]*Field // by SQL column

	PrimaryKeys    []*Field
	AutoIncrements []*Field
	ForeignKeys    []*Field

	mu            sync.RWMutex
	relationships map[string]*Relationship
	relOrder      []string
	accessors     map[string]Accessor
	sealed        atomic.Bool
}

// New builds a Model from a definition and checks its invariants.
func New(def Definition) (*Model, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidModel, def.Name, err)
	}

	m := &Model{
		Name:          def.Name,
		Table:         def.Table,
		FieldMap:      make(map[string]*Field, len(def.Fields)),
		ColumnMap:     make(map[string]*Field, len(def.Fields)),
		relationships: make(map[string]*Relationship, len(def.Relationships)),
	}

	for i := range def.Fields {
		f := def.Fields[i]
		if f.Type == "" {
			f.Type = Generic
		}
		if _, dup := m.FieldMap[f.Name]; dup {
			return nil, fmt.Errorf("%w %q: duplicate field %q", ErrInvalidModel, def.Name, f.Name)
		}
		if !f.IsColumn() {
			if f.Column != "" || f.PrimaryKey {
				return nil, fmt.Errorf("%w %q: relationship field %q cannot have a column", ErrInvalidModel, def.Name, f.Name)
			}
		} else {
			if _, dup := m.ColumnMap[f.Column]; dup {
				return nil, fmt.Errorf("%w %q: column %q used twice", ErrInvalidModel, def.Name, f.Column)
			}
		}
		if f.AutoIncrement && !f.PrimaryKey {
			return nil, fmt.Errorf("%w %q: auto-increment field %q must be a primary key", ErrInvalidModel, def.Name, f.Name)
		}

		field := &f
		m.Fields = append(m.Fields, field)
		m.FieldMap[field.Name] = field
		if field.IsColumn() {
			m.ColumnMap[field.Column] = field
		}
		if field.PrimaryKey {
			m.PrimaryKeys = append(m.PrimaryKeys, field)
		}
		if field.AutoIncrement {
			m.AutoIncrements = append(m.AutoIncrements, field)
		}
		if field.ForeignKey != "" {
			m.ForeignKeys = append(m.ForeignKeys, field)
		}
	}

	for _, rel := range def.Relationships {
		if err := m.addRelationship(rel); err != nil {
			return nil, err
		}
	}
	m.rebuildAccessors()
	return m, nil
}

// Definition returns the serializable form of the model.
func (m *Model) Definition() Definition {
	def := Definition{Name: m.Name, Table: m.Table}
	for _, f := range m.Fields {
		def.Fields = append(def.Fields, *f)
	}
	for _, r := range m.Relationships() {
		def.Relationships = append(def.Relationships, *r)
	}
	return def
}

// Columns returns the fields backed by a column, in declaration order.
func (m *Model) Columns() []*Field {
	cols := make([]*Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		if f.IsColumn() {
			cols = append(cols, f)
		}
	}
	return cols
}

// SinglePrimaryKey returns the primary key field when the key has exactly one column.
func (m *Model) SinglePrimaryKey() *Field {
	if len(m.PrimaryKeys) == 1 {
		return m.PrimaryKeys[0]
	}
	return nil
}

// Relationship looks up a relationship by name.
func (m *Model) Relationship(name string) (*Relationship, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relationships[name]
	return r, ok
}

// Relationships returns every relationship in declaration order.
func (m *Model) Relationships() []*Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Relationship, 0, len(m.relOrder))
	for _, name := range m.relOrder {
		out = append(out, m.relationships[name])
	}
	return out
}

// Accessor resolves a field or relationship name.
func (m *Model) Accessor(name string) (Accessor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accessors[name]
	return a, ok
}

// Seal freezes the relationship set. It is called when the first query against the model compiles.
func (m *Model) Seal() {
	m.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (m *Model) Sealed() bool {
	return m.sealed.Load()
}

// AddRelationship appends a relationship declaration before the model is sealed.
func (m *Model) AddRelationship(rel Relationship) error {
	if m.Sealed() {
		return fmt.Errorf("%w: %s cannot gain relationship %q", ErrSealed, m.Name, rel.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addRelationship(rel); err != nil {
		return err
	}
	m.rebuildAccessors()
	return nil
}

func (m *Model) addRelationship(rel Relationship) error {
	if err := rel.Validate(); err != nil {
		return fmt.Errorf("%w %q: relationship: %v", ErrInvalidModel, m.Name, err)
	}
	if _, dup := m.relationships[rel.Name]; dup {
		return fmt.Errorf("%w %q: duplicate relationship %q", ErrInvalidModel, m.Name, rel.Name)
	}
	if f, clash := m.FieldMap[rel.Name]; clash && f.IsColumn() {
		return fmt.Errorf("%w %q: relationship %q shadows a column field", ErrInvalidModel, m.Name, rel.Name)
	}
	r := rel
	m.relationships[r.Name] = &r
	m.relOrder = append(m.relOrder, r.Name)
	return nil
}

func (m *Model) rebuildAccessors() {
	acc := make(map[string]Accessor, len(m.Fields)+len(m.relationships))
	for _, f := range m.Fields {
		if f.IsColumn() {
			acc[f.Name] = Accessor{Kind: DirectField, Field: f}
		}
	}
	for name, r := range m.relationships {
		kind := OneRelationship
		switch r.Type {
		case RelationMany:
			kind = ManyRelationship
		case RelationBridge:
			kind = BridgeRelationship
		}
		acc[name] = Accessor{Kind: kind, Relationship: r}
	}
	m.accessors = acc
}

func camelToSnake(s string) string {
	if s == "ID" {
		return "id"
	}
	var res []rune
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				res = append(res, '_')
			}
			res = append(res, unicode.ToLower(r))
		} else {
			res = append(res, r)
		}
	}
	return string(res)
}
