package model

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// RelationType is the cardinality of a relationship.
type RelationType string

const (
	RelationOne    RelationType = "one"
	RelationMany   RelationType = "many"
	RelationBridge RelationType = "bridge"
)

// Relationship links a model to a foreign model, optionally through a bridge model.
type Relationship struct {
	Name         string
	Type         RelationType
	ForeignModel string
	BridgeModel  string
}

// Validate implements validation.Validatable.
func (r Relationship) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Type, validation.Required, validation.In(RelationOne, RelationMany, RelationBridge)),
		validation.Field(&r.ForeignModel, validation.Required),
		validation.Field(&r.BridgeModel, validation.When(r.Type == RelationBridge, validation.Required)),
	)
}

// AccessorKind tags the union held by an Accessor.
type AccessorKind int

const (
	DirectField AccessorKind = iota
	OneRelationship
	ManyRelationship
	BridgeRelationship
)

// Accessor resolves a name on a record to either a field or a relationship.
type Accessor struct {
	Kind         AccessorKind
	Field        *Field
	Relationship *Relationship
}

var (
	// ErrNoJoinPath is returned when two models share no foreign key.
	ErrNoJoinPath = errors.New("no foreign key between models")
	// ErrAmbiguousJoin is returned when two models share more than one foreign key.
	ErrAmbiguousJoin = errors.New("ambiguous foreign key between models")
)

// JoinPath is a resolved equality between a field of the primary model and a field of the joined model.
type JoinPath struct {
	Local   *Field
	Foreign *Field
}

// ResolveJoin finds the single foreign-key link between primary and foreign,
// looking in both directions.
func ResolveJoin(primary, foreign *Model) (JoinPath, error) {
	var candidates []JoinPath

	if fpk := foreign.SinglePrimaryKey(); fpk != nil {
		for _, f := range primary.ForeignKeys {
			if f.ForeignKey == foreign.Name {
				candidates = append(candidates, JoinPath{Local: f, Foreign: fpk})
			}
		}
	}
	if ppk := primary.SinglePrimaryKey(); ppk != nil && primary != foreign {
		for _, f := range foreign.ForeignKeys {
			if f.ForeignKey == primary.Name {
				candidates = append(candidates, JoinPath{Local: ppk, Foreign: f})
			}
		}
	}

	switch len(candidates) {
	case 0:
		return JoinPath{}, fmt.Errorf("%w: %s and %s", ErrNoJoinPath, primary.Name, foreign.Name)
	case 1:
		return candidates[0], nil
	}
	return JoinPath{}, fmt.Errorf("%w: %s and %s (%d candidates)", ErrAmbiguousJoin, primary.Name, foreign.Name, len(candidates))
}
