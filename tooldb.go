// Package tooldb is a model-driven query layer: models are registered once,
// queries are composed per model, compiled to SQL at most once per shape, and
// SELECT results are cached until a mutation of their table invalidates them.
package tooldb

import (
	"github.com/shrek82/tooldb/core"
	"github.com/shrek82/tooldb/model"
)

// Re-export core types and functions
type (
	DB         = core.DB
	Tx         = core.Tx
	ModelQuery = core.ModelQuery
	Record     = core.Record
	Result     = core.Result
	Options    = core.Options
	Connection = core.Connection
	QueryError = core.QueryError

	Definition   = model.Definition
	Field        = model.Field
	Relationship = model.Relationship
)

var (
	Open        = core.Open
	OpenOptions = core.OpenOptions
	New         = core.New
	LoadOptions = core.LoadOptions

	IsDuplicateKey = core.IsDuplicateKey
	IsForeignKey   = core.IsForeignKey
)

// Re-export sentinel errors
var (
	ErrIllegalState      = core.ErrIllegalState
	ErrInvalidExpression = core.ErrInvalidExpression
	ErrInvalidJoin       = core.ErrInvalidJoin
	ErrUnknownField      = core.ErrUnknownField
	ErrModelNotFound     = core.ErrModelNotFound
	ErrArgumentCount     = core.ErrArgumentCount
	ErrMissingPrimaryKey = core.ErrMissingPrimaryKey
	ErrRecordNotFound    = core.ErrRecordNotFound
	ErrRelationNotFound  = core.ErrRelationNotFound
	ErrModelExists       = model.ErrModelExists
	ErrSealed            = model.ErrSealed
)
