package core

import (
	"errors"
	"fmt"

	"github.com/shrek82/tooldb/dialect"
)

var (
	// ErrIllegalState is returned when a query kind is set twice or a compiled query is modified.
	ErrIllegalState = errors.New("illegal query state")
	// ErrInvalidExpression is returned when a clause expression does not parse or does not fit the query kind.
	ErrInvalidExpression = errors.New("invalid expression")
	// ErrInvalidJoin is returned when a left join cannot be resolved to exactly one field pair.
	ErrInvalidJoin = errors.New("invalid join")
	// ErrUnknownField is returned when a field reference matches neither a field name nor a column.
	ErrUnknownField = errors.New("unknown field")
	// ErrModelNotFound is returned when a model name is not registered.
	ErrModelNotFound = errors.New("model not found")
	// ErrArgumentCount is returned when the deferred placeholders and the supplied values differ in number.
	ErrArgumentCount = errors.New("argument count mismatch")
	// ErrMissingPrimaryKey is returned when a primary key value is required but not supplied.
	ErrMissingPrimaryKey = errors.New("missing primary key")
	// ErrRecordNotFound is returned when a freshly written record cannot be read back.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRelationNotFound is returned when a requested relation does not exist on the model.
	ErrRelationNotFound = errors.New("relation not found")
	// ErrDuplicateKey is returned when a database unique constraint is violated.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrForeignKey is returned when a database foreign key constraint is violated.
	ErrForeignKey = errors.New("foreign key constraint")
	// ErrInvalidSQL is returned when a statement is executed before it was prepared.
	ErrInvalidSQL = errors.New("invalid sql")
)

// QueryError is a structural error raised while building or compiling a model query.
type QueryError struct {
	Op    string // builder operation, e.g. "where"
	Model string
	Expr  string
	Err   error // one of the sentinels above
	Cause error
}

func (e *QueryError) Error() string {
	msg := e.Err.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Model != "" {
		msg = e.Model + "." + msg
	}
	if e.Expr != "" {
		msg += fmt.Sprintf(" %q", e.Expr)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *QueryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// IsDuplicateKey reports whether err is a unique constraint violation of any supported driver.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || dialect.ClassifyAny(err) == dialect.ClassDuplicateKey
}

// IsForeignKey reports whether err is a foreign key violation of any supported driver.
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey) || dialect.ClassifyAny(err) == dialect.ClassForeignKey
}
