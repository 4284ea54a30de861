package core

import (
	"context"

	"github.com/shrek82/tooldb/query"
)

// Component is the base interface for all tooldb components/middleware.
type Component interface {
	Name() string
	Init(db *DB) error
	Shutdown() error
}

// Statement is one compiled model query on its way to the connection.
type Statement struct {
	Model string
	Kind  query.Kind
	Key   string // prepared statement key
	SQL   string
	Args  []any
}

// Result represents the result of a query execution.
type Result struct {
	Rows         query.Rows
	RowsAffected int64
	LastInsertID int64
	FromCache    bool
	Data         any // output of the result wrapper, if any
}

// ExecFunc is the function type for the next step in the middleware chain.
type ExecFunc func(ctx context.Context, st *Statement) (*Result, error)

// QueryMiddleware is the interface for statement interceptors. Cache hits
// never reach the chain.
type QueryMiddleware interface {
	Component
	Process(ctx context.Context, st *Statement, next ExecFunc) (*Result, error)
}

func chain(mws []QueryMiddleware, final ExecFunc) ExecFunc {
	next := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, n := mws[i], next
		next = func(ctx context.Context, st *Statement) (*Result, error) {
			return mw.Process(ctx, st, n)
		}
	}
	return next
}
