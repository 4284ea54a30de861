package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shrek82/tooldb/dialect"
	"github.com/shrek82/tooldb/query"
)

// ExecResult reports the outcome of a statement that returns no rows.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// Connection is the facade the query layer executes through. Statements are
// prepared once under a key and executed by key afterwards.
type Connection interface {
	Prepare(ctx context.Context, key, sqlText string) error
	IsKeyUsed(key string) bool
	Execute(ctx context.Context, key string, params []any) (ExecResult, error)
	ExecuteFetchAll(ctx context.Context, key string, params []any) (query.Rows, error)
	EscapeString(s string) string
	LastInsertID() int64
}

// Preparer is implemented by *sql.DB, *sql.Conn and *sql.Tx.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// SQLConnection implements Connection over database/sql prepared statements.
type SQLConnection struct {
	src     Preparer
	dialect dialect.Dialect
	stmts   *xsync.MapOf[string, *sql.Stmt]
	lastID  atomic.Int64
}

func NewSQLConnection(src Preparer, d dialect.Dialect) *SQLConnection {
	return &SQLConnection{
		src:     src,
		dialect: d,
		stmts:   xsync.NewMapOf[string, *sql.Stmt](),
	}
}

func (c *SQLConnection) Prepare(ctx context.Context, key, sqlText string) error {
	if _, ok := c.stmts.Load(key); ok {
		return nil
	}
	stmt, err := c.src.PrepareContext(ctx, sqlText)
	if err != nil {
		return err
	}
	if _, loaded := c.stmts.LoadOrStore(key, stmt); loaded {
		// another goroutine prepared the same key first
		_ = stmt.Close()
	}
	return nil
}

func (c *SQLConnection) IsKeyUsed(key string) bool {
	_, ok := c.stmts.Load(key)
	return ok
}

func (c *SQLConnection) stmt(key string) (*sql.Stmt, error) {
	stmt, ok := c.stmts.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: statement %q was not prepared", ErrInvalidSQL, key)
	}
	return stmt, nil
}

func (c *SQLConnection) Execute(ctx context.Context, key string, params []any) (ExecResult, error) {
	stmt, err := c.stmt(key)
	if err != nil {
		return ExecResult{}, err
	}
	res, err := stmt.ExecContext(ctx, params...)
	if err != nil {
		return ExecResult{}, err
	}
	var out ExecResult
	out.RowsAffected, _ = res.RowsAffected()
	// lib/pq has no LastInsertId
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
		if id != 0 {
			c.lastID.Store(id)
		}
	}
	return out, nil
}

func (c *SQLConnection) ExecuteFetchAll(ctx context.Context, key string, params []any) (query.Rows, error) {
	stmt, err := c.stmt(key)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := query.Rows{}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(query.Row, len(columns))
		for i, col := range columns {
			// cached rows come back in UTC, fresh ones match them
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.UTC()
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *SQLConnection) EscapeString(s string) string {
	return c.dialect.Escape(s)
}

func (c *SQLConnection) LastInsertID() int64 {
	return c.lastID.Load()
}

// Close closes every prepared statement.
func (c *SQLConnection) Close() error {
	var errs []error
	c.stmts.Range(func(key string, stmt *sql.Stmt) bool {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
		c.stmts.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
