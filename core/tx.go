package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shrek82/tooldb/query"
)

type invalidation struct {
	model string
	table string
	kind  query.Kind
}

// Tx is a database transaction. Its embedded DB runs queries on the
// transaction: selects bypass the result cache, mutations invalidate it
// right away and again after commit.
type Tx struct {
	*DB
	parent *DB
	sqlTx  *sql.Tx
	conn   *SQLConnection

	mu      sync.Mutex
	pending []invalidation
}

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	if db.tx != nil {
		return nil, fmt.Errorf("%w: nested transaction", ErrIllegalState)
	}
	if db.pool == nil {
		return nil, fmt.Errorf("%w: transactions need a pool-backed DB", ErrIllegalState)
	}
	start := time.Now()
	sqlTx, err := db.pool.BeginTx(ctx, nil)
	db.logger.SQL("BEGIN", time.Since(start))
	if err != nil {
		return nil, err
	}

	tx := &Tx{parent: db, sqlTx: sqlTx, conn: NewSQLConnection(sqlTx, db.dialect)}
	scoped := *db
	scoped.conn = tx.conn
	scoped.tx = tx
	scoped.stores = nil
	scoped.pool = nil
	tx.DB = &scoped
	return tx, nil
}

func (tx *Tx) remember(modelName, table string, kind query.Kind) {
	tx.mu.Lock()
	tx.pending = append(tx.pending, invalidation{model: modelName, table: table, kind: kind})
	tx.mu.Unlock()
}

// Commit commits the transaction and replays its invalidations, so that
// selects cached by other sessions while it was open are dropped.
func (tx *Tx) Commit() error {
	start := time.Now()
	err := tx.sqlTx.Commit()
	tx.logger.SQL("COMMIT", time.Since(start))
	_ = tx.conn.Close()
	if err != nil {
		return fmt.Errorf("transaction commit failed: %w", err)
	}

	tx.mu.Lock()
	pending := tx.pending
	tx.pending = nil
	tx.mu.Unlock()
	ctx := context.Background()
	for _, inv := range pending {
		tx.parent.ResultCache(inv.model).Invalidate(ctx, inv.table, inv.kind)
	}
	return nil
}

// Rollback rolls back the transaction.
func (tx *Tx) Rollback() error {
	start := time.Now()
	err := tx.sqlTx.Rollback()
	tx.logger.SQL("ROLLBACK", time.Since(start))
	_ = tx.conn.Close()
	tx.mu.Lock()
	tx.pending = nil
	tx.mu.Unlock()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("transaction rollback failed: %w", err)
	}
	return nil
}

// Close rolls the transaction back unless it was committed. It never
// closes the parent DB.
func (tx *Tx) Close() error {
	return tx.Rollback()
}

// Transaction executes fn within a database transaction. It commits when fn
// returns nil and rolls back on an error or a panic.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}
