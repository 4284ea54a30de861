package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shrek82/tooldb/dialect"
	"github.com/shrek82/tooldb/kv"
	"github.com/shrek82/tooldb/logger"
	"github.com/shrek82/tooldb/model"
	"github.com/shrek82/tooldb/query"
	"github.com/stretchr/testify/require"
)

type fakeCall struct {
	key  string
	sql  string
	args []any
}

// fakeConn answers every select with rows and every mutation with affected.
type fakeConn struct {
	mu       sync.Mutex
	prepared map[string]string
	calls    []fakeCall
	rows     query.Rows
	affected int64
	lastID   int64
	err      error
}

func newFakeConn() *fakeConn {
	return &fakeConn{prepared: map[string]string{}, affected: 1}
}

func (c *fakeConn) Prepare(_ context.Context, key, sqlText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared[key] = sqlText
	return nil
}

func (c *fakeConn) IsKeyUsed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.prepared[key]
	return ok
}

func (c *fakeConn) record(key string, params []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sqlText, ok := c.prepared[key]
	if !ok {
		return errors.New("statement not prepared: " + key)
	}
	c.calls = append(c.calls, fakeCall{key: key, sql: sqlText, args: params})
	return c.err
}

func (c *fakeConn) Execute(_ context.Context, key string, params []any) (ExecResult, error) {
	if err := c.record(key, params); err != nil {
		return ExecResult{}, err
	}
	return ExecResult{RowsAffected: c.affected, LastInsertID: c.lastID}, nil
}

func (c *fakeConn) ExecuteFetchAll(_ context.Context, key string, params []any) (query.Rows, error) {
	if err := c.record(key, params); err != nil {
		return nil, err
	}
	out := make(query.Rows, len(c.rows))
	for i, r := range c.rows {
		row := query.Row{}
		for k, v := range r {
			row[k] = v
		}
		out[i] = row
	}
	return out, nil
}

func (c *fakeConn) EscapeString(s string) string { return strings.ReplaceAll(s, "'", "''") }

func (c *fakeConn) LastInsertID() int64 { return c.lastID }

func (c *fakeConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeConn) lastCall() fakeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

func quietLogger() logger.Logger {
	l := logger.NewStdLogger()
	l.SetOutput(io.Discard)
	l.SetLevel(logger.LogLevelSilent)
	return l
}

func forumDef() model.Definition {
	return model.Definition{
		Name:  "Forum",
		Table: "forums",
		Fields: []model.Field{
			{Name: "id", Column: "id", PrimaryKey: true, AutoIncrement: true},
			{Name: "title", Column: "title"},
			{Name: "meta", Column: "meta_json", Type: model.Serialized},
		},
		Relationships: []model.Relationship{
			{Name: "threads", Type: model.RelationMany, ForeignModel: "Thread"},
			{Name: "tags", Type: model.RelationBridge, ForeignModel: "Tag", BridgeModel: "ForumTag"},
		},
	}
}

func threadDef() model.Definition {
	return model.Definition{
		Name:  "Thread",
		Table: "threads",
		Fields: []model.Field{
			{Name: "thread_id", Column: "thread_id", PrimaryKey: true, AutoIncrement: true},
			{Name: "forum_id", Column: "forum_id", ForeignKey: "Forum"},
			{Name: "post", Column: "posted_text"},
			{Name: "created", Column: "created_at", Type: model.Datetime},
			{Name: "views", Column: "views", Default: 0},
		},
		Relationships: []model.Relationship{
			{Name: "forum", Type: model.RelationOne, ForeignModel: "Forum"},
		},
	}
}

func tagDef() model.Definition {
	return model.Definition{
		Name:  "Tag",
		Table: "tags",
		Fields: []model.Field{
			{Name: "id", Column: "id", PrimaryKey: true, AutoIncrement: true},
			{Name: "label", Column: "label"},
		},
	}
}

func forumTagDef() model.Definition {
	return model.Definition{
		Name:  "ForumTag",
		Table: "forum_tags",
		Fields: []model.Field{
			{Name: "forum_id", Column: "forum_id", PrimaryKey: true, ForeignKey: "Forum"},
			{Name: "tag_id", Column: "tag_id", PrimaryKey: true, ForeignKey: "Tag"},
		},
	}
}

func defineAll(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	for _, def := range []model.Definition{forumDef(), threadDef(), tagDef(), forumTagDef()} {
		_, err := db.Define(ctx, def)
		require.NoError(t, err)
	}
}

// newFakeDB returns a mysql-flavored DB over a fake connection with an
// in-memory result cache.
func newFakeDB(t *testing.T) (*DB, *fakeConn) {
	t.Helper()
	d, ok := dialect.Get("mysql")
	require.True(t, ok)
	conn := newFakeConn()
	db := New(conn, d, quietLogger())
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	db.SetResultCache(store, time.Minute)
	defineAll(t, db)
	return db, conn
}
