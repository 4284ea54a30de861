package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shrek82/tooldb/core"
	"github.com/shrek82/tooldb/dialect"
	"github.com/shrek82/tooldb/logger"
	"github.com/shrek82/tooldb/model"
	"github.com/shrek82/tooldb/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statement() *core.Statement {
	return &core.Statement{
		Model: "Forum",
		Kind:  query.Select,
		Key:   "Forum:abc",
		SQL:   "SELECT `id` FROM `forums` WHERE `id` = ?",
		Args:  []any{1},
	}
}

func ok(context.Context, *core.Statement) (*core.Result, error) {
	return &core.Result{Rows: query.Rows{{"id": int64(1)}}}, nil
}

func fail(err error) core.ExecFunc {
	return func(context.Context, *core.Statement) (*core.Result, error) { return nil, err }
}

func TestSlowLog(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlowLog(10*time.Millisecond, "")
	m.SetOutput(&buf)
	require.NoError(t, m.Init(nil))

	_, err := m.Process(context.Background(), statement(), ok)
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "fast statements are not logged")

	slow := func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("boom")
	}
	_, err = m.Process(context.Background(), statement(), slow)
	assert.EqualError(t, err, "boom")
	out := buf.String()
	assert.Contains(t, out, "[SLOW SQL]")
	assert.Contains(t, out, "model=Forum")
	assert.Contains(t, out, "args=[1]")
	assert.Contains(t, out, "err=boom")
	require.NoError(t, m.Shutdown())
}

func TestSlowLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slow.log")
	m := NewSlowLog(0, path)
	require.NoError(t, m.Init(nil))

	_, err := m.Process(context.Background(), statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		time.Sleep(time.Millisecond)
		return ok(ctx, st)
	})
	require.NoError(t, err)
	require.NoError(t, m.Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rows=1")
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Now()
	m := NewCircuitBreaker(2, time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := m.Process(ctx, statement(), fail(boom))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateClosed, m.State())

	_, err = m.Process(ctx, statement(), ok)
	require.NoError(t, err)
	_, _ = m.Process(ctx, statement(), fail(boom))
	assert.Equal(t, StateClosed, m.State(), "a success resets the count")

	_, _ = m.Process(ctx, statement(), fail(boom))
	assert.Equal(t, StateOpen, m.State())

	called := false
	_, err = m.Process(ctx, statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		called = true
		return ok(ctx, st)
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	_, _ = m.Process(ctx, statement(), fail(boom))
	assert.Equal(t, StateOpen, m.State(), "a failed probe reopens")

	now = now.Add(2 * time.Minute)
	_, err = m.Process(ctx, statement(), ok)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, "closed", m.State().String())
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	m := NewCircuitBreaker(1, time.Minute)
	ctx := context.Background()

	_, _ = m.Process(ctx, statement(), fail(context.Canceled))
	_, _ = m.Process(ctx, statement(), fail(core.ErrDuplicateKey))
	assert.Equal(t, StateClosed, m.State())
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	now := time.Now()
	m := NewCircuitBreaker(1, time.Second)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = m.Process(ctx, statement(), fail(errors.New("down")))
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Process(ctx, statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
			close(started)
			<-release
			return ok(ctx, st)
		})
	}()
	<-started
	_, err := m.Process(ctx, statement(), ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, m.State())
}

func jsonLogger(buf *bytes.Buffer) logger.Logger {
	l := logger.NewStdLogger()
	l.SetOutput(buf)
	l.SetFormat(logger.LogFormatJSON)
	l.SetLevel(logger.LogLevelDebug)
	return l
}

func TestTracingGeneratesTraceID(t *testing.T) {
	var buf bytes.Buffer
	m := NewTracing(jsonLogger(&buf))
	require.NoError(t, m.Init(nil))

	var seen string
	_, err := m.Process(context.Background(), statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		seen = TraceID(ctx)
		return ok(ctx, st)
	})
	require.NoError(t, err)
	_, err = uuid.Parse(seen)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, seen, entry["trace_id"])
	assert.Equal(t, "Forum", entry["model"])
	assert.Equal(t, "select", entry["kind"])
	assert.Equal(t, "DEBUG", entry["level"])
}

func TestTracingKeepsContextValues(t *testing.T) {
	var buf bytes.Buffer
	m := NewTracing(jsonLogger(&buf))
	require.NoError(t, m.Init(nil))

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = context.WithValue(ctx, RequestIDKey, "req-9")
	ctx = context.WithValue(ctx, UserIPKey, "10.0.0.1")
	_, err := m.Process(ctx, statement(), fail(errors.New("boom")))
	assert.Error(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, "req-9", entry["request_id"])
	assert.Equal(t, "10.0.0.1", entry["user_ip"])
	assert.Contains(t, entry["msg"], "failed")
}

func TestTimeout(t *testing.T) {
	m := NewTimeout(50 * time.Millisecond)

	_, err := m.Process(context.Background(), statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		dl, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), dl, 40*time.Millisecond)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	want, _ := parent.Deadline()
	_, err = m.Process(parent, statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		got, _ := ctx.Deadline()
		assert.Equal(t, want, got, "an earlier deadline wins")
		return ok(ctx, st)
	})
	require.NoError(t, err)

	_, err = NewTimeout(0).Process(context.Background(), statement(), func(ctx context.Context, st *core.Statement) (*core.Result, error) {
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		return nil, nil
	})
	require.NoError(t, err)
}

// stubConn is a core.Connection that records executed SQL.
type stubConn struct {
	mu       sync.Mutex
	prepared map[string]string
	executed []string
	err      error
}

func (c *stubConn) Prepare(_ context.Context, key, sqlText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared[key] = sqlText
	return nil
}

func (c *stubConn) IsKeyUsed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.prepared[key]
	return ok
}

func (c *stubConn) Execute(_ context.Context, key string, _ []any) (core.ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, c.prepared[key])
	return core.ExecResult{RowsAffected: 1}, c.err
}

func (c *stubConn) ExecuteFetchAll(_ context.Context, key string, _ []any) (query.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, c.prepared[key])
	return query.Rows{}, c.err
}

func (c *stubConn) EscapeString(s string) string { return strings.ReplaceAll(s, "'", "''") }
func (c *stubConn) LastInsertID() int64          { return 0 }

func TestMiddlewaresOnDB(t *testing.T) {
	d, found := dialect.Get("sqlite3")
	require.True(t, found)
	conn := &stubConn{prepared: map[string]string{}}
	var logs bytes.Buffer
	db := core.New(conn, d, jsonLogger(&logs))
	ctx := context.Background()
	_, err := db.Define(ctx, model.Definition{
		Name:   "Forum",
		Table:  "forums",
		Fields: []model.Field{{Name: "id", Column: "id", PrimaryKey: true, AutoIncrement: true}, {Name: "title", Column: "title"}},
	})
	require.NoError(t, err)

	var slow bytes.Buffer
	slowLog := NewSlowLog(-1, "")
	slowLog.SetOutput(&slow)
	breaker := NewCircuitBreaker(1, time.Hour)
	require.NoError(t, db.Use(NewTracing(nil), NewTimeout(time.Second), slowLog, breaker))

	_, err = db.Model("Forum").Delete().Where("id = ?").Execute(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, slow.String(), "DELETE FROM `forums` WHERE `id` = ?")
	assert.Contains(t, logs.String(), `"trace_id"`)

	conn.err = errors.New("gone")
	_, err = db.Model("Forum").Delete().Where("id = ?").Execute(ctx, 1)
	assert.EqualError(t, err, "gone")
	_, err = db.Model("Forum").Delete().Where("id = ?").Execute(ctx, 1)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, conn.executed, 2)

	require.NoError(t, db.Close())
}
