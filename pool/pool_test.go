package pool

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsApply(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	p := NewStdPool(db)
	defer p.Close()

	Settings{MaxOpenConns: 3, MaxIdleConns: 1, ConnMaxLifetime: time.Minute}.Apply(p)
	assert.Equal(t, 3, p.Stats().MaxOpenConnections)

	Settings{}.Apply(p)
	assert.Equal(t, 3, p.Stats().MaxOpenConnections, "zero values keep the current setting")

	require.NoError(t, p.PingContext(context.Background()))
	tx, err := p.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
}
