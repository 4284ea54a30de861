package dialect

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3driver "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGet(t *testing.T, name string) Dialect {
	d, ok := Get(name)
	require.True(t, ok, name)
	return d
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{"mysql", "sqlite3", "postgres"} {
		assert.Equal(t, name, mustGet(t, name).Name())
	}
	_, ok := Get("oracle")
	assert.False(t, ok)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "`forums`", mustGet(t, "mysql").Quote("forums"))
	assert.Equal(t, "`a``b`", mustGet(t, "sqlite3").Quote("a`b"))
	assert.Equal(t, `"forums"`, mustGet(t, "postgres").Quote("forums"))
}

func TestLimit(t *testing.T) {
	my := mustGet(t, "mysql")
	assert.Equal(t, "LIMIT 15", my.Limit(15, -1))
	assert.Equal(t, "LIMIT 3,15", my.Limit(15, 3))
	assert.Equal(t, "LIMIT 0,15", my.Limit(15, 0))

	pg := mustGet(t, "postgres")
	assert.Equal(t, "LIMIT 15", pg.Limit(15, -1))
	assert.Equal(t, "LIMIT 15 OFFSET 3", pg.Limit(15, 3))
}

func TestRebind(t *testing.T) {
	pg := mustGet(t, "postgres")
	assert.Equal(t, `SELECT "a" FROM "t" WHERE "a" = $1 AND "b" IN ($2, $3)`,
		Rebind(pg, `SELECT "a" FROM "t" WHERE "a" = ? AND "b" IN (?, ?)`))
	assert.Equal(t, `SELECT '?' FROM "t?" WHERE x = $1`, Rebind(pg, `SELECT '?' FROM "t?" WHERE x = ?`))

	my := mustGet(t, "mysql")
	assert.Equal(t, "a = ?", Rebind(my, "a = ?"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		dialect string
		err     error
		want    ErrorClass
	}{
		{"mysql", &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}, ClassDuplicateKey},
		{"mysql", fmt.Errorf("wrapped: %w", &mysqldriver.MySQLError{Number: 1452}), ClassForeignKey},
		{"mysql", &mysqldriver.MySQLError{Number: 1064}, ClassUnknown},
		{"postgres", &pq.Error{Code: "23505"}, ClassDuplicateKey},
		{"postgres", &pq.Error{Code: "23503"}, ClassForeignKey},
		{"postgres", &pq.Error{Code: "42601"}, ClassUnknown},
		{"sqlite3", sqlite3driver.Error{Code: sqlite3driver.ErrConstraint, ExtendedCode: sqlite3driver.ErrConstraintUnique}, ClassDuplicateKey},
		{"sqlite3", sqlite3driver.Error{Code: sqlite3driver.ErrConstraint, ExtendedCode: sqlite3driver.ErrConstraintPrimaryKey}, ClassDuplicateKey},
		{"sqlite3", sqlite3driver.Error{Code: sqlite3driver.ErrConstraint, ExtendedCode: sqlite3driver.ErrConstraintForeignKey}, ClassForeignKey},
		{"sqlite3", errors.New("plain"), ClassUnknown},
		{"mysql", &pq.Error{Code: "23505"}, ClassUnknown},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.dialect, i), func(t *testing.T) {
			assert.Equal(t, tt.want, mustGet(t, tt.dialect).Classify(tt.err))
		})
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `it\'s \"x\"\\n\n`, mustGet(t, "mysql").Escape("it's \"x\"\\n\n"))
	assert.Equal(t, `it''s`, mustGet(t, "sqlite3").Escape("it's"))
	assert.Equal(t, `a''''b`, mustGet(t, "postgres").Escape("a''b"))
}

func TestClassifyAny(t *testing.T) {
	assert.Equal(t, ClassDuplicateKey, ClassifyAny(&pq.Error{Code: "23505"}))
	assert.Equal(t, ClassForeignKey, ClassifyAny(&mysqldriver.MySQLError{Number: 1451}))
	assert.Equal(t, ClassUnknown, ClassifyAny(errors.New("boom")))
	assert.Equal(t, ClassUnknown, ClassifyAny(nil))
}
