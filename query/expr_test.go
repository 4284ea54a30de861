package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpr(t *testing.T) {
	tests := []struct {
		src  string
		want Expr
	}{
		{"title = ?", Expr{Left: Side{Field: "title"}, Op: OpEq, Right: Side{Placeholder: true}}},
		{"? <> id", Expr{Left: Side{Placeholder: true}, Op: OpNeq, Right: Side{Field: "id"}}},
		{"p.id=l.forum_id", Expr{Left: Side{Qualifier: "p", Field: "id"}, Op: OpEq, Right: Side{Qualifier: "l", Field: "forum_id"}}},
		{"post LIKE ?", Expr{Left: Side{Field: "post"}, Op: OpLike, Right: Side{Placeholder: true}}},
		{"post not like ?", Expr{Left: Side{Field: "post"}, Op: OpNotLike, Right: Side{Placeholder: true}}},
		{"deleted IS NULL", Expr{Left: Side{Field: "deleted"}, Op: OpIs, Literal: "NULL"}},
		{"active is not true", Expr{Left: Side{Field: "active"}, Op: OpIsNot, Literal: "TRUE"}},
		{"a >= ?", Expr{Left: Side{Field: "a"}, Op: OpGte, Right: Side{Placeholder: true}}},
		{"a<=?", Expr{Left: Side{Field: "a"}, Op: OpLte, Right: Side{Placeholder: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseExpr(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *e)
		})
	}
}

func TestParseExprRejects(t *testing.T) {
	for _, src := range []string{
		"title = 1",
		"title = 'x'",
		"title",
		"title =",
		"= ?",
		"x.title = ?",
		"title IS ?",
		"title IS MAYBE",
		"title NOT = ?",
		"title = ? AND id = ?",
		"title == ?",
		"",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := ParseExpr(src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSyntax))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	e, err := ParseExpr("? = ?")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Placeholders())

	e, err = ParseExpr("a IS NOT NULL")
	require.NoError(t, err)
	assert.Equal(t, 0, e.Placeholders())
}

func TestParseTerm(t *testing.T) {
	term, err := ParseTerm("?")
	require.NoError(t, err)
	assert.Equal(t, TermPlaceholder, term.Kind)

	term, err = ParseTerm("l.title")
	require.NoError(t, err)
	assert.Equal(t, TermField, term.Kind)
	assert.Equal(t, Side{Qualifier: "l", Field: "title"}, term.Side)

	term, err = ParseTerm("2")
	require.NoError(t, err)
	assert.Equal(t, TermOrdinal, term.Kind)
	assert.Equal(t, 2, term.Ordinal)

	term, err = ParseTerm("score > ?")
	require.NoError(t, err)
	assert.Equal(t, TermExpr, term.Kind)

	_, err = ParseTerm("0")
	assert.Error(t, err)
	_, err = ParseTerm("NULL")
	assert.Error(t, err)
}

func TestParseBoolOp(t *testing.T) {
	for in, want := range map[string]string{
		"AND":     "AND",
		"or":      "OR",
		"xor not": "XOR NOT",
		"AndNot":  "AND NOT",
		" and ":   "AND",
	} {
		got, err := ParseBoolOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "NAND", "AND  NOT", "OR ELSE", "ORACLE"} {
		_, err := ParseBoolOp(in)
		assert.Error(t, err, in)
	}
}

func TestNormalizeDirection(t *testing.T) {
	assert.Equal(t, Asc, NormalizeDirection("asc"))
	assert.Equal(t, Asc, NormalizeDirection(" ASC "))
	assert.Equal(t, Desc, NormalizeDirection("descending"))
	assert.Equal(t, Desc, NormalizeDirection(""))
}
