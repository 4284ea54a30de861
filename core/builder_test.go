package core

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/shrek82/tooldb/dialect"
	"github.com/shrek82/tooldb/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectFields(t *testing.T) {
	db, _ := newFakeDB(t)

	sql, err := db.Model("Forum").Select("id", "title").Compile()
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `title` FROM `forums`", sql)

	sql, err = db.Model("Forum").Select("id", "title").Limit(15, 3).Compile()
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `title` FROM `forums` LIMIT 3,15", sql)
}

func TestInsertMultiRow(t *testing.T) {
	db, _ := newFakeDB(t)

	q := db.Model("Thread").Insert("thread_id").Values(1).Values(5).Values(16)
	sql, err := q.Compile()
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `threads` (`thread_id`) VALUES (?) (?) (?)", sql)

	args, err := q.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{1, 5, 16}, args)
}

func TestWhereInThenLike(t *testing.T) {
	db, _ := newFakeDB(t)

	q := db.Model("Thread").Select("thread_id").WhereIn("thread_id", []int{1, 2}).Where("post LIKE ?")
	sql, err := q.Compile()
	require.NoError(t, err)
	assert.Equal(t, "SELECT `thread_id` FROM `threads` WHERE `thread_id` IN (?, ?) AND `posted_text` LIKE ?", sql)

	args, err := q.Args("%")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, "%"}, args)
}

func TestRenderGolden(t *testing.T) {
	db, _ := newFakeDB(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	tests := []struct {
		name  string
		build func() *ModelQuery
	}{
		{"select_all", func() *ModelQuery {
			return db.Model("Thread").Select()
		}},
		{"select_join", func() *ModelQuery {
			return db.Model("Thread").Select("thread_id", "l.title").LeftJoin("Forum").
				Where("l.title = ?").OrderBy("thread_id", "desc")
		}},
		{"select_join_explicit", func() *ModelQuery {
			return db.Model("Forum").Select("title").LeftJoin("Thread", "id", "forum_id").
				Where("l.post IS NOT NULL")
		}},
		{"select_group", func() *ModelQuery {
			return db.Model("Thread").Select("forum_id").GroupBy("forum_id").GroupBy("1", "desc").OrderBy("1")
		}},
		{"select_not_first", func() *ModelQuery {
			return db.Model("Thread").Select("thread_id").Where("post IS NULL", "and not")
		}},
		{"select_empty_in", func() *ModelQuery {
			return db.Model("Thread").Select("thread_id").WhereIn("thread_id", []int{}).Where("views > ?", "OR")
		}},
		{"select_column_names", func() *ModelQuery {
			return db.Model("Thread").Select("posted_text").Where("created_at < ?").OrderBy("views >= ?")
		}},
		{"insert_defaults", func() *ModelQuery {
			return db.Model("Thread").Insert().Values(1, "hello", "2024-01-02 03:04:05", 0)
		}},
		{"update", func() *ModelQuery {
			return db.Model("Thread").Update().Set("post", "x").SetPlaceholder("views").
				Where("thread_id = ?").OrderBy("created").Limit(1, 5)
		}},
		{"delete", func() *ModelQuery {
			return db.Model("Thread").Delete().Where("forum_id = ?").Where("views > ?", "OR NOT")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := tt.build().Compile()
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(sql+"\n"))
		})
	}
}

func TestPostgresRebind(t *testing.T) {
	d, ok := dialect.Get("postgres")
	require.True(t, ok)
	db := New(newFakeConn(), d, quietLogger())
	defineAll(t, db)

	sql, err := db.Model("Forum").Select("id").Where("title = ?").WhereIn("id", 2).Limit(10, 20).Compile()
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "forums" WHERE "title" = $1 AND "id" IN ($2, $3) LIMIT 10 OFFSET 20`, sql)
}

func TestArgumentOrder(t *testing.T) {
	db, _ := newFakeDB(t)

	q := db.Model("Thread").Update().Set("post", "x").SetPlaceholder("views").
		Where("thread_id = ?").WhereIn("forum_id", []int{7, 8}).Where("created < ?")
	q.PushExecParam(40)
	args, err := q.Args(5, "2024-01-01 00:00:00")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", 40, 5, 7, 8, "2024-01-01 00:00:00"}, args)

	_, err = q.Args(5)
	assert.ErrorIs(t, err, ErrArgumentCount)
	// a count mismatch leaves the query usable
	assert.NoError(t, q.Err())
	_, err = q.Args(5, "x")
	assert.NoError(t, err)
}

func TestCompileErrors(t *testing.T) {
	db, _ := newFakeDB(t)

	tests := []struct {
		name  string
		build func() *ModelQuery
		want  error
	}{
		{"unknown model", func() *ModelQuery { return db.Model("Nope").Select() }, ErrModelNotFound},
		{"no kind", func() *ModelQuery { return db.Model("Forum") }, ErrIllegalState},
		{"kind twice", func() *ModelQuery { return db.Model("Forum").Select().Delete() }, ErrIllegalState},
		{"literal operand", func() *ModelQuery { return db.Model("Forum").Select().Where("title = 1") }, ErrInvalidExpression},
		{"unknown field", func() *ModelQuery { return db.Model("Forum").Select("nope") }, ErrUnknownField},
		{"unknown where field", func() *ModelQuery { return db.Model("Forum").Select().Where("nope = ?") }, ErrUnknownField},
		{"joined qualifier without join", func() *ModelQuery { return db.Model("Forum").Select().Where("l.id = ?") }, ErrInvalidExpression},
		{"bad bool op", func() *ModelQuery { return db.Model("Forum").Select().Where("id = ?", "NAND") }, ErrInvalidExpression},
		{"values on select", func() *ModelQuery { return db.Model("Forum").Select().Values(1) }, ErrIllegalState},
		{"set on delete", func() *ModelQuery { return db.Model("Forum").Delete().Set("title", "x") }, ErrIllegalState},
		{"insert without values", func() *ModelQuery { return db.Model("Forum").Insert("title") }, ErrIllegalState},
		{"insert with where", func() *ModelQuery {
			return db.Model("Forum").Insert("title").Values("x").Where("id = ?")
		}, ErrIllegalState},
		{"row width", func() *ModelQuery { return db.Model("Forum").Insert("title").Values("x", "y") }, ErrInvalidExpression},
		{"update without set", func() *ModelQuery { return db.Model("Forum").Update().Where("id = ?") }, ErrIllegalState},
		{"group on update", func() *ModelQuery { return db.Model("Forum").Update().Set("title", "x").GroupBy("id") }, ErrIllegalState},
		{"join on delete", func() *ModelQuery { return db.Model("Thread").Delete().LeftJoin("Forum") }, ErrInvalidJoin},
		{"join twice", func() *ModelQuery { return db.Model("Thread").Select().LeftJoin("Forum").LeftJoin("Forum") }, ErrInvalidJoin},
		{"join unknown model", func() *ModelQuery { return db.Model("Thread").Select().LeftJoin("Nope") }, ErrModelNotFound},
		{"join without path", func() *ModelQuery { return db.Model("Forum").Select().LeftJoin("Tag") }, ErrInvalidJoin},
		{"ordinal out of range", func() *ModelQuery { return db.Model("Forum").Select("id").OrderBy("2") }, ErrInvalidExpression},
		{"byte slice in", func() *ModelQuery { return db.Model("Forum").Select().WhereIn("id", []byte("ab")) }, ErrInvalidExpression},
		{"negative in count", func() *ModelQuery { return db.Model("Forum").Select().WhereIn("id", -1) }, ErrInvalidExpression},
		{"negative limit", func() *ModelQuery { return db.Model("Forum").Select().Limit(-1) }, ErrInvalidExpression},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.build()
			_, err := q.Compile()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var qe *QueryError
			assert.ErrorAs(t, err, &qe)

			// errors are sticky
			_, again := q.Compile()
			assert.Equal(t, err, again)
		})
	}
}

func TestCompiledQueryIsFrozen(t *testing.T) {
	db, _ := newFakeDB(t)

	q := db.Model("Forum").Select("id")
	first, err := q.Compile()
	require.NoError(t, err)
	second, err := q.Compile()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, q.generations)

	q.Where("id = ?")
	assert.ErrorIs(t, q.Err(), ErrIllegalState)
	_, err = q.Compile()
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestFingerprint(t *testing.T) {
	db, _ := newFakeDB(t)
	fp := func(q *ModelQuery) string {
		_, err := q.Compile()
		require.NoError(t, err)
		return q.Fingerprint()
	}

	assert.Empty(t, db.Model("Forum").Select().Fingerprint())

	a := fp(db.Model("Forum").Select("id").Where("title = ?").OrderBy("id").Limit(5))
	b := fp(db.Model("Forum").Limit(5).OrderBy("id").Where("title   =   ?").Select("id"))
	assert.Equal(t, a, b, "call order and whitespace do not matter")

	c := fp(db.Model("Forum").Select("id").Where("title = ?").OrderBy("id").Limit(6))
	assert.NotEqual(t, a, c)

	d := fp(db.Model("Forum").Select("id").Where("title = ?", "OR").OrderBy("id").Limit(5))
	assert.NotEqual(t, a, d)

	inline := fp(db.Model("Forum").Select("id").WhereIn("id", []int{1, 2}))
	other := fp(db.Model("Forum").Select("id").WhereIn("id", []int{3, 4}))
	assert.Equal(t, inline, other, "values are not part of the shape")
	wider := fp(db.Model("Forum").Select("id").WhereIn("id", []int{1, 2, 3}))
	assert.NotEqual(t, inline, wider)

	pg, ok := dialect.Get("postgres")
	require.True(t, ok)
	pgdb := New(newFakeConn(), pg, quietLogger())
	defineAll(t, pgdb)
	assert.NotEqual(t, a, fp(pgdb.Model("Forum").Select("id").Where("title = ?").OrderBy("id").Limit(5)))
}

func TestCompiledSQLIsShared(t *testing.T) {
	db, _ := newFakeDB(t)
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	db.SetModelCache(store)

	first := db.Model("Forum").Select("id").Where("title = ?")
	sql, err := first.Compile()
	require.NoError(t, err)
	assert.Equal(t, 1, first.generations)

	second := db.Model("Forum").Where("title = ?").Select("id")
	again, err := second.Compile()
	require.NoError(t, err)
	assert.Equal(t, sql, again)
	assert.Equal(t, 0, second.generations)
	assert.True(t, second.Cacheable())
}

func TestCompileSealsModel(t *testing.T) {
	db, _ := newFakeDB(t)
	ctx := t.Context()

	require.NoError(t, db.Extend(ctx, "Tag", forumDef().Relationships[0]))
	_, err := db.Model("Tag").Select().Compile()
	require.NoError(t, err)

	err = db.Extend(ctx, "Tag", forumDef().Relationships[1])
	assert.ErrorIs(t, err, ErrIllegalState)
}
