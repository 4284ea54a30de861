package core

import (
	"context"
	"fmt"

	"github.com/shrek82/tooldb/model"
	"github.com/shrek82/tooldb/query"
)

// ModelQuery is the chainable query builder bound to one model. Clauses are
// only recorded when chained; they are validated and turned into SQL by
// Compile. After Compile the query is frozen. A ModelQuery must not be used
// from more than one goroutine.
type ModelQuery struct {
	db    *DB
	ctx   context.Context
	model *model.Model
	err   error

	kind   query.Kind
	fields []string
	rows   [][]any
	sets   []setClause
	wheres []whereClause
	groups []termClause
	orders []termClause
	join   *joinClause
	limit  *limitClause
	params []any
	wrap   func(query.Rows) (any, error)

	plan        *plan
	sql         string
	cacheable   bool
	generations int
}

func newModelQuery(db *DB, name string) *ModelQuery {
	q := &ModelQuery{db: db, ctx: context.Background()}
	m, ok := db.registry.Open(q.ctx, name)
	if !ok {
		q.err = &QueryError{Op: "model", Expr: name, Err: ErrModelNotFound}
		return q
	}
	q.model = m
	return q
}

// mutable reports whether a clause may still be added, recording a sticky
// error when the query is already compiled.
func (q *ModelQuery) mutable(op string) bool {
	if q.err != nil {
		return false
	}
	if q.plan != nil {
		q.err = q.fail(op, "", ErrIllegalState, errCompiled)
		return false
	}
	return true
}

func (q *ModelQuery) setKind(op string, kind query.Kind, fields []string) *ModelQuery {
	if !q.mutable(op) {
		return q
	}
	if q.kind != query.KindNone {
		q.err = q.fail(op, "", ErrIllegalState, fmt.Errorf("query kind already set to %s", q.kind))
		return q
	}
	q.kind = kind
	q.fields = append(q.fields, fields...)
	return q
}

// WithContext sets the context used by Compile.
func (q *ModelQuery) WithContext(ctx context.Context) *ModelQuery {
	q.ctx = ctx
	return q
}

// Select makes this a SELECT of the given fields, or of every column field when none are given.
func (q *ModelQuery) Select(fields ...string) *ModelQuery {
	return q.setKind("select", query.Select, fields)
}

// Insert makes this an INSERT into the given fields. Without fields every
// column that is not auto-increment is used.
func (q *ModelQuery) Insert(fields ...string) *ModelQuery {
	return q.setKind("insert", query.Insert, fields)
}

func (q *ModelQuery) Update() *ModelQuery {
	return q.setKind("update", query.Update, nil)
}

func (q *ModelQuery) Delete() *ModelQuery {
	return q.setKind("delete", query.Delete, nil)
}

// Values adds one row of inline values to an INSERT.
func (q *ModelQuery) Values(values ...any) *ModelQuery {
	if q.mutable("values") {
		q.rows = append(q.rows, values)
	}
	return q
}

// Set adds `field = ?` to an UPDATE with an inline value.
func (q *ModelQuery) Set(field string, value any) *ModelQuery {
	if q.mutable("set") {
		q.sets = append(q.sets, setClause{field: field, value: value})
	}
	return q
}

// SetPlaceholder adds `field = ?` to an UPDATE, bound at execute time.
func (q *ModelQuery) SetPlaceholder(field string) *ModelQuery {
	if q.mutable("set") {
		q.sets = append(q.sets, setClause{field: field, deferred: true})
	}
	return q
}

func boolOpOf(op []string) string {
	if len(op) > 0 {
		return op[0]
	}
	return "AND"
}

// Where adds a `<side> <op> <side>` condition joined by boolOp (AND when omitted).
func (q *ModelQuery) Where(expr string, boolOp ...string) *ModelQuery {
	if q.mutable("where") {
		q.wheres = append(q.wheres, whereClause{expr: expr, boolOp: boolOpOf(boolOp)})
	}
	return q
}

// WhereIn adds `field IN (...)`. valuesOrCount is either a slice of values
// bound inline or a number of placeholders bound at execute time.
func (q *ModelQuery) WhereIn(field string, valuesOrCount any, boolOp ...string) *ModelQuery {
	if q.mutable("whereIn") {
		q.wheres = append(q.wheres, whereClause{in: true, field: field, values: valuesOrCount, boolOp: boolOpOf(boolOp)})
	}
	return q
}

// LeftJoin joins another model, aliased l while this one becomes p. With no
// fields the single foreign key between the two models is used; otherwise
// fields must be the local and the foreign field.
func (q *ModelQuery) LeftJoin(modelName string, fields ...string) *ModelQuery {
	if !q.mutable("leftJoin") {
		return q
	}
	if q.join != nil {
		q.err = q.fail("leftJoin", modelName, ErrInvalidJoin, fmt.Errorf("already joined to %s", q.join.model))
		return q
	}
	q.join = &joinClause{model: modelName, fields: fields}
	return q
}

func termOf(expr string, dir []string) termClause {
	t := termClause{expr: expr}
	if len(dir) > 0 {
		t.dir, t.set = dir[0], true
	}
	return t
}

// OrderBy adds an ORDER BY term. Any direction other than ASC means DESC.
func (q *ModelQuery) OrderBy(expr string, dir ...string) *ModelQuery {
	if q.mutable("orderBy") {
		q.orders = append(q.orders, termOf(expr, dir))
	}
	return q
}

// GroupBy adds a GROUP BY term. The direction is only rendered when given.
func (q *ModelQuery) GroupBy(expr string, dir ...string) *ModelQuery {
	if q.mutable("groupBy") {
		q.groups = append(q.groups, termOf(expr, dir))
	}
	return q
}

// Limit sets LIMIT. The offset is dropped for UPDATE and DELETE.
func (q *ModelQuery) Limit(length int, offset ...int) *ModelQuery {
	if !q.mutable("limit") {
		return q
	}
	l := &limitClause{length: length, offset: -1}
	if len(offset) > 0 {
		l.offset = offset[0]
	}
	q.limit = l
	return q
}

// PushExecParam queues a value for the next unresolved placeholder.
func (q *ModelQuery) PushExecParam(v any) *ModelQuery {
	q.params = append(q.params, v)
	return q
}

func (q *ModelQuery) PushExecParams(vs ...any) *ModelQuery {
	q.params = append(q.params, vs...)
	return q
}

// Wrap sets a callback applied to the rows of every execution. Its output
// is returned in Result.Data.
func (q *ModelQuery) Wrap(fn func(query.Rows) (any, error)) *ModelQuery {
	q.wrap = fn
	return q
}

// Err returns the sticky error, if any.
func (q *ModelQuery) Err() error { return q.err }

// Model returns the target model, nil when it was not found.
func (q *ModelQuery) Model() *model.Model { return q.model }

// Kind returns the statement kind.
func (q *ModelQuery) Kind() query.Kind { return q.kind }

// Table returns the table of the target model.
func (q *ModelQuery) Table() string {
	if q.model == nil {
		return ""
	}
	return q.model.Table
}

// Fingerprint returns the shape hash. It is empty before Compile.
func (q *ModelQuery) Fingerprint() string {
	if q.plan == nil {
		return ""
	}
	return q.plan.fingerprint
}

// Cacheable reports whether results may go to the result cache: selects without a join.
func (q *ModelQuery) Cacheable() bool { return q.cacheable }

// Compile validates the query and returns its SQL. The SQL is generated at
// most once per query and, when the registry has a model cache, at most
// once per fingerprint across queries.
func (q *ModelQuery) Compile() (string, error) {
	if q.err != nil {
		return "", q.err
	}
	if q.plan != nil {
		return q.sql, nil
	}
	p, err := q.resolve(q.ctx)
	if err != nil {
		q.err = err
		return "", err
	}

	var entry compiledSQL
	if q.db.registry.CacheFetch(q.ctx, q.model, p.fingerprint, &entry) && entry.SQL != "" {
		q.sql, q.cacheable = entry.SQL, entry.Cacheable
	} else {
		q.sql = render(q.db.dialect, p)
		q.cacheable = p.kind == query.Select && p.join == nil
		q.generations++
		q.db.registry.CachePush(q.ctx, q.model, p.fingerprint, compiledSQL{SQL: q.sql, Cacheable: q.cacheable})
	}
	q.model.Seal()
	q.plan = p
	return q.sql, nil
}

// Args compiles the query and returns the positional arguments it would be
// executed with.
func (q *ModelQuery) Args(extra ...any) ([]any, error) {
	if _, err := q.Compile(); err != nil {
		return nil, err
	}
	return q.bind(extra)
}

// bind fills the deferred slots with pushed params, then extra args. Unlike
// structural errors, a count mismatch is not sticky.
func (q *ModelQuery) bind(extra []any) ([]any, error) {
	values := make([]any, 0, len(q.params)+len(extra))
	values = append(values, q.params...)
	values = append(values, extra...)

	if want := q.plan.deferredCount(); want != len(values) {
		return nil, q.fail("execute", "", ErrArgumentCount, fmt.Errorf("%d placeholders, %d values", want, len(values)))
	}
	args := make([]any, 0, len(q.plan.slots))
	next := 0
	for _, s := range q.plan.slots {
		if s.deferred {
			args = append(args, values[next])
			next++
			continue
		}
		args = append(args, s.value)
	}
	return args, nil
}

func (q *ModelQuery) statementKey() string {
	return q.model.Name + ":" + q.plan.fingerprint
}

// Execute compiles the query if needed, binds the arguments and runs it.
// Selects are answered from the result cache when possible; mutations
// invalidate the cached selects of the table.
func (q *ModelQuery) Execute(ctx context.Context, args ...any) (*Result, error) {
	q.ctx = ctx
	if _, err := q.Compile(); err != nil {
		return nil, err
	}
	bound, err := q.bind(args)
	if err != nil {
		return nil, err
	}

	db := q.db
	useCache := q.kind == query.Select && !db.inTx()
	cache := db.ResultCache(q.model.Name)
	var gen uint64
	if useCache {
		if rows, ok := cache.FetchResults(ctx, q, bound); ok {
			return q.finish(&Result{Rows: rows, FromCache: true})
		}
		gen = cache.Generation(q.Table())
	}

	st := &Statement{Model: q.model.Name, Kind: q.kind, Key: q.statementKey(), SQL: q.sql, Args: bound}
	res, err := db.run(ctx, st)
	if err != nil {
		db.logger.Error("%s: %v", q.sql, err)
		return nil, err
	}

	switch {
	case useCache:
		cache.ProcessQuerySince(ctx, gen, q, bound, res.Rows)
	case q.kind.IsMutation():
		db.invalidate(ctx, q)
	}
	return q.finish(res)
}

func (q *ModelQuery) finish(res *Result) (*Result, error) {
	if q.wrap == nil {
		return res, nil
	}
	data, err := q.wrap(res.Rows)
	if err != nil {
		return nil, err
	}
	res.Data = data
	return res, nil
}

// Fetch executes the query and returns its rows.
func (q *ModelQuery) Fetch(ctx context.Context, args ...any) (query.Rows, error) {
	res, err := q.Execute(ctx, args...)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// Records executes the query and hydrates its rows into records of the model.
func (q *ModelQuery) Records(ctx context.Context, args ...any) ([]*Record, error) {
	rows, err := q.Fetch(ctx, args...)
	if err != nil {
		return nil, err
	}
	return q.db.hydrate(q.model, rows)
}
