package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/shrek82/tooldb/dialect"
	"github.com/shrek82/tooldb/model"
	"github.com/shrek82/tooldb/query"
)

// Accumulated clauses. Nothing here is validated until compile.

type whereClause struct {
	expr   string
	boolOp string
	in     bool
	field  string
	values any // slice of inline values or a placeholder count
}

type termClause struct {
	expr string
	dir  string
	set  bool // direction given by the caller
}

type setClause struct {
	field    string
	value    any
	deferred bool
}

type joinClause struct {
	model  string
	fields []string
}

type limitClause struct {
	length int
	offset int // -1 when absent
}

// Resolved clauses, produced by resolve.

type column struct {
	qual string // "", "p" or "l"
	name string
}

func (c column) shape() string {
	if c.qual == "" {
		return c.name
	}
	return c.qual + "." + c.name
}

type operand struct {
	placeholder bool
	col         column
}

func (o operand) shape() string {
	if o.placeholder {
		return "?"
	}
	return o.col.shape()
}

type condition struct {
	left    operand
	op      query.Operator
	right   operand
	literal string
}

func (c *condition) shape() string {
	rhs := c.literal
	if rhs == "" {
		rhs = c.right.shape()
	}
	return c.left.shape() + " " + string(c.op) + " " + rhs
}

type resolvedWhere struct {
	boolOp   string
	cond     *condition
	in       column
	isIn     bool
	inValues []any
	inCount  int
	inline   bool
}

type resolvedTerm struct {
	kind     query.TermKind
	col      column
	ordinal  int
	cond     *condition
	dir      query.Direction
	explicit bool
}

func (t resolvedTerm) shape() string {
	var s string
	switch t.kind {
	case query.TermPlaceholder:
		s = "?"
	case query.TermField:
		s = t.col.shape()
	case query.TermOrdinal:
		s = "#" + strconv.Itoa(t.ordinal)
	case query.TermExpr:
		s = t.cond.shape()
	}
	if t.explicit {
		s += " " + string(t.dir)
	}
	return s
}

type resolvedSet struct {
	col      column
	value    any
	deferred bool
}

type resolvedJoin struct {
	model   string
	table   string
	local   column
	foreign column
}

type slot struct {
	value    any
	deferred bool
}

// plan is the validated form of a ModelQuery.
type plan struct {
	kind        query.Kind
	table       string
	join        *resolvedJoin
	columns     []column
	rows        [][]any
	sets        []resolvedSet
	wheres      []resolvedWhere
	groups      []resolvedTerm
	orders      []resolvedTerm
	limit       *limitClause
	fingerprint string
	slots       []slot
}

func (p *plan) deferredCount() int {
	n := 0
	for _, s := range p.slots {
		if s.deferred {
			n++
		}
	}
	return n
}

// compiledSQL is what the model sub-cache memoizes per fingerprint.
type compiledSQL struct {
	SQL       string `msgpack:"sql"`
	Cacheable bool   `msgpack:"cacheable"`
}

var errCompiled = errors.New("query is already compiled")

func (q *ModelQuery) fail(op, expr string, sentinel, cause error) error {
	name := ""
	if q.model != nil {
		name = q.model.Name
	}
	return &QueryError{Op: op, Model: name, Expr: expr, Err: sentinel, Cause: cause}
}

func lookupField(m *model.Model, name string) *model.Field {
	if f, ok := m.FieldMap[name]; ok && f.IsColumn() {
		return f
	}
	if f, ok := m.ColumnMap[name]; ok {
		return f
	}
	return nil
}

type resolver struct {
	q      *ModelQuery
	joined *model.Model
}

func (r *resolver) field(op, expr string, side query.Side) (column, error) {
	m := r.q.model
	if side.Qualifier == query.QualifierJoined {
		if r.joined == nil {
			return column{}, r.q.fail(op, expr, ErrInvalidExpression, fmt.Errorf("%s used without a join", side))
		}
		m = r.joined
	}
	f := lookupField(m, side.Field)
	if f == nil {
		return column{}, r.q.fail(op, expr, ErrUnknownField, fmt.Errorf("%s has no field %q", m.Name, side.Field))
	}
	c := column{name: f.Column}
	if r.joined != nil {
		c.qual = query.QualifierPrimary
		if side.Qualifier == query.QualifierJoined {
			c.qual = query.QualifierJoined
		}
	}
	return c, nil
}

func (r *resolver) operand(op, expr string, side query.Side) (operand, error) {
	if side.Placeholder {
		return operand{placeholder: true}, nil
	}
	c, err := r.field(op, expr, side)
	return operand{col: c}, err
}

func (r *resolver) condition(op, expr string, e *query.Expr) (*condition, error) {
	left, err := r.operand(op, expr, e.Left)
	if err != nil {
		return nil, err
	}
	c := &condition{left: left, op: e.Op, literal: e.Literal}
	if e.Literal == "" {
		if c.right, err = r.operand(op, expr, e.Right); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (r *resolver) term(op string, t termClause, selected int) (resolvedTerm, error) {
	parsed, err := query.ParseTerm(t.expr)
	if err != nil {
		return resolvedTerm{}, r.q.fail(op, t.expr, ErrInvalidExpression, err)
	}
	out := resolvedTerm{kind: parsed.Kind, dir: query.Asc, explicit: t.set}
	if t.set {
		out.dir = query.NormalizeDirection(t.dir)
	}
	switch parsed.Kind {
	case query.TermField:
		out.col, err = r.field(op, t.expr, parsed.Side)
	case query.TermOrdinal:
		if parsed.Ordinal > selected {
			err = r.q.fail(op, t.expr, ErrInvalidExpression, fmt.Errorf("ordinal %d exceeds %d selected fields", parsed.Ordinal, selected))
		}
		out.ordinal = parsed.Ordinal
	case query.TermExpr:
		out.cond, err = r.condition(op, t.expr, parsed.Expr)
	}
	return out, err
}

// resolve validates the accumulated clauses against the model and the
// query kind and computes the fingerprint and argument slots.
func (q *ModelQuery) resolve(ctx context.Context) (*plan, error) {
	if q.kind == query.KindNone {
		return nil, q.fail("compile", "", ErrIllegalState, errors.New("query kind is not set"))
	}
	if err := q.checkClauses(); err != nil {
		return nil, err
	}

	p := &plan{kind: q.kind, table: q.model.Table}
	r := &resolver{q: q}

	if q.join != nil {
		j, joined, err := q.resolveJoin(ctx)
		if err != nil {
			return nil, err
		}
		p.join, r.joined = j, joined
	}

	if err := q.resolveFields(r, p); err != nil {
		return nil, err
	}

	for _, row := range q.rows {
		if len(row) != len(p.columns) {
			return nil, q.fail("values", "", ErrInvalidExpression, fmt.Errorf("row has %d values for %d fields", len(row), len(p.columns)))
		}
		p.rows = append(p.rows, row)
	}

	for _, s := range q.sets {
		c, err := r.field("set", s.field, query.Side{Field: s.field})
		if err != nil {
			return nil, err
		}
		p.sets = append(p.sets, resolvedSet{col: c, value: s.value, deferred: s.deferred})
	}

	for _, w := range q.wheres {
		rw, err := q.resolveWhere(r, w)
		if err != nil {
			return nil, err
		}
		p.wheres = append(p.wheres, rw)
	}

	for _, g := range q.groups {
		t, err := r.term("groupBy", g, len(p.columns))
		if err != nil {
			return nil, err
		}
		p.groups = append(p.groups, t)
	}
	for _, o := range q.orders {
		if !o.set {
			o.dir, o.set = string(query.Asc), true
		}
		t, err := r.term("orderBy", o, len(p.selected()))
		if err != nil {
			return nil, err
		}
		p.orders = append(p.orders, t)
	}

	if q.limit != nil {
		l := *q.limit
		if l.length < 0 || l.offset < -1 {
			return nil, q.fail("limit", "", ErrInvalidExpression, fmt.Errorf("limit %d offset %d", l.length, l.offset))
		}
		if q.kind != query.Select {
			l.offset = -1
		}
		p.limit = &l
	}

	p.slots = p.buildSlots()
	p.fingerprint = q.fingerprint(p)
	return p, nil
}

func (p *plan) selected() []column {
	if p.kind == query.Select {
		return p.columns
	}
	return nil
}

func (q *ModelQuery) checkClauses() error {
	switch {
	case q.join != nil && q.kind != query.Select:
		return q.fail("leftJoin", q.join.model, ErrInvalidJoin, fmt.Errorf("join on a %s query", q.kind))
	case len(q.rows) > 0 && q.kind != query.Insert:
		return q.fail("values", "", ErrIllegalState, fmt.Errorf("values on a %s query", q.kind))
	case len(q.sets) > 0 && q.kind != query.Update:
		return q.fail("set", "", ErrIllegalState, fmt.Errorf("set on a %s query", q.kind))
	case len(q.groups) > 0 && q.kind != query.Select:
		return q.fail("groupBy", "", ErrIllegalState, fmt.Errorf("group by on a %s query", q.kind))
	}
	if q.kind == query.Insert {
		switch {
		case len(q.wheres) > 0, len(q.orders) > 0, q.limit != nil:
			return q.fail("insert", "", ErrIllegalState, errors.New("insert takes no where, order or limit"))
		case len(q.rows) == 0:
			return q.fail("insert", "", ErrIllegalState, errors.New("insert without values"))
		}
	}
	if q.kind == query.Update && len(q.sets) == 0 {
		return q.fail("update", "", ErrIllegalState, errors.New("update without set"))
	}
	return nil
}

func (q *ModelQuery) resolveJoin(ctx context.Context) (*resolvedJoin, *model.Model, error) {
	j := q.join
	joined, ok := q.db.registry.Open(ctx, j.model)
	if !ok {
		return nil, nil, q.fail("leftJoin", j.model, ErrInvalidJoin, ErrModelNotFound)
	}
	var local, foreign *model.Field
	switch len(j.fields) {
	case 0:
		path, err := model.ResolveJoin(q.model, joined)
		if err != nil {
			return nil, nil, q.fail("leftJoin", j.model, ErrInvalidJoin, err)
		}
		local, foreign = path.Local, path.Foreign
	case 2:
		local, foreign = lookupField(q.model, j.fields[0]), lookupField(joined, j.fields[1])
		if local == nil || foreign == nil {
			return nil, nil, q.fail("leftJoin", strings.Join(j.fields, ", "), ErrInvalidJoin, ErrUnknownField)
		}
	default:
		return nil, nil, q.fail("leftJoin", strings.Join(j.fields, ", "), ErrInvalidJoin, errors.New("expected a local and a foreign field"))
	}
	return &resolvedJoin{
		model:   joined.Name,
		table:   joined.Table,
		local:   column{qual: query.QualifierPrimary, name: local.Column},
		foreign: column{qual: query.QualifierJoined, name: foreign.Column},
	}, joined, nil
}

func (q *ModelQuery) resolveFields(r *resolver, p *plan) error {
	switch q.kind {
	case query.Select:
		if len(q.fields) == 0 {
			for _, f := range q.model.Columns() {
				c, _ := r.field("select", f.Name, query.Side{Field: f.Name})
				p.columns = append(p.columns, c)
			}
			return nil
		}
		for _, name := range q.fields {
			t, err := query.ParseTerm(name)
			if err != nil {
				return q.fail("select", name, ErrInvalidExpression, err)
			}
			if t.Kind != query.TermField {
				return q.fail("select", name, ErrInvalidExpression, errors.New("expected a field name"))
			}
			c, err := r.field("select", name, t.Side)
			if err != nil {
				return err
			}
			p.columns = append(p.columns, c)
		}
	case query.Insert:
		if len(q.fields) == 0 {
			for _, f := range q.model.Columns() {
				if !f.AutoIncrement {
					p.columns = append(p.columns, column{name: f.Column})
				}
			}
			return nil
		}
		for _, name := range q.fields {
			f := lookupField(q.model, name)
			if f == nil {
				return q.fail("insert", name, ErrUnknownField, nil)
			}
			p.columns = append(p.columns, column{name: f.Column})
		}
	}
	return nil
}

func (q *ModelQuery) resolveWhere(r *resolver, w whereClause) (resolvedWhere, error) {
	op := "where"
	if w.in {
		op = "whereIn"
	}
	boolOp, err := query.ParseBoolOp(w.boolOp)
	if err != nil {
		return resolvedWhere{}, q.fail(op, w.boolOp, ErrInvalidExpression, err)
	}
	out := resolvedWhere{boolOp: boolOp}

	if !w.in {
		e, err := query.ParseExpr(w.expr)
		if err != nil {
			return resolvedWhere{}, q.fail(op, w.expr, ErrInvalidExpression, err)
		}
		out.cond, err = r.condition(op, w.expr, e)
		return out, err
	}

	t, err := query.ParseTerm(w.field)
	if err != nil || t.Kind != query.TermField {
		return resolvedWhere{}, q.fail(op, w.field, ErrInvalidExpression, err)
	}
	if out.in, err = r.field(op, w.field, t.Side); err != nil {
		return resolvedWhere{}, err
	}
	out.isIn = true

	v := reflect.ValueOf(w.values)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return resolvedWhere{}, q.fail(op, w.field, ErrInvalidExpression, errors.New("byte slice is not a value list"))
		}
		out.inline = true
		out.inValues = make([]any, v.Len())
		for i := range out.inValues {
			out.inValues[i] = v.Index(i).Interface()
		}
		out.inCount = len(out.inValues)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Int() < 0 {
			return resolvedWhere{}, q.fail(op, w.field, ErrInvalidExpression, errors.New("negative placeholder count"))
		}
		out.inCount = int(v.Int())
	default:
		return resolvedWhere{}, q.fail(op, w.field, ErrInvalidExpression, fmt.Errorf("values must be a slice or a count, got %T", w.values))
	}
	return out, nil
}

func (p *plan) buildSlots() []slot {
	var slots []slot
	deferred := func(n int) {
		for i := 0; i < n; i++ {
			slots = append(slots, slot{deferred: true})
		}
	}
	conditionSlots := func(c *condition) {
		if c.left.placeholder {
			deferred(1)
		}
		if c.literal == "" && c.right.placeholder {
			deferred(1)
		}
	}
	termSlots := func(terms []resolvedTerm) {
		for _, t := range terms {
			switch t.kind {
			case query.TermPlaceholder:
				deferred(1)
			case query.TermExpr:
				conditionSlots(t.cond)
			}
		}
	}

	for _, row := range p.rows {
		for _, v := range row {
			slots = append(slots, slot{value: v})
		}
	}
	for _, s := range p.sets {
		slots = append(slots, slot{value: s.value, deferred: s.deferred})
	}
	for _, w := range p.wheres {
		switch {
		case !w.isIn:
			conditionSlots(w.cond)
		case w.inline:
			for _, v := range w.inValues {
				slots = append(slots, slot{value: v})
			}
		default:
			deferred(w.inCount)
		}
	}
	termSlots(p.groups)
	termSlots(p.orders)
	return slots
}

// fingerprint hashes the structural shape of the plan. Clauses are grouped
// by category so that call order does not change it, and literal values
// never enter it.
func (q *ModelQuery) fingerprint(p *plan) string {
	parts := []string{q.db.dialect.Name(), q.model.Name, p.table, p.kind.String()}

	cols := make([]string, len(p.columns))
	for i, c := range p.columns {
		cols[i] = c.shape()
	}
	parts = append(parts, "F:"+strings.Join(cols, ","))

	if p.join != nil {
		parts = append(parts, "J:"+p.join.model+":"+p.join.local.shape()+"="+p.join.foreign.shape())
	}
	for _, row := range p.rows {
		parts = append(parts, "R:"+strconv.Itoa(len(row)))
	}
	for _, s := range p.sets {
		parts = append(parts, "S:"+s.col.shape())
	}
	for _, w := range p.wheres {
		if w.isIn {
			parts = append(parts, "I:"+w.boolOp+":"+w.in.shape()+":"+strconv.Itoa(w.inCount))
		} else {
			parts = append(parts, "W:"+w.boolOp+":"+w.cond.shape())
		}
	}
	for _, g := range p.groups {
		parts = append(parts, "G:"+g.shape())
	}
	for _, o := range p.orders {
		parts = append(parts, "O:"+o.shape())
	}
	if p.limit != nil {
		parts = append(parts, "L:"+strconv.Itoa(p.limit.length)+":"+strconv.Itoa(p.limit.offset))
	}
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "|")), 16)
}

type renderer struct {
	d  dialect.Dialect
	sb strings.Builder
}

func (r *renderer) col(c column) {
	if c.qual != "" {
		r.sb.WriteString(r.d.Quote(c.qual))
		r.sb.WriteByte('.')
	}
	r.sb.WriteString(r.d.Quote(c.name))
}

func (r *renderer) operand(o operand) {
	if o.placeholder {
		r.sb.WriteByte('?')
		return
	}
	r.col(o.col)
}

func (r *renderer) condition(c *condition) {
	r.operand(c.left)
	r.sb.WriteByte(' ')
	r.sb.WriteString(string(c.op))
	r.sb.WriteByte(' ')
	if c.literal != "" {
		r.sb.WriteString(c.literal)
		return
	}
	r.operand(c.right)
}

func (r *renderer) placeholders(n int) {
	for i := 0; i < n; i++ {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.sb.WriteByte('?')
	}
}

func (r *renderer) columns(cols []column) {
	for i, c := range cols {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.col(c)
	}
}

func (r *renderer) where(ws []resolvedWhere) {
	if len(ws) == 0 {
		return
	}
	r.sb.WriteString(" WHERE ")
	for i, w := range ws {
		if i > 0 {
			r.sb.WriteByte(' ')
			r.sb.WriteString(w.boolOp)
			r.sb.WriteByte(' ')
		} else if strings.HasSuffix(w.boolOp, "NOT") {
			r.sb.WriteString("NOT ")
		}
		switch {
		case !w.isIn:
			r.condition(w.cond)
		case w.inCount == 0:
			r.sb.WriteString("1 = 0")
		default:
			r.col(w.in)
			r.sb.WriteString(" IN (")
			r.placeholders(w.inCount)
			r.sb.WriteByte(')')
		}
	}
}

func (r *renderer) terms(keyword string, ts []resolvedTerm) {
	if len(ts) == 0 {
		return
	}
	r.sb.WriteString(keyword)
	for i, t := range ts {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		switch t.kind {
		case query.TermPlaceholder:
			r.sb.WriteByte('?')
		case query.TermField:
			r.col(t.col)
		case query.TermOrdinal:
			r.sb.WriteString(strconv.Itoa(t.ordinal))
		case query.TermExpr:
			r.condition(t.cond)
		}
		if t.explicit {
			r.sb.WriteByte(' ')
			r.sb.WriteString(string(t.dir))
		}
	}
}

func (r *renderer) limit(l *limitClause) {
	if l == nil {
		return
	}
	r.sb.WriteByte(' ')
	r.sb.WriteString(r.d.Limit(l.length, l.offset))
}

// render generates the SQL text of a plan in the dialect's syntax.
func render(d dialect.Dialect, p *plan) string {
	r := &renderer{d: d}
	switch p.kind {
	case query.Select:
		r.sb.WriteString("SELECT ")
		r.columns(p.columns)
		r.sb.WriteString(" FROM ")
		r.sb.WriteString(d.Quote(p.table))
		if j := p.join; j != nil {
			r.sb.WriteString(" AS ")
			r.sb.WriteString(d.Quote(query.QualifierPrimary))
			r.sb.WriteString(" LEFT JOIN ")
			r.sb.WriteString(d.Quote(j.table))
			r.sb.WriteString(" AS ")
			r.sb.WriteString(d.Quote(query.QualifierJoined))
			r.sb.WriteString(" ON ")
			r.col(j.local)
			r.sb.WriteString(" = ")
			r.col(j.foreign)
		}
		r.where(p.wheres)
		r.terms(" GROUP BY ", p.groups)
		r.terms(" ORDER BY ", p.orders)
		r.limit(p.limit)
	case query.Insert:
		r.sb.WriteString("INSERT INTO ")
		r.sb.WriteString(d.Quote(p.table))
		r.sb.WriteString(" (")
		r.columns(p.columns)
		r.sb.WriteString(") VALUES")
		for _, row := range p.rows {
			r.sb.WriteString(" (")
			r.placeholders(len(row))
			r.sb.WriteByte(')')
		}
	case query.Update:
		r.sb.WriteString("UPDATE ")
		r.sb.WriteString(d.Quote(p.table))
		r.sb.WriteString(" SET ")
		for i, s := range p.sets {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.col(s.col)
			r.sb.WriteString(" = ?")
		}
		r.where(p.wheres)
		r.terms(" ORDER BY ", p.orders)
		r.limit(p.limit)
	case query.Delete:
		r.sb.WriteString("DELETE FROM ")
		r.sb.WriteString(d.Quote(p.table))
		r.where(p.wheres)
		r.terms(" ORDER BY ", p.orders)
		r.limit(p.limit)
	}
	return dialect.Rebind(d, r.sb.String())
}
