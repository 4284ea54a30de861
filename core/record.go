package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/shrek82/tooldb/model"
	"github.com/shrek82/tooldb/query"
)

// Record is one row of a model. Field values are kept decoded: datetime
// fields hold time.Time and serialized fields hold what JSON decoding gives.
type Record struct {
	db     *DB
	model  *model.Model
	values map[string]any
	orig   map[string]any // primary key as last loaded or saved
	dirty  map[string]struct{}
}

func newRecord(db *DB, m *model.Model, values map[string]any) *Record {
	r := &Record{db: db, model: m, values: values}
	r.snapshot()
	return r
}

func (r *Record) snapshot() {
	r.orig = make(map[string]any, len(r.model.PrimaryKeys))
	for _, f := range r.model.PrimaryKeys {
		r.orig[f.Name] = r.values[f.Name]
	}
	r.dirty = make(map[string]struct{})
}

func (db *DB) hydrateRow(m *model.Model, row query.Row) (*Record, error) {
	values := make(map[string]any, len(m.Fields))
	for _, f := range m.Columns() {
		v, ok := row[f.Column]
		if !ok {
			continue
		}
		dv, err := decodeField(f, v)
		if err != nil {
			return nil, err
		}
		values[f.Name] = dv
	}
	return newRecord(db, m, values), nil
}

func (db *DB) hydrate(m *model.Model, rows query.Rows) ([]*Record, error) {
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		rec, err := db.hydrateRow(m, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Create inserts a record. A field missing from fields takes its default;
// without one it is left to the database when it is auto-increment or not
// part of the primary key. When anything was left to the database the row
// is read back by primary key; a model without one gets the supplied and
// default values only.
func (db *DB) Create(ctx context.Context, modelName string, fields map[string]any) (*Record, error) {
	m, ok := db.registry.Open(ctx, modelName)
	if !ok {
		return nil, &QueryError{Op: "create", Expr: modelName, Err: ErrModelNotFound}
	}
	for name := range fields {
		if f, ok := m.FieldMap[name]; !ok || !f.IsColumn() {
			return nil, &QueryError{Op: "create", Model: m.Name, Expr: name, Err: ErrUnknownField}
		}
	}

	var (
		names    []string
		values   []any
		known    = make(map[string]any, len(fields))
		complete = true
	)
	for _, f := range m.Columns() {
		v, supplied := fields[f.Name]
		switch {
		case supplied:
		case f.Default != nil:
			v, complete = f.Default, false
		case f.AutoIncrement:
			complete = false
			continue
		case f.PrimaryKey:
			return nil, &QueryError{Op: "create", Model: m.Name, Expr: f.Name, Err: ErrMissingPrimaryKey}
		default:
			complete = false
			continue
		}
		enc, err := encodeField(f, v)
		if err != nil {
			return nil, err
		}
		names = append(names, f.Name)
		values = append(values, enc)
		known[f.Name] = v
	}
	if len(names) == 0 {
		return nil, &QueryError{Op: "create", Model: m.Name, Err: ErrIllegalState, Cause: errors.New("no field to insert")}
	}

	res, err := db.Model(m.Name).Insert(names...).Values(values...).Execute(ctx)
	if err != nil {
		return nil, err
	}
	// a keyless row cannot be read back
	if complete || len(m.PrimaryKeys) == 0 {
		return newRecord(db, m, known), nil
	}

	pk := make([]any, 0, len(m.PrimaryKeys))
	for _, f := range m.PrimaryKeys {
		if v, ok := known[f.Name]; ok {
			pk = append(pk, v)
			continue
		}
		id := res.LastInsertID
		if id == 0 {
			id = db.conn.LastInsertID()
		}
		pk = append(pk, id)
	}
	rec, found, err := db.Open(ctx, m.Name, pk...)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s %v after insert", ErrRecordNotFound, m.Name, pk)
	}
	return rec, nil
}

// Open loads one record by primary key. It reports false, without an
// error, unless exactly one row matches.
func (db *DB) Open(ctx context.Context, modelName string, pk ...any) (*Record, bool, error) {
	q := db.Model(modelName).Select()
	if q.err != nil {
		return nil, false, q.err
	}
	m := q.model
	if len(m.PrimaryKeys) == 0 || len(pk) != len(m.PrimaryKeys) {
		return nil, false, &QueryError{Op: "open", Model: m.Name, Err: ErrMissingPrimaryKey,
			Cause: fmt.Errorf("%d values for %d key fields", len(pk), len(m.PrimaryKeys))}
	}
	args := make([]any, len(pk))
	for i, f := range m.PrimaryKeys {
		q.Where(f.Name + " = ?")
		enc, err := encodeField(f, pk[i])
		if err != nil {
			return nil, false, err
		}
		args[i] = enc
	}
	rows, err := q.Limit(2).Fetch(ctx, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) != 1 {
		return nil, false, nil
	}
	rec, err := db.hydrateRow(m, rows[0])
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Find starts a select over every column of the model whose Result.Data is []*Record.
func (db *DB) Find(modelName string) *ModelQuery {
	q := db.Model(modelName).Select()
	if m := q.model; m != nil {
		q.Wrap(func(rows query.Rows) (any, error) {
			return db.hydrate(m, rows)
		})
	}
	return q
}

func (r *Record) Model() *model.Model { return r.model }

// Get returns a field value. The second result is false for unknown fields.
func (r *Record) Get(name string) (any, bool) {
	acc, ok := r.model.Accessor(name)
	if !ok || acc.Kind != model.DirectField {
		return nil, false
	}
	return r.values[name], true
}

// Set changes a field value and marks it dirty when it differs.
func (r *Record) Set(name string, value any) error {
	acc, ok := r.model.Accessor(name)
	if !ok || acc.Kind != model.DirectField {
		return &QueryError{Op: "set", Model: r.model.Name, Expr: name, Err: ErrUnknownField}
	}
	old, had := r.values[name]
	r.values[name] = value
	if !had || !reflect.DeepEqual(old, value) {
		r.dirty[name] = struct{}{}
	}
	return nil
}

// Values returns a copy of the field values.
func (r *Record) Values() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Dirty lists the changed fields in declaration order.
func (r *Record) Dirty() []string {
	var out []string
	for _, f := range r.model.Fields {
		if _, ok := r.dirty[f.Name]; ok {
			out = append(out, f.Name)
		}
	}
	return out
}

func (r *Record) keyed(q *ModelQuery, pk map[string]any) error {
	if len(r.model.PrimaryKeys) == 0 {
		return &QueryError{Op: "record", Model: r.model.Name, Err: ErrMissingPrimaryKey}
	}
	for _, f := range r.model.PrimaryKeys {
		enc, err := encodeField(f, pk[f.Name])
		if err != nil {
			return err
		}
		q.Where(f.Name + " = ?").PushExecParam(enc)
	}
	return nil
}

// Update writes the dirty fields. The row is addressed by the primary key
// it had when loaded, so changing the key in memory cannot hit another row.
// It reports false when nothing is dirty or the update did not affect
// exactly one row.
func (r *Record) Update(ctx context.Context) (bool, error) {
	dirty := r.Dirty()
	if len(dirty) == 0 {
		return false, nil
	}
	q := r.db.Model(r.model.Name).Update()
	for _, name := range dirty {
		enc, err := encodeField(r.model.FieldMap[name], r.values[name])
		if err != nil {
			return false, err
		}
		q.Set(name, enc)
	}
	if err := r.keyed(q, r.orig); err != nil {
		return false, err
	}
	res, err := q.Execute(ctx)
	if err != nil {
		return false, err
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	r.snapshot()
	return true, nil
}

// Delete removes the row with the record's current primary key. Anything
// other than exactly one affected row is reported as false.
func (r *Record) Delete(ctx context.Context) (bool, error) {
	q := r.db.Model(r.model.Name).Delete()
	if err := r.keyed(q, r.values); err != nil {
		return false, err
	}
	res, err := q.Execute(ctx)
	if err != nil {
		return false, err
	}
	return res.RowsAffected == 1, nil
}

// Scan copies field values into the matching fields of a tagged struct.
func (r *Record) Scan(dest any) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dest must be a pointer to a struct, got %T", dest)
	}
	sv := v.Elem()
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := model.StructFieldName(st.Field(i))
		if !ok {
			continue
		}
		val, ok := r.values[name]
		if !ok {
			continue
		}
		if err := assign(sv.Field(i), val); err != nil {
			return fmt.Errorf("scan %s.%s: %w", r.model.Name, name, err)
		}
	}
	if h, ok := dest.(AfterFinder); ok {
		return h.AfterFind()
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if dst.Kind() == reflect.Ptr {
		p := reflect.New(dst.Type().Elem())
		if err := assign(p.Elem(), v); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}
	if dst.Type() == timeType {
		var ts TimeScanner
		if err := ts.Scan(v); err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(ts.Value))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		if b, ok := v.([]byte); ok {
			dst.SetString(string(b))
		} else {
			dst.SetString(fmt.Sprint(v))
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			dst.SetInt(n)
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if s, ok := v.(string); ok {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return err
			}
			dst.SetUint(n)
			return nil
		}
	case reflect.Float32, reflect.Float64:
		if s, ok := v.(string); ok {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			dst.SetFloat(n)
			return nil
		}
	case reflect.Bool:
		switch b := v.(type) {
		case int64:
			dst.SetBool(b != 0)
			return nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return err
			}
			dst.SetBool(parsed)
			return nil
		}
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst.Addr().Interface())
	}

	if isNumber(src.Kind()) && isNumber(dst.Kind()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", v, dst.Type())
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
