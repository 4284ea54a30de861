package querycache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shrek82/tooldb/kv"
	"github.com/shrek82/tooldb/logger"
	"github.com/shrek82/tooldb/query"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	resultsSuffix    = "[RESULTS]"
	invalidateSuffix = "[INVALIDATE_ON]"
)

// ErrFlushUnsupported is returned by Flush when the store cannot flush.
var ErrFlushUnsupported = errors.New("cache store does not support flush")

// Query is what the cache needs to know about a compiled model query.
type Query interface {
	Kind() query.Kind
	Table() string
	Fingerprint() string
	Cacheable() bool
}

// ResultCache caches SELECT results of one model.
type ResultCache struct {
	model    string
	settings *Settings
	log      logger.Logger
}

func New(model string, settings *Settings, log logger.Logger) *ResultCache {
	if log == nil {
		log = logger.NewStdLogger()
	}
	return &ResultCache{model: model, settings: settings, log: log}
}

// Model returns the model name the cache belongs to.
func (c *ResultCache) Model() string { return c.model }

// Key builds the cache key for a query shape and its bound arguments.
func Key(model, fingerprint string, args []any) string {
	var sb strings.Builder
	sb.WriteString(model)
	sb.WriteString(fingerprint)
	sb.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%#v", a)
	}
	sb.WriteByte(')')
	return sb.String()
}

// FetchResults returns cached rows for q and args. It reports false when
// caching is disabled, the query is not cacheable, or the store misses.
func (c *ResultCache) FetchResults(ctx context.Context, q Query, args []any) (query.Rows, bool) {
	if q.Kind() != query.Select || !q.Cacheable() {
		return nil, false
	}
	engine, ok := c.settings.Resolve(c.model)
	if !ok {
		return nil, false
	}
	key := Key(c.model, q.Fingerprint(), args)
	data, found, err := engine.Store.Get(ctx, key+resultsSuffix)
	if err != nil {
		c.log.Warn("result cache read %s: %v", key, err)
		return nil, false
	}
	if !found {
		c.log.Debug("result cache miss %s", key)
		return nil, false
	}
	rows, err := decodeRows(data)
	if err != nil {
		c.log.Warn("result cache decode %s: %v", key, err)
		return nil, false
	}
	c.log.Debug("result cache hit %s", key)
	return rows, true
}

// Generation returns the invalidation counter of table. Capture it before
// reading from the backend and hand it to ProcessQuerySince.
func (c *ResultCache) Generation(table string) uint64 {
	return c.settings.Generation(table)
}

// ProcessQuery stores the rows of a cacheable select, or invalidates the
// table's cached selects after a mutation.
func (c *ResultCache) ProcessQuery(ctx context.Context, q Query, args []any, rows query.Rows) {
	c.ProcessQuerySince(ctx, c.settings.Generation(q.Table()), q, args, rows)
}

// ProcessQuerySince is ProcessQuery for rows read while the table was at
// generation gen. The rows are dropped when the table was invalidated since.
func (c *ResultCache) ProcessQuerySince(ctx context.Context, gen uint64, q Query, args []any, rows query.Rows) {
	if q.Kind().IsMutation() {
		c.Invalidate(ctx, q.Table(), q.Kind())
		return
	}
	if q.Kind() != query.Select || !q.Cacheable() {
		return
	}
	engine, ok := c.settings.Resolve(c.model)
	if !ok {
		return
	}

	key := Key(c.model, q.Fingerprint(), args)
	data, err := msgpack.Marshal(rows)
	if err != nil {
		c.log.Warn("result cache encode %s: %v", key, err)
		return
	}

	descriptors := make([]Descriptor, 0, len(query.MutationKinds))
	for _, k := range query.MutationKinds {
		descriptors = append(descriptors, Descriptor{Kind: k.String(), Table: q.Table(), Scope: ScopeAll})
	}
	desc, err := msgpack.Marshal(descriptors)
	if err != nil {
		c.log.Warn("result cache encode %s: %v", key, err)
		return
	}

	// held from the generation check until the key is tracked, so an
	// Invalidate either runs first and is seen here or finds the key
	mu := c.settings.tableLock(q.Table())
	mu.Lock()
	defer mu.Unlock()

	if c.settings.Generation(q.Table()) != gen {
		c.log.Debug("result cache skip %s: %s invalidated during read", key, q.Table())
		return
	}
	if err := engine.Store.Set(ctx, key+resultsSuffix, data, engine.TTL); err != nil {
		c.log.Warn("result cache write %s: %v", key, err)
		return
	}
	if err := engine.Store.Set(ctx, key+invalidateSuffix, desc, engine.TTL); err != nil {
		c.log.Warn("result cache write %s: %v", key, err)
		return
	}

	tracker := c.loadTracker(ctx, engine.Store, q.Table())
	changed := false
	for _, d := range descriptors {
		if tracker.Add(d.Kind, key) {
			changed = true
		}
	}
	if changed {
		c.saveTracker(ctx, engine.Store, q.Table(), tracker)
	}
	c.log.Debug("result cache store %s (%d rows)", key, len(rows))
}

// Invalidate purges every cached select registered against table for the mutation kind.
func (c *ResultCache) Invalidate(ctx context.Context, table string, kind query.Kind) {
	mu := c.settings.tableLock(table)
	mu.Lock()
	defer mu.Unlock()

	c.settings.generation(table).Add(1)
	engine, ok := c.settings.Resolve(c.model)
	if !ok {
		return
	}

	tracker := c.loadTracker(ctx, engine.Store, table)
	keys := tracker.Take(kind.String())
	if len(keys) == 0 {
		return
	}
	for _, key := range keys {
		c.purge(ctx, engine.Store, key)
	}
	if tracker.Unsets > c.settings.threshold() {
		tracker.Compact()
	}
	c.saveTracker(ctx, engine.Store, table, tracker)
	c.log.Debug("result cache invalidated %d entries of %s on %s", len(keys), table, kind)
}

// Purge removes the cached entry for q and args.
func (c *ResultCache) Purge(ctx context.Context, q Query, args []any) {
	engine, ok := c.settings.Resolve(c.model)
	if !ok {
		return
	}
	c.purge(ctx, engine.Store, Key(c.model, q.Fingerprint(), args))
}

// Flush empties the resolved store.
func (c *ResultCache) Flush(ctx context.Context) error {
	engine, ok := c.settings.Resolve(c.model)
	if !ok {
		return nil
	}
	f, ok := engine.Store.(kv.Flusher)
	if !ok {
		return ErrFlushUnsupported
	}
	return f.Flush(ctx)
}

// Tracker returns a copy of the stored tracker for table.
func (c *ResultCache) Tracker(ctx context.Context, table string) *Tracker {
	engine, ok := c.settings.Resolve(c.model)
	if !ok {
		return newTracker()
	}
	return c.loadTracker(ctx, engine.Store, table)
}

func (c *ResultCache) purge(ctx context.Context, store kv.Store, key string) {
	// a missing key is a phantom pointer and is ignored
	if err := store.Delete(ctx, key+resultsSuffix); err != nil {
		c.log.Warn("result cache delete %s: %v", key, err)
	}
	if err := store.Delete(ctx, key+invalidateSuffix); err != nil {
		c.log.Warn("result cache delete %s: %v", key, err)
	}
}

func (c *ResultCache) loadTracker(ctx context.Context, store kv.Store, table string) *Tracker {
	data, found, err := store.Get(ctx, trackerPrefix+table)
	if err != nil {
		c.log.Warn("result cache tracker read %s: %v", table, err)
		return newTracker()
	}
	if !found {
		return newTracker()
	}
	t := newTracker()
	if err := msgpack.Unmarshal(data, t); err != nil {
		c.log.Warn("result cache tracker decode %s: %v", table, err)
		return newTracker()
	}
	if t.Buckets == nil {
		t.Buckets = make(map[string][]string)
	}
	return t
}

func (c *ResultCache) saveTracker(ctx context.Context, store kv.Store, table string, t *Tracker) {
	data, err := msgpack.Marshal(t)
	if err != nil {
		c.log.Warn("result cache tracker encode %s: %v", table, err)
		return
	}
	if err := store.Set(ctx, trackerPrefix+table, data, 0); err != nil {
		c.log.Warn("result cache tracker write %s: %v", table, err)
	}
}

func decodeRows(data []byte) (query.Rows, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	rows := make(query.Rows, len(raw))
	for i, r := range raw {
		for k, v := range r {
			switch t := v.(type) {
			case uint64:
				if t <= math.MaxInt64 {
					r[k] = int64(t)
				}
			case time.Time:
				r[k] = t.UTC()
			}
		}
		rows[i] = query.Row(r)
	}
	return rows, nil
}
