package model

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shrek82/tooldb/kv"
	"github.com/shrek82/tooldb/logger"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	modelKeyPrefix = "[MODEL]"
	subKeyPrefix   = "[SUB]"
)

// Registry maps model names to models. The in-process map is consulted
// first, then the optional external store.
type Registry struct {
	models *xsync.MapOf[string, *Model]
	store  kv.Store
	log    logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewStdLogger()
	}
	return &Registry{
		models: xsync.NewMapOf[string, *Model](),
		log:    log,
	}
}

// SetModelCache sets the external store for model definitions and sub-caches. nil disables it.
func (r *Registry) SetModelCache(store kv.Store) {
	r.store = store
}

// ModelCache returns the external store, or nil.
func (r *Registry) ModelCache() kv.Store {
	return r.store
}

// Open returns the named model, promoting a definition found in the
// external store into the in-process map.
func (r *Registry) Open(ctx context.Context, name string) (*Model, bool) {
	if m, ok := r.models.Load(name); ok {
		return m, true
	}
	if r.store == nil {
		return nil, false
	}

	data, found, err := r.store.Get(ctx, modelKeyPrefix+name)
	if err != nil {
		r.log.Warn("model cache read %s: %v", name, err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var def Definition
	if err := msgpack.Unmarshal(data, &def); err != nil {
		r.log.Warn("model cache decode %s: %v", name, err)
		return nil, false
	}
	m, err := New(def)
	if err != nil {
		r.log.Warn("model cache entry %s rejected: %v", name, err)
		return nil, false
	}
	actual, _ := r.models.LoadOrStore(name, m)
	return actual, true
}

// Exists reports whether a model is known to either layer.
func (r *Registry) Exists(ctx context.Context, name string) bool {
	_, ok := r.Open(ctx, name)
	return ok
}

// Create registers a new model. It fails with ErrModelExists when the
// name is already present in the in-process map, even under concurrent callers.
func (r *Registry) Create(ctx context.Context, def Definition) (*Model, error) {
	m, err := New(def)
	if err != nil {
		return nil, err
	}
	if _, loaded := r.models.LoadOrStore(def.Name, m); loaded {
		return nil, fmt.Errorf("%w: %s", ErrModelExists, def.Name)
	}
	r.persist(ctx, m)
	return m, nil
}

// Define returns the registered model of that name or creates it.
func (r *Registry) Define(ctx context.Context, def Definition) (*Model, error) {
	if m, ok := r.Open(ctx, def.Name); ok {
		return m, nil
	}
	m, err := New(def)
	if err != nil {
		return nil, err
	}
	actual, loaded := r.models.LoadOrStore(def.Name, m)
	if !loaded {
		r.persist(ctx, m)
	}
	return actual, nil
}

// Extend appends a relationship to an unsealed model.
func (r *Registry) Extend(ctx context.Context, name string, rel Relationship) error {
	m, ok := r.Open(ctx, name)
	if !ok {
		return fmt.Errorf("model %s not registered", name)
	}
	if err := m.AddRelationship(rel); err != nil {
		return err
	}
	r.persist(ctx, m)
	return nil
}

func (r *Registry) persist(ctx context.Context, m *Model) {
	if r.store == nil {
		return
	}
	data, err := msgpack.Marshal(m.Definition())
	if err != nil {
		r.log.Warn("model cache encode %s: %v", m.Name, err)
		return
	}
	if err := r.store.Set(ctx, modelKeyPrefix+m.Name, data, 0); err != nil {
		r.log.Warn("model cache write %s: %v", m.Name, err)
	}
}

func subKey(m *Model, key string) string {
	return subKeyPrefix + m.Name + ":" + key
}

// CacheFetch decodes the sub-cache entry for key into dst. It reports false
// when no store is configured, on a miss, or when the entry cannot be read.
func (r *Registry) CacheFetch(ctx context.Context, m *Model, key string, dst any) bool {
	if r.store == nil {
		return false
	}
	data, found, err := r.store.Get(ctx, subKey(m, key))
	if err != nil {
		r.log.Warn("model sub-cache read %s: %v", subKey(m, key), err)
		return false
	}
	if !found {
		return false
	}
	if err := msgpack.Unmarshal(data, dst); err != nil {
		r.log.Warn("model sub-cache decode %s: %v", subKey(m, key), err)
		return false
	}
	return true
}

// CachePush stores value under key in the model's sub-cache, without expiry.
func (r *Registry) CachePush(ctx context.Context, m *Model, key string, value any) {
	if r.store == nil {
		return
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		r.log.Warn("model sub-cache encode %s: %v", subKey(m, key), err)
		return
	}
	if err := r.store.Set(ctx, subKey(m, key), data, 0); err != nil {
		r.log.Warn("model sub-cache write %s: %v", subKey(m, key), err)
	}
}

// CacheInvalidate removes key from the model's sub-cache.
func (r *Registry) CacheInvalidate(ctx context.Context, m *Model, key string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(ctx, subKey(m, key)); err != nil {
		r.log.Warn("model sub-cache delete %s: %v", subKey(m, key), err)
	}
}

// Range calls f for every model in the in-process map.
func (r *Registry) Range(f func(name string, m *Model) bool) {
	r.models.Range(f)
}
