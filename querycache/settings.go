// Package querycache caches SELECT results per model and invalidates them
// when the underlying table is mutated.
package querycache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shrek82/tooldb/kv"
)

// DefaultCompactThreshold is the number of removed tracker pointers after
// which the buckets are compacted.
const DefaultCompactThreshold = 100

// Engine is a store plus the TTL applied to entries written to it.
type Engine struct {
	Store kv.Store
	TTL   time.Duration
}

type override struct {
	engine   Engine
	disabled bool
}

// Settings holds the global engine and per-model overrides shared by every
// ResultCache of one DB context. Resolution happens on every call so that
// changes apply to caches that already exist.
type Settings struct {
	mu               sync.RWMutex
	global           Engine
	overrides        *xsync.MapOf[string, override]
	locks            *xsync.MapOf[string, *sync.Mutex]
	gens             *xsync.MapOf[string, *atomic.Uint64]
	CompactThreshold int
}

func NewSettings() *Settings {
	return &Settings{
		overrides:        xsync.NewMapOf[string, override](),
		locks:            xsync.NewMapOf[string, *sync.Mutex](),
		gens:             xsync.NewMapOf[string, *atomic.Uint64](),
		CompactThreshold: DefaultCompactThreshold,
	}
}

// SetGlobal sets the default engine. A nil store disables caching for
// models without an override.
func (s *Settings) SetGlobal(store kv.Store, ttl time.Duration) {
	s.mu.Lock()
	s.global = Engine{Store: store, TTL: ttl}
	s.mu.Unlock()
}

// SetModel overrides the engine for one model.
func (s *Settings) SetModel(model string, store kv.Store, ttl time.Duration) {
	s.overrides.Store(model, override{engine: Engine{Store: store, TTL: ttl}})
}

// DisableModel turns result caching off for one model regardless of the global engine.
func (s *Settings) DisableModel(model string) {
	s.overrides.Store(model, override{disabled: true})
}

// ClearModel removes any override so the model follows the global engine again.
func (s *Settings) ClearModel(model string) {
	s.overrides.Delete(model)
}

// Resolve returns the effective engine for model: override, then global,
// then disabled.
func (s *Settings) Resolve(model string) (Engine, bool) {
	if o, ok := s.overrides.Load(model); ok {
		if o.disabled || o.engine.Store == nil {
			return Engine{}, false
		}
		return o.engine, true
	}
	s.mu.RLock()
	g := s.global
	s.mu.RUnlock()
	if g.Store == nil {
		return Engine{}, false
	}
	return g, true
}

// tableLock serializes tracker read-modify-write for one table within the process.
func (s *Settings) tableLock(table string) *sync.Mutex {
	mu, _ := s.locks.LoadOrCompute(table, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

func (s *Settings) generation(table string) *atomic.Uint64 {
	g, _ := s.gens.LoadOrCompute(table, func() *atomic.Uint64 { return new(atomic.Uint64) })
	return g
}

// Generation returns the invalidation counter of table. Every Invalidate
// on the table advances it.
func (s *Settings) Generation(table string) uint64 {
	return s.generation(table).Load()
}

func (s *Settings) threshold() int {
	if s.CompactThreshold <= 0 {
		return DefaultCompactThreshold
	}
	return s.CompactThreshold
}
