package querycache

import (
	"github.com/shrek82/tooldb/query"
)

const trackerPrefix = "[TRACKER]"

// Scope of an invalidation descriptor. Only whole-table invalidation exists.
const ScopeAll = "*"

// Descriptor names a mutation that invalidates a cached entry.
type Descriptor struct {
	Kind  string `msgpack:"kind"`
	Table string `msgpack:"table"`
	Scope string `msgpack:"scope"`
}

// Tracker indexes, per mutation kind, the cache keys that must be purged
// when that mutation hits the table. Removed pointers leave empty holes
// until the next compaction.
type Tracker struct {
	Buckets map[string][]string `msgpack:"buckets"`
	Unsets  int                 `msgpack:"unsets"`
}

func newTracker() *Tracker {
	t := &Tracker{Buckets: make(map[string][]string, len(query.MutationKinds))}
	for _, k := range query.MutationKinds {
		t.Buckets[k.String()] = nil
	}
	return t
}

// Add registers key under bucket unless it is already there.
func (t *Tracker) Add(bucket, key string) bool {
	for _, k := range t.Buckets[bucket] {
		if k == key {
			return false
		}
	}
	t.Buckets[bucket] = append(t.Buckets[bucket], key)
	return true
}

// Take returns the live keys of bucket and punches holes for them in every bucket.
func (t *Tracker) Take(bucket string) []string {
	var taken []string
	for _, k := range t.Buckets[bucket] {
		if k != "" {
			taken = append(taken, k)
		}
	}
	if len(taken) == 0 {
		return nil
	}
	gone := make(map[string]struct{}, len(taken))
	for _, k := range taken {
		gone[k] = struct{}{}
	}
	for name, keys := range t.Buckets {
		for i, k := range keys {
			if _, ok := gone[k]; ok {
				keys[i] = ""
				t.Unsets++
			}
		}
		t.Buckets[name] = keys
	}
	return taken
}

// Compact drops holes and duplicate pointers and resets the unset counter.
func (t *Tracker) Compact() {
	for name, keys := range t.Buckets {
		seen := make(map[string]struct{}, len(keys))
		out := keys[:0]
		for _, k := range keys {
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
		t.Buckets[name] = out
	}
	t.Unsets = 0
}

// Len counts live pointers across all buckets.
func (t *Tracker) Len() int {
	n := 0
	for _, keys := range t.Buckets {
		for _, k := range keys {
			if k != "" {
				n++
			}
		}
	}
	return n
}
