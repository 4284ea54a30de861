package kv

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

// SturdycConfig holds the sturdyc constructor parameters. Zero values take defaults.
type SturdycConfig struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
}

func (c SturdycConfig) withDefaults() SturdycConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.NumShards <= 0 {
		c.NumShards = 256
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.EvictionPercentage <= 0 {
		c.EvictionPercentage = 10
	}
	return c
}

// SturdycStore is an in-process sharded cache. Entries share the client
// TTL; the per-call ttl is ignored, so a zero ttl does not mean no expiry,
// and any entry may be evicted when the shard is full. It suits the model
// cache, whose entries are rebuilt on a miss. As a result cache engine an
// expired or evicted [TRACKER] entry would leave [RESULTS] entries that no
// mutation can purge, so Options rejects it there.
type SturdycStore struct {
	client *sturdyc.Client[[]byte]
}

func NewSturdycStore(cfg SturdycConfig) *SturdycStore {
	cfg = cfg.withDefaults()
	return &SturdycStore{
		client: sturdyc.New[[]byte](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage),
	}
}

func (s *SturdycStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.client.Get(key)
	return v, ok, nil
}

func (s *SturdycStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.client.Set(key, value)
	return nil
}

func (s *SturdycStore) Delete(_ context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// Flush deletes every key currently held.
func (s *SturdycStore) Flush(context.Context) error {
	for _, k := range s.client.ScanKeys() {
		s.client.Delete(k)
	}
	return nil
}
