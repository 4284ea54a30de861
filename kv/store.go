// Package kv holds the key-value stores backing the model registry and the
// query result cache.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/redis/go-redis/v9"
)

// Store is a byte-oriented key-value cache. A zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Flusher is implemented by stores that can drop every key they own.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Closer is implemented by stores holding background resources.
type Closer interface {
	Close() error
}

// ErrUnknownEngine is returned by NewStore for an unsupported engine name.
var ErrUnknownEngine = errors.New("unknown cache engine")

// Engine names accepted by Config.
const (
	EngineNone    = "none"
	EngineMemory  = "memory"
	EngineFile    = "file"
	EngineRedis   = "redis"
	EngineSturdyc = "sturdyc"
)

// Config selects and configures a store engine.
type Config struct {
	Engine string        `toml:"engine"`
	TTL    time.Duration `toml:"ttl"`

	// file
	Dir string `toml:"dir"`

	// redis
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Prefix        string `toml:"prefix"`

	// sturdyc
	Capacity           int `toml:"capacity"`
	NumShards          int `toml:"num_shards"`
	EvictionPercentage int `toml:"eviction_percentage"`
}

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Engine, validation.In(EngineNone, EngineMemory, EngineFile, EngineRedis, EngineSturdyc)),
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
		validation.Field(&c.Dir, validation.When(c.Engine == EngineFile, validation.Required)),
		validation.Field(&c.RedisAddr, validation.When(c.Engine == EngineRedis, validation.Required)),
		validation.Field(&c.Capacity, validation.Min(0)),
		validation.Field(&c.NumShards, validation.Min(0)),
		validation.Field(&c.EvictionPercentage, validation.Min(0), validation.Max(100)),
	)
}

// NewStore builds the store selected by cfg. The "none" engine and an empty
// engine name return a nil Store, which callers treat as caching disabled.
func NewStore(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kv config: %w", err)
	}
	switch cfg.Engine {
	case "", EngineNone:
		return nil, nil
	case EngineMemory:
		return NewMemoryStore(), nil
	case EngineFile:
		fs, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case EngineRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStore(client, cfg.Prefix), nil
	case EngineSturdyc:
		return NewSturdycStore(SturdycConfig{
			Capacity:           cfg.Capacity,
			NumShards:          cfg.NumShards,
			TTL:                cfg.TTL,
			EvictionPercentage: cfg.EvictionPercentage,
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Engine)
}
