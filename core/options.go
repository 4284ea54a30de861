package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shrek82/tooldb/kv"
	"github.com/shrek82/tooldb/logger"
	"github.com/shrek82/tooldb/pool"
)

// Options defines the configuration of a DB.
type Options struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	// Dialect overrides the dialect picked from Driver
	Dialect string `toml:"dialect"`

	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`

	LogLevel  string `toml:"log_level"`  // silent, error, warn, info, debug
	LogFormat string `toml:"log_format"` // text, json

	// ResultCache is the global engine of the query result cache
	ResultCache kv.Config `toml:"result_cache"`
	// ModelCache stores model definitions and compiled SQL
	ModelCache kv.Config `toml:"model_cache"`
	// CompactThreshold overrides the tracker compaction threshold
	CompactThreshold int `toml:"compact_threshold"`
}

// Validate implements validation.Validatable.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.MaxOpenConns, validation.Min(0)),
		validation.Field(&o.MaxIdleConns, validation.Min(0)),
		validation.Field(&o.ConnMaxLifetime, validation.Min(time.Duration(0))),
		validation.Field(&o.LogLevel, validation.In("", "silent", "error", "warn", "info", "debug")),
		validation.Field(&o.LogFormat, validation.In("", string(logger.LogFormatText), string(logger.LogFormatJSON))),
		validation.Field(&o.ResultCache, validation.By(trackableEngine)),
		validation.Field(&o.ModelCache),
		validation.Field(&o.CompactThreshold, validation.Min(0)),
	)
}

// trackableEngine rejects engines that cannot hold the non-expiring
// invalidation trackers the result cache relies on.
func trackableEngine(v any) error {
	if cfg, ok := v.(kv.Config); ok && cfg.Engine == kv.EngineSturdyc {
		return errors.New("sturdyc expires and evicts invalidation trackers; use it for the model cache only")
	}
	return nil
}

func (o Options) poolSettings() pool.Settings {
	return pool.Settings{
		MaxOpenConns:    o.MaxOpenConns,
		MaxIdleConns:    o.MaxIdleConns,
		ConnMaxLifetime: o.ConnMaxLifetime,
	}
}

// LoadOptions reads and validates a TOML options file.
func LoadOptions(path string) (*Options, error) {
	var opts Options
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return nil, fmt.Errorf("load options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options %s: %w", path, err)
	}
	return &opts, nil
}
