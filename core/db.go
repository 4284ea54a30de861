package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shrek82/tooldb/dialect"
	"github.com/shrek82/tooldb/kv"
	"github.com/shrek82/tooldb/logger"
	"github.com/shrek82/tooldb/model"
	"github.com/shrek82/tooldb/pool"
	"github.com/shrek82/tooldb/query"
	"github.com/shrek82/tooldb/querycache"
)

// DB is the context object holding the model registry, the result caches
// and the connection every model query runs through.
type DB struct {
	conn     Connection
	pool     pool.Pool
	dialect  dialect.Dialect
	logger   logger.Logger
	registry *model.Registry
	caches   *xsync.MapOf[string, *querycache.ResultCache]
	settings *querycache.Settings
	mws      *middlewares
	stores   []kv.Store // opened from Options, closed with the DB
	tx       *Tx        // set on the transaction-scoped copy
}

type middlewares struct {
	list []QueryMiddleware
}

// New builds a DB over an existing connection. The result is not able to
// start transactions.
func New(conn Connection, d dialect.Dialect, log logger.Logger) *DB {
	if log == nil {
		log = logger.NewStdLogger()
	}
	settings := querycache.NewSettings()
	return &DB{
		conn:     conn,
		dialect:  d,
		logger:   log,
		registry: model.NewRegistry(log),
		caches:   xsync.NewMapOf[string, *querycache.ResultCache](),
		settings: settings,
		mws:      &middlewares{},
	}
}

// Open initializes a new DB instance with the given driver and DSN.
func Open(driver, dsn string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	name := driver
	if opts.Dialect != "" {
		name = opts.Dialect
	}
	d, ok := dialect.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown dialect %s", name)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	p := pool.NewStdPool(sqlDB)
	opts.poolSettings().Apply(p)
	if err := p.PingContext(context.Background()); err != nil {
		_ = p.Close()
		return nil, err
	}

	log := logger.NewStdLogger()
	if opts.LogLevel != "" {
		log.SetLevel(logger.ParseLevel(opts.LogLevel))
	}
	if opts.LogFormat != "" {
		log.SetFormat(logger.LogFormat(opts.LogFormat))
	}

	db := New(NewSQLConnection(p, d), d, log)
	db.pool = p
	if opts.CompactThreshold > 0 {
		db.settings.CompactThreshold = opts.CompactThreshold
	}

	if err := db.openStores(opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenOptions opens a DB with the driver and DSN taken from opts.
func OpenOptions(opts *Options) (*DB, error) {
	if opts == nil || opts.Driver == "" {
		return nil, errors.New("options need a driver")
	}
	return Open(opts.Driver, opts.DSN, opts)
}

func (db *DB) openStores(opts *Options) error {
	results, err := kv.NewStore(opts.ResultCache)
	if err != nil {
		return fmt.Errorf("result cache: %w", err)
	}
	if results != nil {
		db.stores = append(db.stores, results)
		db.settings.SetGlobal(results, opts.ResultCache.TTL)
	}
	models, err := kv.NewStore(opts.ModelCache)
	if err != nil {
		return fmt.Errorf("model cache: %w", err)
	}
	if models != nil {
		db.stores = append(db.stores, models)
		db.registry.SetModelCache(models)
	}
	return nil
}

// Close shuts down middlewares, prepared statements, owned stores and the pool.
func (db *DB) Close() error {
	var errs []error
	for _, mw := range db.mws.list {
		if err := mw.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", mw.Name(), err))
		}
	}
	if c, ok := db.conn.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range db.stores {
		if c, ok := s.(kv.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if db.pool != nil {
		if err := db.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetLogger sets a custom logger for the DB.
func (db *DB) SetLogger(l logger.Logger) {
	db.logger = l
}

func (db *DB) Logger() logger.Logger { return db.logger }

func (db *DB) Dialect() dialect.Dialect { return db.dialect }

func (db *DB) Connection() Connection { return db.conn }

func (db *DB) Registry() *model.Registry { return db.registry }

// Use initializes and appends middlewares. The first one added is the outermost.
func (db *DB) Use(mws ...QueryMiddleware) error {
	for _, mw := range mws {
		if err := mw.Init(db); err != nil {
			return fmt.Errorf("init %s: %w", mw.Name(), err)
		}
		db.mws.list = append(db.mws.list, mw)
	}
	return nil
}

// Define registers a model, returning the existing one when the name is taken.
func (db *DB) Define(ctx context.Context, def model.Definition) (*model.Model, error) {
	return db.registry.Define(ctx, def)
}

// DefineStruct registers the model described by a tagged struct.
func (db *DB) DefineStruct(ctx context.Context, value any) (*model.Model, error) {
	def, err := model.DefinitionFromStruct(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidModel, err)
	}
	return db.registry.Define(ctx, def)
}

// CreateModel registers a model and fails with model.ErrModelExists when the name is taken.
func (db *DB) CreateModel(ctx context.Context, def model.Definition) (*model.Model, error) {
	return db.registry.Create(ctx, def)
}

// Extend adds a relationship to a model that has not been queried yet.
func (db *DB) Extend(ctx context.Context, name string, rel model.Relationship) error {
	err := db.registry.Extend(ctx, name, rel)
	if errors.Is(err, model.ErrSealed) {
		return fmt.Errorf("%w: %w", ErrIllegalState, err)
	}
	return err
}

// SetModelCache sets the store for model definitions and compiled SQL.
func (db *DB) SetModelCache(store kv.Store) {
	db.registry.SetModelCache(store)
}

// SetResultCache sets the global result cache engine. A nil store disables it.
func (db *DB) SetResultCache(store kv.Store, ttl time.Duration) {
	db.settings.SetGlobal(store, ttl)
}

// SetModelResultCache overrides the result cache engine of one model.
func (db *DB) SetModelResultCache(modelName string, store kv.Store, ttl time.Duration) {
	db.settings.SetModel(modelName, store, ttl)
}

// DisableResultCache turns off result caching for one model.
func (db *DB) DisableResultCache(modelName string) {
	db.settings.DisableModel(modelName)
}

// ResetResultCache drops the override of one model.
func (db *DB) ResetResultCache(modelName string) {
	db.settings.ClearModel(modelName)
}

// ResultCache returns the result cache of a model, creating it on first use.
func (db *DB) ResultCache(modelName string) *querycache.ResultCache {
	c, _ := db.caches.LoadOrCompute(modelName, func() *querycache.ResultCache {
		return querycache.New(modelName, db.settings, db.logger)
	})
	return c
}

// Model starts a new query builder for the named model.
func (db *DB) Model(name string) *ModelQuery {
	return newModelQuery(db, name)
}

// Escape escapes s for a single-quoted SQL literal.
func (db *DB) Escape(s string) string {
	return db.conn.EscapeString(s)
}

func (db *DB) inTx() bool { return db.tx != nil }

func (db *DB) run(ctx context.Context, st *Statement) (*Result, error) {
	return chain(db.mws.list, db.execute)(ctx, st)
}

// execute is the innermost step of the middleware chain.
func (db *DB) execute(ctx context.Context, st *Statement) (*Result, error) {
	if !db.conn.IsKeyUsed(st.Key) {
		if err := db.conn.Prepare(ctx, st.Key, st.SQL); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	res := &Result{}
	var err error
	if st.Kind == query.Select {
		res.Rows, err = db.conn.ExecuteFetchAll(ctx, st.Key, st.Args)
	} else {
		var er ExecResult
		er, err = db.conn.Execute(ctx, st.Key, st.Args)
		res.RowsAffected, res.LastInsertID = er.RowsAffected, er.LastInsertID
	}
	db.logger.SQL(st.SQL, time.Since(start), st.Args...)
	if err != nil {
		return nil, db.classify(err)
	}
	return res, nil
}

// classify wraps constraint violations with ErrDuplicateKey or
// ErrForeignKey. The driver error stays reachable through errors.As.
func (db *DB) classify(err error) error {
	switch db.dialect.Classify(err) {
	case dialect.ClassDuplicateKey:
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	case dialect.ClassForeignKey:
		return fmt.Errorf("%w: %w", ErrForeignKey, err)
	}
	return err
}

// invalidate purges the cached selects of the query's table. Inside a
// transaction the purge is repeated after commit.
func (db *DB) invalidate(ctx context.Context, q *ModelQuery) {
	db.ResultCache(q.model.Name).Invalidate(ctx, q.Table(), q.kind)
	if db.tx != nil {
		db.tx.remember(q.model.Name, q.Table(), q.kind)
	}
}
