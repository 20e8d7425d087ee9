package engine

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/aggregate"
	"github.com/Skelf-Research/ormdb/pkg/btreeindex"
	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/changelog"
	"github.com/Skelf-Research/ormdb/pkg/columnar"
	"github.com/Skelf-Research/ormdb/pkg/compactor"
	"github.com/Skelf-Research/ormdb/pkg/constraint"
	"github.com/Skelf-Research/ormdb/pkg/hashindex"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/mutation"
	"github.com/Skelf-Research/ormdb/pkg/plancache"
	"github.com/Skelf-Research/ormdb/pkg/query"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Options configures an engine instance. Zero values take defaults.
type Options struct {
	DataDir            string
	Durability         rowstore.Mode
	HistoryLimit       int
	CompactionInterval time.Duration
	TombstoneRetention time.Duration
	ChangelogRetention time.Duration
	ChangelogSizeCap   int64
	PlanCacheSize      int
	MaxCascadeDepth    int

	// DisableCompactor turns the periodic loop off; Compact still works.
	DisableCompactor bool
}

// Engine wires the storage-and-query core: catalog, row store, columnar
// projection, indexes, change log, constraint engine, mutation pipeline,
// query executor, aggregator, plan cache and compactor.
type Engine struct {
	cat         *catalog.Catalog
	rows        *rowstore.Store
	cols        *columnar.Store
	hash        *hashindex.Index
	btree       *btreeindex.Index
	clog        *changelog.Log
	constraints *constraint.Engine
	pipeline    *mutation.Pipeline
	exec        *query.Executor
	agg         *aggregate.Aggregator
	cache       *plancache.Cache[*query.Plan]
	compact     *compactor.Compactor

	// catalogLatch drains in-flight executors while a schema applies:
	// operations hold it shared, ApplySchema exclusively.
	catalogLatch sync.RWMutex
	logger       zerolog.Logger
}

// Open opens (creating if needed) the database under the data directory,
// restores the persisted catalog, rebuilds the columnar projection, and
// starts the compactor.
func Open(opts Options) (*Engine, error) {
	rows, err := rowstore.Open(opts.DataDir, opts.Durability, opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	db := rows.DB()

	btree, err := btreeindex.New(db)
	if err != nil {
		rows.Close()
		return nil, err
	}
	clog, err := changelog.Open(db, changelog.Options{
		Retention: opts.ChangelogRetention,
		SizeCap:   opts.ChangelogSizeCap,
	})
	if err != nil {
		rows.Close()
		return nil, err
	}
	cache, err := plancache.New[*query.Plan](opts.PlanCacheSize)
	if err != nil {
		rows.Close()
		return nil, err
	}

	e := &Engine{
		cat:    catalog.New(),
		rows:   rows,
		cols:   columnar.New(),
		hash:   hashindex.New(db),
		btree:  btree,
		clog:   clog,
		cache:  cache,
		logger: log.WithComponent("engine"),
	}
	e.constraints = constraint.New(rows, e.hash, opts.MaxCascadeDepth)
	e.exec = query.New(e.cat, rows, e.cols, e.hash, e.btree, cache)
	e.pipeline = mutation.New(e.cat, rows, e.cols, e.hash, e.btree, clog, e.constraints)
	e.pipeline.SetResolver(func(ctx context.Context, entity string, f *query.Filter) ([]types.ID, error) {
		return e.exec.ResolveIDs(ctx, entity, f, false)
	})
	e.agg = aggregate.New(e.cols, e.exec, rows)
	e.compact = compactor.New(e.cat, rows, e.cols, clog, e.constraints, compactor.Options{
		Interval:           opts.CompactionInterval,
		TombstoneRetention: opts.TombstoneRetention,
	})

	if err := e.restoreCatalog(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := e.cols.Rebuild(context.Background(), e.cat.Snapshot().Entities(), rows.Scan); err != nil {
		rows.Close()
		return nil, err
	}

	if !opts.DisableCompactor {
		e.compact.Start()
	}
	e.logger.Info().
		Str("data_dir", opts.DataDir).
		Uint64("schema_version", e.cat.Version()).
		Uint64("last_lsn", clog.LastLSN()).
		Msg("engine opened")
	return e, nil
}

// Close stops background work and closes the database.
func (e *Engine) Close() error {
	e.compact.Stop()
	return e.rows.Close()
}

func (e *Engine) restoreCatalog() error {
	var data []byte
	err := e.rows.DB().View(func(tx *bolt.Tx) error {
		if _, v := tx.Bucket(rowstore.BucketCatalog).Cursor().Last(); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return types.Internal(err)
	}
	if data == nil {
		return nil
	}
	bundle, err := catalog.ParseBundle(data)
	if err != nil {
		return types.Internal(err)
	}
	return e.cat.Load(bundle)
}

// ApplySchema grades and installs a schema bundle, persists it in the
// catalog tree, and invalidates the plan cache. The catalog write latch
// briefly drains in-flight executors.
func (e *Engine) ApplySchema(b *catalog.Bundle, force bool) (catalog.Grade, error) {
	e.catalogLatch.Lock()
	defer e.catalogLatch.Unlock()

	grade, err := e.cat.Apply(b, force)
	if err != nil {
		return grade, err
	}

	data, err := catalog.MarshalBundle(b)
	if err != nil {
		return grade, types.Internal(err)
	}
	err = e.rows.DB().Update(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], b.Version)
		if err := tx.Bucket(rowstore.BucketCatalog).Put(key[:], data); err != nil {
			return err
		}
		return tx.Bucket(rowstore.BucketMeta).Put([]byte("schema_version"), key[:])
	})
	if err != nil {
		return grade, types.Internal(err)
	}

	e.cache.Invalidate("catalog version bump")
	e.logger.Info().
		Uint64("schema_version", b.Version).
		Str("grade", string(grade)).
		Msg("schema applied")
	return grade, nil
}

// Query executes a graph query.
func (e *Engine) Query(ctx context.Context, q *query.GraphQuery) (*query.Result, error) {
	e.catalogLatch.RLock()
	defer e.catalogLatch.RUnlock()
	return e.exec.Execute(ctx, q)
}

// Mutate applies one mutation.
func (e *Engine) Mutate(ctx context.Context, m mutation.Mutation) (*mutation.Result, error) {
	e.catalogLatch.RLock()
	defer e.catalogLatch.RUnlock()
	return e.pipeline.Apply(ctx, m)
}

// MutateBatch applies mutations in order under one durability fence.
func (e *Engine) MutateBatch(ctx context.Context, ms []mutation.Mutation) ([]mutation.BatchItem, error) {
	e.catalogLatch.RLock()
	defer e.catalogLatch.RUnlock()
	return e.pipeline.ApplyBatch(ctx, ms)
}

// Aggregate runs an aggregation.
func (e *Engine) Aggregate(ctx context.Context, req *aggregate.Request) (*aggregate.Result, error) {
	e.catalogLatch.RLock()
	defer e.catalogLatch.RUnlock()
	return e.agg.Run(ctx, req)
}

// ApproximateCount reports the live row estimate for an entity without a
// scan.
func (e *Engine) ApproximateCount(entity string) (int64, error) {
	return e.agg.ApproximateCount(entity)
}

// Get fetches one record. Tombstones surface only when includeDeleted.
func (e *Engine) Get(ctx context.Context, entity string, id types.ID, includeDeleted bool) (*types.Record, error) {
	e.catalogLatch.RLock()
	defer e.catalogLatch.RUnlock()

	view := e.cat.Snapshot()
	ent, err := view.Entity(entity)
	if err != nil {
		return nil, err
	}
	rec, err := e.rows.Get(entity, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || (!rec.Live() && !includeDeleted) {
		return nil, types.NotFound(entity, id)
	}
	view.FillReadDefaults(ent, rec)
	return rec, nil
}

// Subscribe opens a change log stream.
func (e *Engine) Subscribe(ctx context.Context, opts changelog.StreamOptions) (*changelog.Stream, error) {
	return e.clog.Subscribe(ctx, opts)
}

// Compact runs one compaction cycle immediately.
func (e *Engine) Compact() (*compactor.Report, error) {
	return e.compact.RunOnce()
}

// Catalog exposes the active catalog for introspection.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.cat
}

// Changelog exposes log positions for introspection.
func (e *Engine) Changelog() *changelog.Log {
	return e.clog
}

// PlanCacheStats reports plan cache counters.
func (e *Engine) PlanCacheStats() (hits, misses, evictions uint64) {
	return e.cache.Stats()
}

// BuiltIndexes lists (entity, field) pairs with materialized b-trees.
func (e *Engine) BuiltIndexes() []string {
	return e.btree.BuiltSet()
}
