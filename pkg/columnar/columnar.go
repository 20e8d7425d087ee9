package columnar

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Store holds the in-memory columnar projection of the row store: one chunk
// of column arrays per entity, used by scans, the aggregator, and lazy
// b-tree builds. The projection is not a source of truth; it is rebuilt from
// the row store at open and kept current by the mutation pipeline.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*table
	logger   zerolog.Logger
}

type table struct {
	ids     []types.ID
	pos     map[types.ID]int
	dead    []bool // tombstoned
	gone    []bool // physically removed, slot retired
	meta    []rowMeta
	cols    map[string]*column
}

type rowMeta struct {
	version   uint64
	createdAt int64
	updatedAt int64
	deletedAt int64
}

// New returns an empty projection.
func New() *Store {
	return &Store{
		entities: map[string]*table{},
		logger:   log.WithComponent("columnar"),
	}
}

// ScanFunc feeds records of one entity, typically rowstore.Scan.
type ScanFunc func(entity string, fn func(*types.Record) error) error

// Rebuild repopulates the projection for the given entities from the row
// store, one goroutine per entity.
func (s *Store) Rebuild(ctx context.Context, entities []string, scan ScanFunc) error {
	tables := make(map[string]*table, len(entities))
	var tmu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, entity := range entities {
		entity := entity
		g.Go(func() error {
			t := newTable()
			err := scan(entity, func(rec *types.Record) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				t.apply(rec)
				return nil
			})
			if err != nil {
				return err
			}
			tmu.Lock()
			tables[entity] = t
			tmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	for entity, t := range tables {
		s.entities[entity] = t
	}
	s.mu.Unlock()
	s.logger.Debug().Int("entities", len(entities)).Msg("columnar projection rebuilt")
	return nil
}

// Apply upserts one record into the projection. Called by the mutation
// pipeline after its transaction commits; tombstoned records stay resident
// until compaction removes them.
func (s *Store) Apply(entity string, rec *types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.entities[entity]
	if t == nil {
		t = newTable()
		s.entities[entity] = t
	}
	t.apply(rec)
}

// Remove retires a record slot after compaction physically deleted the row.
func (s *Store) Remove(entity string, id types.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.entities[entity]
	if t == nil {
		return
	}
	if p, ok := t.pos[id]; ok {
		t.gone[p] = true
		delete(t.pos, id)
	}
}

// Row is the accessor passed to scan callbacks.
type Row struct {
	t   *table
	pos int
}

func (r Row) ID() types.ID      { return r.t.ids[r.pos] }
func (r Row) Version() uint64   { return r.t.meta[r.pos].version }
func (r Row) Deleted() bool     { return r.t.dead[r.pos] }
func (r Row) CreatedAt() int64  { return r.t.meta[r.pos].createdAt }
func (r Row) UpdatedAt() int64  { return r.t.meta[r.pos].updatedAt }

// Value reads one field of the row; absent fields read as null.
func (r Row) Value(field string) types.Value {
	c, ok := r.t.cols[field]
	if !ok {
		return types.Null()
	}
	return c.get(r.pos)
}

// Each scans live rows of an entity in insertion-slot order. Tombstones are
// included only when includeDeleted is set.
func (s *Store) Each(entity string, includeDeleted bool, fn func(Row) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.entities[entity]
	if t == nil {
		return nil
	}
	for p := range t.ids {
		if t.gone[p] {
			continue
		}
		if t.dead[p] && !includeDeleted {
			continue
		}
		if err := fn(Row{t: t, pos: p}); err != nil {
			return err
		}
	}
	return nil
}

// EachOf visits the rows of the given ids, skipping absent and retired ones.
func (s *Store) EachOf(entity string, ids []types.ID, includeDeleted bool, fn func(Row) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.entities[entity]
	if t == nil {
		return nil
	}
	for _, id := range ids {
		p, ok := t.pos[id]
		if !ok || t.gone[p] {
			continue
		}
		if t.dead[p] && !includeDeleted {
			continue
		}
		if err := fn(Row{t: t, pos: p}); err != nil {
			return err
		}
	}
	return nil
}

// Value reads a single field of a single record.
func (s *Store) Value(entity string, id types.ID, field string) (types.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.entities[entity]
	if t == nil {
		return types.Null(), false
	}
	p, ok := t.pos[id]
	if !ok || t.gone[p] {
		return types.Null(), false
	}
	c, ok := t.cols[field]
	if !ok {
		return types.Null(), true
	}
	return c.get(p), true
}

// FieldSource yields (value, id) for every live row with the field defined.
// Feeds lazy b-tree builds.
func (s *Store) FieldSource(entity, field string) func(fn func(types.Value, types.ID) error) error {
	return func(fn func(types.Value, types.ID) error) error {
		return s.Each(entity, false, func(r Row) error {
			v := r.Value(field)
			if v.IsNull() {
				return nil
			}
			return fn(v, r.ID())
		})
	}
}

// LiveCount reports resident live rows, for planning heuristics.
func (s *Store) LiveCount(entity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.entities[entity]
	if t == nil {
		return 0
	}
	n := 0
	for p := range t.ids {
		if !t.gone[p] && !t.dead[p] {
			n++
		}
	}
	return n
}

func newTable() *table {
	return &table{
		pos:  map[types.ID]int{},
		cols: map[string]*column{},
	}
}

func (t *table) apply(rec *types.Record) {
	p, ok := t.pos[rec.ID]
	if !ok {
		p = len(t.ids)
		t.ids = append(t.ids, rec.ID)
		t.dead = append(t.dead, false)
		t.gone = append(t.gone, false)
		t.meta = append(t.meta, rowMeta{})
		t.pos[rec.ID] = p
		for _, c := range t.cols {
			c.grow(len(t.ids))
		}
	}
	t.gone[p] = false
	t.dead[p] = rec.DeletedAt != 0
	t.meta[p] = rowMeta{
		version:   rec.Version,
		createdAt: rec.CreatedAt,
		updatedAt: rec.UpdatedAt,
		deletedAt: rec.DeletedAt,
	}
	for name, v := range rec.Fields {
		c := t.cols[name]
		if c == nil {
			c = newColumn(v.Kind())
			c.grow(len(t.ids))
			t.cols[name] = c
		}
		c.grow(len(t.ids))
		c.set(p, v)
	}
	// Fields dropped from the record read as null.
	for name, c := range t.cols {
		if _, present := rec.Fields[name]; !present {
			c.set(p, types.Null())
		}
	}
}
