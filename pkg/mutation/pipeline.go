package mutation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/btreeindex"
	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/changelog"
	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/columnar"
	"github.com/Skelf-Research/ormdb/pkg/constraint"
	"github.com/Skelf-Research/ormdb/pkg/hashindex"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/metrics"
	"github.com/Skelf-Research/ormdb/pkg/query"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Resolver turns a filter into the matching live ids; the engine wires the
// query executor in here.
type Resolver func(ctx context.Context, entity string, f *query.Filter) ([]types.ID, error)

// Pipeline runs the write path: validate against the catalog, fetch, OCC
// check, constraint precheck, row write, index maintenance, changelog
// append — all inside one write transaction per mutation, so a failure at
// any step rolls the whole mutation back and no changelog entry exists
// without its row mutation.
type Pipeline struct {
	cat         *catalog.Catalog
	rows        *rowstore.Store
	cols        *columnar.Store
	hash        *hashindex.Index
	btree       *btreeindex.Index
	clog        *changelog.Log
	constraints *constraint.Engine
	resolve     Resolver

	locks  lockTable
	logger zerolog.Logger
}

// New wires the pipeline. The resolver is attached separately because the
// query executor is constructed alongside.
func New(cat *catalog.Catalog, rows *rowstore.Store, cols *columnar.Store, hash *hashindex.Index, btree *btreeindex.Index, clog *changelog.Log, constraints *constraint.Engine) *Pipeline {
	return &Pipeline{
		cat:         cat,
		rows:        rows,
		cols:        cols,
		hash:        hash,
		btree:       btree,
		clog:        clog,
		constraints: constraints,
		logger:      log.WithComponent("mutation"),
	}
}

// SetResolver attaches the filter resolver for filter-addressed mutations.
func (p *Pipeline) SetResolver(r Resolver) {
	p.resolve = r
}

// pending accumulates a mutation's side effects until its transaction
// commits; only then do subscribers and the columnar projection see them.
type pending struct {
	entries []*types.ChangeEntry
	applied []appliedRow
}

type appliedRow struct {
	entity string
	rec    *types.Record
}

// Apply runs one mutation and fences per the durability mode.
func (p *Pipeline) Apply(ctx context.Context, m Mutation) (*Result, error) {
	res, err := p.applyOne(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := p.rows.Fence(); err != nil {
		return nil, types.Internal(err)
	}
	return res, nil
}

// BatchItem is the per-item outcome of a batch.
type BatchItem struct {
	Result *Result
	Err    error
}

// ApplyBatch runs mutations in order, sharing a single durability fence.
// Each item is all-or-nothing on its own; a failed item reports its error
// and the batch continues. Entries of one item are contiguous in the log.
func (p *Pipeline) ApplyBatch(ctx context.Context, ms []Mutation) ([]BatchItem, error) {
	out := make([]BatchItem, len(ms))
	for i, m := range ms {
		res, err := p.applyOne(ctx, m)
		out[i] = BatchItem{Result: res, Err: err}
	}
	if err := p.rows.Fence(); err != nil {
		return out, types.Internal(err)
	}
	return out, nil
}

func (p *Pipeline) applyOne(ctx context.Context, m Mutation) (*Result, error) {
	timer := metrics.NewTimer()
	res, err := p.dispatch(ctx, m)

	op := "unknown"
	switch m.(type) {
	case *Insert:
		op = "insert"
	case *Update:
		op = "update"
	case *Delete:
		op = "delete"
	case *Upsert:
		op = "upsert"
	}
	timer.ObserveDurationVec(metrics.MutationDuration, op)
	outcome := "ok"
	if err != nil {
		outcome = string(types.CodeOf(err))
		entityLogger := log.WithEntity(p.logger, m.EntityName())
		entityLogger.Debug().
			Err(err).
			Str("op", op).
			Msg("mutation rejected")
	}
	metrics.MutationsTotal.WithLabelValues(op, outcome).Inc()
	return res, err
}

func (p *Pipeline) dispatch(ctx context.Context, m Mutation) (*Result, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	switch mu := m.(type) {
	case *Insert:
		return p.applyInsert(ctx, mu)
	case *Update:
		return p.applyUpdate(ctx, mu)
	case *Delete:
		return p.applyDelete(ctx, mu)
	case *Upsert:
		return p.applyUpsert(ctx, mu)
	}
	return nil, types.Validation("", "", "unknown mutation kind")
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.Timeout()
		}
		return types.Canceled()
	default:
		return nil
	}
}

func (p *Pipeline) applyInsert(ctx context.Context, m *Insert) (*Result, error) {
	view := p.cat.Snapshot()
	ent, err := view.Entity(m.Entity)
	if err != nil {
		return nil, err
	}
	fields, err := view.ValidateFields(ent, m.Fields)
	if err != nil {
		return nil, err
	}

	id := types.NewID()
	if v, ok := fields["id"]; ok {
		id = v.UUID()
		delete(fields, "id")
	}
	if err := view.FillDefaults(ent, fields); err != nil {
		return nil, err
	}

	now := time.Now().UnixMicro()
	rec := &types.Record{
		ID:        id,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Schema:    view.Version(),
		Fields:    fields,
	}

	unlock := p.locks.lock(m.Entity, id)
	defer unlock()

	var pend pending
	err = p.rows.DB().Update(func(tx *bolt.Tx) error {
		existing, err := p.rows.GetTx(tx, m.Entity, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return types.UniqueViolation(m.Entity, "id", types.UUID(id))
		}
		if err := p.constraints.CheckWrite(tx, view, ent, rec); err != nil {
			return err
		}
		if err := p.rows.PutTx(tx, m.Entity, rec); err != nil {
			return err
		}
		if err := p.rows.BumpCountTx(tx, m.Entity, 1); err != nil {
			return err
		}
		if err := p.indexAddTx(tx, view, ent, rec); err != nil {
			return err
		}
		after, err := codec.EncodeRecord(rec)
		if err != nil {
			return types.Internal(err)
		}
		entry := &types.ChangeEntry{
			TS:     now,
			Entity: m.Entity,
			ID:     id,
			Op:     types.OpInsert,
			After:  after,
		}
		if err := p.clog.AppendTx(tx, entry); err != nil {
			return err
		}
		pend.entries = append(pend.entries, entry)
		pend.applied = append(pend.applied, appliedRow{m.Entity, rec})
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.commitEffects(&pend)
	metrics.RowsLive.WithLabelValues(m.Entity).Inc()
	return &Result{Entity: m.Entity, Op: types.OpInsert, Records: []*types.Record{rec}}, nil
}

func (p *Pipeline) applyUpdate(ctx context.Context, m *Update) (*Result, error) {
	view := p.cat.Snapshot()
	ent, err := view.Entity(m.Entity)
	if err != nil {
		return nil, err
	}
	fields, err := view.ValidateFields(ent, m.Fields)
	if err != nil {
		return nil, err
	}
	if _, hasID := fields["id"]; hasID {
		return nil, types.Validation(m.Entity, "id", "identity is immutable")
	}

	ids, explicit, err := p.targets(ctx, m.Entity, m.ID, m.Filter)
	if err != nil {
		return nil, err
	}

	res := &Result{Entity: m.Entity, Op: types.OpUpdate}
	for _, id := range ids {
		rec, err := p.updateOne(view, ent, id, fields, m.ExpectedVersion, explicit)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

// updateOne applies the field changes to a single record. Filter-resolved
// targets that died since resolution are skipped; explicit ids fail.
func (p *Pipeline) updateOne(view *catalog.View, ent *catalog.Entity, id types.ID, fields types.FieldMap, expected *uint64, explicit bool) (*types.Record, error) {
	unlock := p.locks.lock(ent.Name, id)
	defer unlock()

	var pend pending
	var updated *types.Record
	err := p.rows.DB().Update(func(tx *bolt.Tx) error {
		existing, err := p.rows.GetTx(tx, ent.Name, id)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Live() {
			if explicit {
				return types.NotFound(ent.Name, id)
			}
			return nil
		}
		if expected != nil && *expected != existing.Version {
			return types.Conflict(*expected, existing.Version)
		}

		now := time.Now().UnixMicro()
		rec := existing.Clone()
		for name, v := range fields {
			rec.Fields[name] = v
		}
		rec.Version = existing.Version + 1
		rec.UpdatedAt = now
		rec.Schema = view.Version()
		view.FillReadDefaults(ent, rec)

		if err := p.constraints.CheckWrite(tx, view, ent, rec); err != nil {
			return err
		}
		if err := p.rows.PutTx(tx, ent.Name, rec); err != nil {
			return err
		}
		if err := p.indexDiffTx(tx, view, ent, existing, rec); err != nil {
			return err
		}

		before, err := codec.EncodeRecord(existing)
		if err != nil {
			return types.Internal(err)
		}
		after, err := codec.EncodeRecord(rec)
		if err != nil {
			return types.Internal(err)
		}
		entry := &types.ChangeEntry{
			TS:     now,
			Entity: ent.Name,
			ID:     id,
			Op:     types.OpUpdate,
			Before: before,
			After:  after,
		}
		if err := p.clog.AppendTx(tx, entry); err != nil {
			return err
		}
		pend.entries = append(pend.entries, entry)
		pend.applied = append(pend.applied, appliedRow{ent.Name, rec})
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.commitEffects(&pend)
	return updated, nil
}

func (p *Pipeline) applyDelete(ctx context.Context, m *Delete) (*Result, error) {
	view := p.cat.Snapshot()
	ent, err := view.Entity(m.Entity)
	if err != nil {
		return nil, err
	}
	ids, explicit, err := p.targets(ctx, m.Entity, m.ID, m.Filter)
	if err != nil {
		return nil, err
	}

	res := &Result{Entity: m.Entity, Op: types.OpDelete}
	for _, id := range ids {
		rec, err := p.deleteRoot(view, ent, id, m.ExpectedVersion, m.Cascade, explicit)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

func (p *Pipeline) deleteRoot(view *catalog.View, ent *catalog.Entity, id types.ID, expected *uint64, force, explicit bool) (*types.Record, error) {
	unlock := p.locks.lock(ent.Name, id)
	defer unlock()

	var pend pending
	var deleted *types.Record
	err := p.rows.DB().Update(func(tx *bolt.Tx) error {
		existing, err := p.rows.GetTx(tx, ent.Name, id)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Live() {
			if explicit {
				return types.NotFound(ent.Name, id)
			}
			return nil
		}
		if expected != nil && *expected != existing.Version {
			return types.Conflict(*expected, existing.Version)
		}
		visiting := map[types.ID]struct{}{}
		if err := p.deleteTx(tx, view, ent.Name, existing, 0, visiting, force, &pend); err != nil {
			return err
		}
		deleted = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.commitEffects(&pend)
	return deleted, nil
}

// deleteTx tombstones one record: children first per the declared rules, so
// within a cascade the parent's change entry is appended last.
func (p *Pipeline) deleteTx(tx *bolt.Tx, view *catalog.View, entity string, rec *types.Record, depth int, visiting map[types.ID]struct{}, force bool, pend *pending) error {
	ent, err := view.Entity(entity)
	if err != nil {
		return err
	}
	visiting[rec.ID] = struct{}{}

	if err := p.constraints.ApplyDeleteRules(tx, view, ent, rec, &cascadeMutator{p: p, pend: pend}, depth, visiting, force); err != nil {
		return err
	}

	now := time.Now().UnixMicro()
	dead := rec.Clone()
	dead.Version = rec.Version + 1
	dead.UpdatedAt = now
	dead.DeletedAt = now

	if err := p.rows.PutTx(tx, entity, dead); err != nil {
		return err
	}
	if err := p.rows.BumpCountTx(tx, entity, -1); err != nil {
		return err
	}
	// Indexes hold live records only.
	if err := p.indexRemoveTx(tx, view, ent, rec); err != nil {
		return err
	}

	before, err := codec.EncodeRecord(rec)
	if err != nil {
		return types.Internal(err)
	}
	entry := &types.ChangeEntry{
		TS:     now,
		Entity: entity,
		ID:     rec.ID,
		Op:     types.OpDelete,
		Before: before,
	}
	if err := p.clog.AppendTx(tx, entry); err != nil {
		return err
	}
	pend.entries = append(pend.entries, entry)
	pend.applied = append(pend.applied, appliedRow{entity, dead})
	if depth > 0 {
		metrics.CascadeDeletes.Inc()
	}
	metrics.RowsLive.WithLabelValues(entity).Dec()
	return nil
}

// cascadeMutator routes constraint-engine callbacks back through the
// pipeline inside the same transaction.
type cascadeMutator struct {
	p    *Pipeline
	pend *pending
}

func (c *cascadeMutator) CascadeDelete(tx *bolt.Tx, view *catalog.View, entity string, rec *types.Record, depth int, visiting map[types.ID]struct{}, force bool) error {
	return c.p.deleteTx(tx, view, entity, rec, depth, visiting, force, c.pend)
}

func (c *cascadeMutator) ClearReference(tx *bolt.Tx, view *catalog.View, entity string, rec *types.Record, field string) error {
	now := time.Now().UnixMicro()
	updated := rec.Clone()
	old := updated.Fields[field]
	updated.Fields[field] = types.Null()
	updated.Version = rec.Version + 1
	updated.UpdatedAt = now

	if err := c.p.rows.PutTx(tx, entity, updated); err != nil {
		return err
	}
	if view.HashIndexed(entity, field) {
		if err := c.p.hash.RemoveTx(tx, entity, field, old, rec.ID); err != nil {
			return err
		}
	}
	if err := c.p.btree.RemoveTx(tx, entity, field, old, rec.ID); err != nil {
		return err
	}

	before, err := codec.EncodeRecord(rec)
	if err != nil {
		return types.Internal(err)
	}
	after, err := codec.EncodeRecord(updated)
	if err != nil {
		return types.Internal(err)
	}
	entry := &types.ChangeEntry{
		TS:     now,
		Entity: entity,
		ID:     rec.ID,
		Op:     types.OpUpdate,
		Before: before,
		After:  after,
	}
	if err := c.p.clog.AppendTx(tx, entry); err != nil {
		return err
	}
	c.pend.entries = append(c.pend.entries, entry)
	c.pend.applied = append(c.pend.applied, appliedRow{entity, updated})
	return nil
}

func (p *Pipeline) applyUpsert(ctx context.Context, m *Upsert) (*Result, error) {
	view := p.cat.Snapshot()
	ent, err := view.Entity(m.Entity)
	if err != nil {
		return nil, err
	}
	if len(m.ConflictFields) == 0 {
		return nil, types.Validation(m.Entity, "", "upsert requires conflict fields")
	}
	fields, err := view.ValidateFields(ent, m.Fields)
	if err != nil {
		return nil, err
	}

	existing, err := p.findConflict(ent, m.ConflictFields, fields)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		res, err := p.applyInsert(ctx, &Insert{Entity: m.Entity, Fields: m.Fields})
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	updateFields := types.FieldMap{}
	if m.UpdateFields != nil {
		for _, name := range m.UpdateFields {
			if v, ok := fields[name]; ok {
				updateFields[name] = v
			}
		}
	} else {
		for name, v := range fields {
			if name == "id" {
				continue
			}
			updateFields[name] = v
		}
	}

	rec, err := p.updateOne(view, ent, existing.ID, updateFields, nil, true)
	if err != nil {
		return nil, err
	}
	return &Result{Entity: m.Entity, Op: types.OpUpdate, Records: []*types.Record{rec}}, nil
}

// findConflict resolves the live record matching every conflict field, via
// hash lookups verified against rows.
func (p *Pipeline) findConflict(ent *catalog.Entity, conflictFields []string, fields types.FieldMap) (*types.Record, error) {
	var candidates []types.ID
	for i, name := range conflictFields {
		v, ok := fields[name]
		if !ok || v.IsNull() {
			return nil, types.Validation(ent.Name, name, "conflict field missing from field map")
		}
		ids, err := p.hash.Lookup(ent.Name, name, v)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			candidates = ids
			continue
		}
		member := map[types.ID]struct{}{}
		for _, id := range ids {
			member[id] = struct{}{}
		}
		var next []types.ID
		for _, id := range candidates {
			if _, ok := member[id]; ok {
				next = append(next, id)
			}
		}
		candidates = next
	}
	for _, id := range candidates {
		rec, err := p.rows.Get(ent.Name, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.Live() {
			continue
		}
		all := true
		for _, name := range conflictFields {
			if !hashindex.Verify(rec, name, fields[name]) {
				all = false
				break
			}
		}
		if all {
			return rec, nil
		}
	}
	return nil, nil
}

// targets resolves the addressed ids of an update or delete.
func (p *Pipeline) targets(ctx context.Context, entity string, id *types.ID, f *query.Filter) ([]types.ID, bool, error) {
	if id != nil {
		return []types.ID{*id}, true, nil
	}
	if f == nil {
		return nil, false, types.Validation(entity, "", "mutation addresses neither id nor filter")
	}
	if p.resolve == nil {
		return nil, false, types.Internal(errors.New("no filter resolver attached"))
	}
	ids, err := p.resolve(ctx, entity, f)
	return ids, false, err
}

// indexAddTx registers a record in every maintained index.
func (p *Pipeline) indexAddTx(tx *bolt.Tx, view *catalog.View, ent *catalog.Entity, rec *types.Record) error {
	for name, v := range rec.Fields {
		if view.HashIndexed(ent.Name, name) {
			if err := p.hash.AddTx(tx, ent.Name, name, v, rec.ID); err != nil {
				return err
			}
		}
		if err := p.btree.AddTx(tx, ent.Name, name, v, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// indexRemoveTx removes every index entry of a record.
func (p *Pipeline) indexRemoveTx(tx *bolt.Tx, view *catalog.View, ent *catalog.Entity, rec *types.Record) error {
	for name, v := range rec.Fields {
		if view.HashIndexed(ent.Name, name) {
			if err := p.hash.RemoveTx(tx, ent.Name, name, v, rec.ID); err != nil {
				return err
			}
		}
		if err := p.btree.RemoveTx(tx, ent.Name, name, v, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// indexDiffTx updates indexes for the fields that changed between versions.
func (p *Pipeline) indexDiffTx(tx *bolt.Tx, view *catalog.View, ent *catalog.Entity, old, new *types.Record) error {
	touched := map[string]struct{}{}
	for name := range old.Fields {
		touched[name] = struct{}{}
	}
	for name := range new.Fields {
		touched[name] = struct{}{}
	}
	for name := range touched {
		oldV, hasOld := old.Fields[name]
		newV, hasNew := new.Fields[name]
		if hasOld && hasNew && types.Equal(oldV, newV) {
			continue
		}
		if hasOld {
			if view.HashIndexed(ent.Name, name) {
				if err := p.hash.RemoveTx(tx, ent.Name, name, oldV, old.ID); err != nil {
					return err
				}
			}
			if err := p.btree.RemoveTx(tx, ent.Name, name, oldV, old.ID); err != nil {
				return err
			}
		}
		if hasNew {
			if view.HashIndexed(ent.Name, name) {
				if err := p.hash.AddTx(tx, ent.Name, name, newV, new.ID); err != nil {
					return err
				}
			}
			if err := p.btree.AddTx(tx, ent.Name, name, newV, new.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// commitEffects publishes a committed mutation: changelog subscribers, the
// columnar projection, and position metrics.
func (p *Pipeline) commitEffects(pend *pending) {
	if len(pend.entries) > 0 {
		p.clog.Committed(pend.entries)
		metrics.ChangelogAppends.Add(float64(len(pend.entries)))
		metrics.ChangelogLastLSN.Set(float64(pend.entries[len(pend.entries)-1].LSN))
	}
	for _, a := range pend.applied {
		p.cols.Apply(a.entity, a.rec)
	}
}
