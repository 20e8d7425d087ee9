package query

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sort"

	gbtree "github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/Skelf-Research/ormdb/pkg/btreeindex"
	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/columnar"
	"github.com/Skelf-Research/ormdb/pkg/hashindex"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/metrics"
	"github.com/Skelf-Research/ormdb/pkg/plancache"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// ctxCheckStride is how many rows a scan processes between cancellation
// checks; index lookups and relation expansions check at every boundary.
const ctxCheckStride = 256

// Executor plans and runs graph queries against the stores.
type Executor struct {
	cat    *catalog.Catalog
	rows   *rowstore.Store
	cols   *columnar.Store
	hash   *hashindex.Index
	btree  *btreeindex.Index
	cache  *plancache.Cache[*Plan]
	logger zerolog.Logger
}

// New wires the executor.
func New(cat *catalog.Catalog, rows *rowstore.Store, cols *columnar.Store, hash *hashindex.Index, btree *btreeindex.Index, cache *plancache.Cache[*Plan]) *Executor {
	return &Executor{
		cat:    cat,
		rows:   rows,
		cols:   cols,
		hash:   hash,
		btree:  btree,
		cache:  cache,
		logger: log.WithComponent("query"),
	}
}

// Execute runs a graph query to completion or a terminal state.
func (ex *Executor) Execute(ctx context.Context, q *GraphQuery) (*Result, error) {
	timer := metrics.NewTimer()
	res, err := ex.execute(ctx, q)
	timer.ObserveDuration(metrics.QueryDuration)
	metrics.QueriesTotal.WithLabelValues(string(StateOf(err))).Inc()
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (ex *Executor) execute(ctx context.Context, q *GraphQuery) (*Result, error) {
	view := ex.cat.Snapshot()
	ent, err := view.Entity(q.Entity)
	if err != nil {
		return nil, err
	}

	plan, err := ex.planFor(view, q)
	if err != nil {
		return nil, err
	}

	budget := DefaultBudget()
	if q.Budget != nil {
		budget = q.Budget.withDefaults()
	}
	e := &execution{
		ex:     ex,
		ctx:    ctx,
		view:   view,
		budget: budget,
	}

	var roots []*types.Record
	var cursor string
	if plan.IndexOrder && len(q.OrderBy) == 1 {
		roots, cursor, err = e.rootIndexOrdered(ent, q, plan)
	} else {
		roots, err = e.rootTopK(ent, q, plan)
	}
	if err != nil {
		return nil, err
	}

	rb := newResultBuilder()
	rootBlock := rb.block(q.Entity)
	for _, rec := range roots {
		rb.firstSeen(q.Entity, rec.ID)
		rootBlock.Rows = append(rootBlock.Rows, project(rec, plan.Projection))
	}

	if err := e.expand(ent, roots, q.Includes, 1, rb); err != nil {
		return nil, err
	}

	metrics.QueryEntitiesReturned.Observe(float64(e.entities))
	res := rb.result()
	res.Cursor = cursor
	res.State = StateCompleted
	return res, nil
}

// ResolveIDs returns the ids of records matching the filter, in the order
// the access path yields them. Serves the aggregator and filter-addressed
// mutations.
func (ex *Executor) ResolveIDs(ctx context.Context, entity string, f *Filter, includeDeleted bool) ([]types.ID, error) {
	view := ex.cat.Snapshot()
	ent, err := view.Entity(entity)
	if err != nil {
		return nil, err
	}
	e := &execution{ex: ex, ctx: ctx, view: view, budget: Budget{
		MaxEntities: int(^uint(0) >> 1), MaxEdges: int(^uint(0) >> 1), MaxDepth: 1,
	}}

	pl := planner{view: view, built: ex.btree.Built}
	access := pl.planFilter(entity, f)
	return e.matchingIDs(ent, access, f, includeDeleted)
}

// planFor consults the plan cache before planning.
func (ex *Executor) planFor(view *catalog.View, q *GraphQuery) (*Plan, error) {
	fp := Fingerprint(q)
	if plan, ok := ex.cache.Get(fp); ok {
		return plan, nil
	}
	pl := planner{view: view, built: ex.btree.Built}
	plan := pl.plan(q)
	// Relation keys of includes join the projection.
	if plan.Projection != nil {
		for _, inc := range q.Includes {
			if rel, err := view.Relation(q.Entity, inc.Relation); err == nil && rel.FromField != "id" {
				plan.Projection = append(plan.Projection, rel.FromField)
			}
		}
	}
	ex.cache.Put(fp, plan)
	return plan, nil
}

// execution carries per-query state: budget counters and cancellation.
type execution struct {
	ex     *Executor
	ctx    context.Context
	view   *catalog.View
	budget Budget

	entities int
	edges    int
}

func (e *execution) checkCtx() error {
	select {
	case <-e.ctx.Done():
		if errors.Is(e.ctx.Err(), context.DeadlineExceeded) {
			return types.Timeout()
		}
		return types.Canceled()
	default:
		return nil
	}
}

func (e *execution) countEntity() error {
	e.entities++
	if e.entities > e.budget.MaxEntities {
		return types.BudgetExceeded("max_entities", e.budget.MaxEntities)
	}
	return nil
}

func (e *execution) countEdge() error {
	e.edges++
	if e.edges > e.budget.MaxEdges {
		return types.BudgetExceeded("max_edges", e.budget.MaxEdges)
	}
	return nil
}

// materialize loads the authoritative record, filters tombstones, and
// backfills read defaults of newer schema versions.
func (e *execution) materialize(ent *catalog.Entity, id types.ID, includeDeleted bool) (*types.Record, error) {
	rec, err := e.ex.rows.Get(ent.Name, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || (!rec.Live() && !includeDeleted) {
		return nil, nil
	}
	e.view.FillReadDefaults(ent, rec)
	return rec, nil
}

// matchingIDs resolves the access path and applies the full filter as
// residual verification against each candidate row.
func (e *execution) matchingIDs(ent *catalog.Entity, access *AccessPlan, f *Filter, includeDeleted bool) ([]types.ID, error) {
	ids, isScan, err := e.resolveAccess(ent.Name, access, f)
	if err != nil {
		return nil, err
	}

	if isScan {
		var out []types.ID
		n := 0
		err := e.ex.cols.Each(ent.Name, includeDeleted, func(r columnar.Row) error {
			n++
			if n%ctxCheckStride == 0 {
				if err := e.checkCtx(); err != nil {
					return err
				}
			}
			ok, err := Eval(f, r.Value)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, r.ID())
			}
			return nil
		})
		return out, err
	}

	var out []types.ID
	for i, id := range ids {
		if i%ctxCheckStride == 0 {
			if err := e.checkCtx(); err != nil {
				return nil, err
			}
		}
		rec, err := e.materialize(ent, id, includeDeleted)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		ok, err := Eval(f, recordGetter(rec))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// resolveAccess walks the access plan and the filter tree in lockstep,
// binding literal values from the live filter. A (nil, true, nil) return
// means the path degrades to a scan.
func (e *execution) resolveAccess(entity string, ap *AccessPlan, f *Filter) ([]types.ID, bool, error) {
	if err := e.checkCtx(); err != nil {
		return nil, false, err
	}
	switch ap.Kind {
	case AccessScan:
		return nil, true, nil

	case AccessHashEq:
		// The primary key resolves by point lookup, not a posting list.
		if ap.Field == "id" {
			if f.Value.Kind() != types.KindUUID {
				return nil, false, nil
			}
			return []types.ID{f.Value.UUID()}, false, nil
		}
		ids, err := e.ex.hash.Lookup(entity, ap.Field, f.Value)
		return ids, false, err

	case AccessHashIn:
		var ids []types.ID
		for _, v := range f.Values {
			if ap.Field == "id" {
				if v.Kind() == types.KindUUID {
					ids = append(ids, v.UUID())
				}
				continue
			}
			batch, err := e.ex.hash.Lookup(entity, ap.Field, v)
			if err != nil {
				return nil, false, err
			}
			ids = append(ids, batch...)
		}
		return dedupeIDs(ids), false, nil

	case AccessRange:
		if err := e.ex.ensureBuilt(entity, ap.Field); err != nil {
			return nil, false, err
		}
		var min, max []byte
		enc, err := codec.OrderEncode(nil, f.Value)
		if err != nil {
			return nil, true, nil // unencodable bound: fall back to scan
		}
		switch f.Op {
		case OpGe:
			min = enc
		case OpGt:
			// Exclusive-successor encoding of the bound.
			min = codec.PrefixSuccessor(enc)
			if min == nil {
				return nil, false, nil
			}
		case OpLe, OpLt:
			max = enc
		}
		var ids []types.ID
		err = e.ex.btree.ScanRange(entity, ap.Field, min, max, false, func(_ []byte, id types.ID) error {
			ids = append(ids, id)
			return nil
		})
		return ids, false, err

	case AccessPrefix:
		prefix, ok := prefixPattern(f.Value.Str())
		if !ok {
			return nil, true, nil
		}
		if err := e.ex.ensureBuilt(entity, ap.Field); err != nil {
			return nil, false, err
		}
		var ids []types.ID
		err := e.ex.btree.ScanPrefix(entity, ap.Field, []byte(prefix), func(_ []byte, id types.ID) error {
			ids = append(ids, id)
			return nil
		})
		return ids, false, err

	case AccessIntersect:
		// Resolve indexed children; scanning children stay residual.
		var sets [][]types.ID
		for i, child := range ap.Children {
			if child.Kind == AccessScan {
				continue
			}
			ids, isScan, err := e.resolveAccess(entity, child, f.Children[i])
			if err != nil {
				return nil, false, err
			}
			if isScan {
				continue
			}
			sets = append(sets, ids)
		}
		if len(sets) == 0 {
			return nil, true, nil
		}
		// Smallest set first makes the intersection cheapest.
		sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
		return intersect(sets), false, nil

	case AccessUnion:
		var ids []types.ID
		for i, child := range ap.Children {
			childIDs, isScan, err := e.resolveAccess(entity, child, f.Children[i])
			if err != nil {
				return nil, false, err
			}
			if isScan {
				return nil, true, nil
			}
			ids = append(ids, childIDs...)
		}
		return dedupeIDs(ids), false, nil
	}
	return nil, true, nil
}

// ensureBuilt triggers the lazy b-tree build for (entity, field) and drops
// the plan cache, since access choices depend on built-state.
func (ex *Executor) ensureBuilt(entity, field string) error {
	if ex.btree.Built(entity, field) {
		return nil
	}
	timer := metrics.NewTimer()
	if err := ex.btree.Build(entity, field, ex.cols.FieldSource(entity, field)); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.BTreeBuildDuration)
	metrics.BTreeBuilds.Inc()
	ex.cache.Invalidate("index build-state change")
	return nil
}

// rootTopK computes the root page without index ordering: match, sort with
// a bounded accumulator, slice the page.
func (e *execution) rootTopK(ent *catalog.Entity, q *GraphQuery, plan *Plan) ([]*types.Record, error) {
	ids, err := e.matchingIDs(ent, plan.Access, q.Filter, q.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	limit, offset := 0, 0
	if q.Page != nil {
		limit, offset = q.Page.Limit, q.Page.Offset
	}

	// Bounded top-k: when ordered and limited, an ordered accumulator keeps
	// only offset+limit records resident.
	if len(q.OrderBy) > 0 && limit > 0 {
		keep := offset + limit
		less := func(a, b *types.Record) bool { return recordLess(a, b, q.OrderBy) }
		tree := gbtree.NewG[*types.Record](16, less)
		for i, id := range ids {
			if i%ctxCheckStride == 0 {
				if err := e.checkCtx(); err != nil {
					return nil, err
				}
			}
			rec, err := e.materialize(ent, id, q.IncludeDeleted)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				continue
			}
			tree.ReplaceOrInsert(rec)
			if tree.Len() > keep {
				tree.DeleteMax()
			}
		}
		var page []*types.Record
		pos := 0
		tree.Ascend(func(rec *types.Record) bool {
			if pos >= offset {
				page = append(page, rec)
			}
			pos++
			return true
		})
		for range page {
			if err := e.countEntity(); err != nil {
				return nil, err
			}
		}
		return page, nil
	}

	// Unbounded: materialize all matches, sort if ordered, slice.
	var recs []*types.Record
	for i, id := range ids {
		if i%ctxCheckStride == 0 {
			if err := e.checkCtx(); err != nil {
				return nil, err
			}
		}
		rec, err := e.materialize(ent, id, q.IncludeDeleted)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	if len(q.OrderBy) > 0 {
		sort.SliceStable(recs, func(i, j int) bool { return recordLess(recs[i], recs[j], q.OrderBy) })
	}
	if offset > 0 {
		if offset >= len(recs) {
			recs = nil
		} else {
			recs = recs[offset:]
		}
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	for range recs {
		if err := e.countEntity(); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// rootIndexOrdered pages the root over the order-by field's b-tree, with an
// opaque cursor continuing where the previous page stopped.
func (e *execution) rootIndexOrdered(ent *catalog.Entity, q *GraphQuery, plan *Plan) ([]*types.Record, string, error) {
	order := q.OrderBy[0]
	if err := e.ex.ensureBuilt(ent.Name, order.Field); err != nil {
		return nil, "", err
	}

	limit, offset := 0, 0
	var cursorKey []byte
	if q.Page != nil {
		limit, offset = q.Page.Limit, q.Page.Offset
		if q.Page.Cursor != "" {
			decoded, err := base64.StdEncoding.DecodeString(q.Page.Cursor)
			if err != nil {
				return nil, "", types.Validation(ent.Name, "", "malformed pagination cursor")
			}
			cursorKey = decoded
		}
	}

	var min, max []byte
	if cursorKey != nil {
		if order.Desc {
			max = cursorKey
		} else {
			min = cursorKey
		}
	}

	var page []*types.Record
	var lastKey []byte
	skipped := 0
	seen := 0
	errStop := errors.New("page full")
	err := e.ex.btree.ScanRange(ent.Name, order.Field, min, max, order.Desc, func(enc []byte, id types.ID) error {
		seen++
		if seen%ctxCheckStride == 0 {
			if err := e.checkCtx(); err != nil {
				return err
			}
		}
		full := append(append([]byte(nil), enc...), id[:]...)
		// The cursor names the last delivered entry; skip it and anything
		// the bound re-admitted.
		if cursorKey != nil {
			if order.Desc && bytes.Compare(full, cursorKey) >= 0 {
				return nil
			}
			if !order.Desc && bytes.Compare(full, cursorKey) <= 0 {
				return nil
			}
		}
		rec, err := e.materialize(ent, id, q.IncludeDeleted)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		ok, err := Eval(q.Filter, recordGetter(rec))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if skipped < offset {
			skipped++
			return nil
		}
		if err := e.countEntity(); err != nil {
			return err
		}
		page = append(page, rec)
		lastKey = full
		if limit > 0 && len(page) >= limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, "", err
	}

	cursor := ""
	if limit > 0 && len(page) == limit && lastKey != nil {
		cursor = base64.StdEncoding.EncodeToString(lastKey)
	}
	return page, cursor, nil
}

// expand resolves includes: one fan-out per relation, children grouped by
// foreign key, per-parent limits applied per group, nested includes
// recursing on the child block.
func (e *execution) expand(ent *catalog.Entity, parents []*types.Record, includes []*Include, depth int, rb *resultBuilder) error {
	if len(includes) == 0 || len(parents) == 0 {
		return nil
	}
	if depth > e.budget.MaxDepth {
		return types.BudgetExceeded("max_depth", e.budget.MaxDepth)
	}

	for _, inc := range includes {
		if err := e.checkCtx(); err != nil {
			return err
		}
		rel, err := e.view.Relation(ent.Name, inc.Relation)
		if err != nil {
			return err
		}
		childEnt, err := e.view.Entity(rel.To)
		if err != nil {
			return err
		}

		// One batch per relation: resolve each distinct parent key once.
		type group struct {
			key      types.Value
			children []*types.Record
		}
		groups := map[string]*group{}
		keyOf := func(parent *types.Record) (types.Value, string) {
			var v types.Value
			if rel.FromField == "id" {
				v = types.UUID(parent.ID)
			} else {
				v = parent.Fields[rel.FromField]
			}
			if v.IsNull() {
				return v, ""
			}
			h := codec.HashValue(v)
			return v, string(h[:])
		}
		for _, parent := range parents {
			v, gk := keyOf(parent)
			if gk == "" || groups[gk] != nil {
				continue
			}
			g := &group{key: v}
			ids, err := e.ex.hash.Lookup(rel.To, rel.ToField, v)
			if err != nil {
				return err
			}
			for _, id := range ids {
				rec, err := e.materialize(childEnt, id, false)
				if err != nil {
					return err
				}
				if rec == nil || !hashindex.Verify(rec, rel.ToField, v) {
					continue
				}
				ok, err := Eval(inc.Filter, recordGetter(rec))
				if err != nil {
					return err
				}
				if ok {
					g.children = append(g.children, rec)
				}
			}
			if len(inc.OrderBy) > 0 {
				sort.SliceStable(g.children, func(i, j int) bool {
					return recordLess(g.children[i], g.children[j], inc.OrderBy)
				})
			}
			// Per-parent limit: top-N within the group.
			if inc.Limit > 0 && len(g.children) > inc.Limit {
				g.children = g.children[:inc.Limit]
			}
			groups[gk] = g
		}

		childProjection := includeProjection(inc, rel)
		childBlock := rb.block(rel.To)
		edges := rb.edges(inc.Relation)
		var distinctChildren []*types.Record
		for _, parent := range parents {
			_, gk := keyOf(parent)
			if gk == "" {
				continue
			}
			g := groups[gk]
			for _, child := range g.children {
				if err := e.countEdge(); err != nil {
					return err
				}
				edges.Edges = append(edges.Edges, Edge{Parent: parent.ID, Child: child.ID})
				if rb.firstSeen(rel.To, child.ID) {
					if err := e.countEntity(); err != nil {
						return err
					}
					childBlock.Rows = append(childBlock.Rows, project(child, childProjection))
					distinctChildren = append(distinctChildren, child)
				}
			}
		}

		if err := e.expand(childEnt, distinctChildren, inc.Includes, depth+1, rb); err != nil {
			return err
		}
	}
	return nil
}

func includeProjection(inc *Include, rel *catalog.Relation) []string {
	if len(inc.Fields) == 0 {
		return nil
	}
	need := map[string]struct{}{rel.ToField: {}}
	for _, f := range inc.Fields {
		need[f] = struct{}{}
	}
	fieldsOf(inc.Filter, need)
	for _, o := range inc.OrderBy {
		need[o.Field] = struct{}{}
	}
	out := make([]string, 0, len(need))
	for f := range need {
		out = append(out, f)
	}
	return out
}

// recordGetter adapts a record to filter evaluation; "id" resolves to the
// record identity.
func recordGetter(rec *types.Record) Getter {
	return func(field string) types.Value {
		if field == "id" {
			return types.UUID(rec.ID)
		}
		v, ok := rec.Fields[field]
		if !ok {
			return types.Null()
		}
		return v
	}
}

// recordLess orders records by the order-by terms with the id as the
// deterministic tiebreak.
func recordLess(a, b *types.Record, orderBy []Order) bool {
	for _, o := range orderBy {
		av := recordGetter(a)(o.Field)
		bv := recordGetter(b)(o.Field)
		cmp := types.Compare(av, bv)
		if cmp == 0 {
			continue
		}
		if o.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return types.CompareIDs(a.ID, b.ID) < 0
}

// project restricts a record to the projection field set; nil keeps all.
func project(rec *types.Record, fields []string) *types.Record {
	if fields == nil {
		return rec
	}
	out := *rec
	out.Fields = make(types.FieldMap, len(fields))
	for _, f := range fields {
		if v, ok := rec.Fields[f]; ok {
			out.Fields[f] = v
		}
	}
	return &out
}

func dedupeIDs(ids []types.ID) []types.ID {
	if len(ids) < 2 {
		return ids
	}
	sort.Slice(ids, func(i, j int) bool { return types.CompareIDs(ids[i], ids[j]) < 0 })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// intersect assumes sets[0] is the smallest and probes the rest.
func intersect(sets [][]types.ID) []types.ID {
	if len(sets) == 1 {
		return sets[0]
	}
	member := make([]map[types.ID]struct{}, len(sets)-1)
	for i, s := range sets[1:] {
		m := make(map[types.ID]struct{}, len(s))
		for _, id := range s {
			m[id] = struct{}{}
		}
		member[i] = m
	}
	var out []types.ID
	for _, id := range sets[0] {
		all := true
		for _, m := range member {
			if _, ok := m[id]; !ok {
				all = false
				break
			}
		}
		if all {
			out = append(out, id)
		}
	}
	return out
}

// resultBuilder accumulates entity and edge blocks.
type resultBuilder struct {
	blocks     []*EntityBlock
	blockIdx   map[string]*EntityBlock
	edgeBlocks []*EdgeBlock
	edgeIdx    map[string]*EdgeBlock
	seen       map[string]map[types.ID]struct{}
}

func newResultBuilder() *resultBuilder {
	return &resultBuilder{
		blockIdx: map[string]*EntityBlock{},
		edgeIdx:  map[string]*EdgeBlock{},
		seen:     map[string]map[types.ID]struct{}{},
	}
}

func (rb *resultBuilder) block(entity string) *EntityBlock {
	if b, ok := rb.blockIdx[entity]; ok {
		return b
	}
	b := &EntityBlock{Entity: entity}
	rb.blockIdx[entity] = b
	rb.blocks = append(rb.blocks, b)
	return b
}

func (rb *resultBuilder) edges(relation string) *EdgeBlock {
	if b, ok := rb.edgeIdx[relation]; ok {
		return b
	}
	b := &EdgeBlock{Relation: relation}
	rb.edgeIdx[relation] = b
	rb.edgeBlocks = append(rb.edgeBlocks, b)
	return b
}

// firstSeen marks an id in an entity block, reporting whether it was new.
func (rb *resultBuilder) firstSeen(entity string, id types.ID) bool {
	s, ok := rb.seen[entity]
	if !ok {
		s = map[types.ID]struct{}{}
		rb.seen[entity] = s
	}
	if _, dup := s[id]; dup {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (rb *resultBuilder) result() *Result {
	return &Result{Entities: rb.blocks, Edges: rb.edgeBlocks}
}
