package query

import (
	"strconv"
	"strings"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
)

// AccessKind is the chosen access method for one filter node.
type AccessKind int

const (
	// AccessScan walks the entity's columnar projection.
	AccessScan AccessKind = iota
	// AccessHashEq looks one value up in the hash index.
	AccessHashEq
	// AccessHashIn unions hash lookups for an in-list.
	AccessHashIn
	// AccessRange walks a b-tree range; builds the tree on first use.
	AccessRange
	// AccessPrefix walks a b-tree prefix range (like 'prefix%').
	AccessPrefix
	// AccessIntersect intersects child id sets, smallest first.
	AccessIntersect
	// AccessUnion unions child id sets.
	AccessUnion
)

func (k AccessKind) String() string {
	switch k {
	case AccessScan:
		return "scan"
	case AccessHashEq:
		return "hash_eq"
	case AccessHashIn:
		return "hash_in"
	case AccessRange:
		return "range"
	case AccessPrefix:
		return "prefix"
	case AccessIntersect:
		return "intersect"
	case AccessUnion:
		return "union"
	}
	return "unknown"
}

// AccessPlan mirrors the filter tree shape, carrying only structural
// choices; literal values are bound from the live filter at execution, so
// one cached plan serves every instantiation of the shape.
type AccessPlan struct {
	Kind     AccessKind
	Field    string
	Children []*AccessPlan
}

// Plan is the cached outcome of planning one query shape.
type Plan struct {
	Entity string
	Access *AccessPlan
	// Projection is the field set to materialize: requested fields plus
	// those needed by filters, ordering and relation keys. Nil means all.
	Projection []string
	// IndexOrder is set when ordering and pagination ride the b-tree of the
	// single order-by field, enabling cursor pagination.
	IndexOrder bool
	OrderBy    []Order
}

// Fingerprint renders the structural identity of a query: shape, operators,
// field and relation names — no literals.
func Fingerprint(q *GraphQuery) string {
	var sb strings.Builder
	sb.WriteString(q.Entity)
	sb.WriteByte('|')
	fingerprintFilter(&sb, q.Filter)
	sb.WriteByte('|')
	for _, o := range q.OrderBy {
		sb.WriteString(o.Field)
		if o.Desc {
			sb.WriteString(" desc")
		}
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	if q.Page != nil {
		if q.Page.Limit > 0 {
			sb.WriteString("lim")
		}
		if q.Page.Offset > 0 {
			sb.WriteString("off")
		}
		if q.Page.Cursor != "" {
			sb.WriteString("cur")
		}
	}
	sb.WriteByte('|')
	for _, f := range q.Fields {
		sb.WriteString(f)
		sb.WriteByte(',')
	}
	for _, inc := range q.Includes {
		fingerprintInclude(&sb, inc)
	}
	if q.IncludeDeleted {
		sb.WriteString("|deleted")
	}
	return sb.String()
}

func fingerprintFilter(sb *strings.Builder, f *Filter) {
	if f == nil {
		sb.WriteByte('-')
		return
	}
	sb.WriteString(string(f.Op))
	if f.Field != "" {
		sb.WriteByte(':')
		sb.WriteString(f.Field)
	}
	if f.Op == OpIn || f.Op == OpNotIn {
		// Arity matters for in-lists even though values do not.
		sb.WriteByte('#')
		sb.WriteString(strconv.Itoa(len(f.Values)))
	}
	if len(f.Children) > 0 {
		sb.WriteByte('(')
		for i, c := range f.Children {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fingerprintFilter(sb, c)
		}
		sb.WriteByte(')')
	}
}

func fingerprintInclude(sb *strings.Builder, inc *Include) {
	sb.WriteString("|inc:")
	sb.WriteString(inc.Relation)
	sb.WriteByte('[')
	fingerprintFilter(sb, inc.Filter)
	for _, o := range inc.OrderBy {
		sb.WriteByte(';')
		sb.WriteString(o.Field)
		if o.Desc {
			sb.WriteString(" desc")
		}
	}
	if inc.Limit > 0 {
		sb.WriteString(";lim")
	}
	for _, nested := range inc.Includes {
		fingerprintInclude(sb, nested)
	}
	sb.WriteByte(']')
}

// planner chooses access methods against the schema and the current b-tree
// built-state.
type planner struct {
	view  *catalog.View
	built func(entity, field string) bool
}

// plan translates a query into a Plan.
func (p *planner) plan(q *GraphQuery) *Plan {
	pl := &Plan{
		Entity:  q.Entity,
		Access:  p.planFilter(q.Entity, q.Filter),
		OrderBy: q.OrderBy,
	}

	// Ordering rides the index when there is exactly one order-by term on an
	// orderable field and the access path does not already bind another
	// index. Scans and ranges on the same field qualify.
	if len(q.OrderBy) == 1 {
		field := q.OrderBy[0].Field
		switch pl.Access.Kind {
		case AccessScan:
			pl.IndexOrder = true
		case AccessRange, AccessPrefix:
			pl.IndexOrder = pl.Access.Field == field
		}
	}

	pl.Projection = projection(q)
	return pl
}

func (p *planner) planFilter(entity string, f *Filter) *AccessPlan {
	if f == nil {
		return &AccessPlan{Kind: AccessScan}
	}
	switch f.Op {
	case OpEq:
		if p.view.HashIndexed(entity, f.Field) {
			return &AccessPlan{Kind: AccessHashEq, Field: f.Field}
		}
		return &AccessPlan{Kind: AccessScan}
	case OpIn:
		if p.view.HashIndexed(entity, f.Field) {
			return &AccessPlan{Kind: AccessHashIn, Field: f.Field}
		}
		return &AccessPlan{Kind: AccessScan}
	case OpLt, OpLe, OpGt, OpGe:
		return &AccessPlan{Kind: AccessRange, Field: f.Field}
	case OpLike:
		if _, ok := prefixPattern(f.Value.Str()); ok {
			return &AccessPlan{Kind: AccessPrefix, Field: f.Field}
		}
		return &AccessPlan{Kind: AccessScan}
	case OpAnd:
		children := make([]*AccessPlan, 0, len(f.Children))
		indexed := 0
		for _, c := range f.Children {
			ap := p.planFilter(entity, c)
			children = append(children, ap)
			if ap.Kind != AccessScan {
				indexed++
			}
		}
		if indexed == 0 {
			return &AccessPlan{Kind: AccessScan}
		}
		return &AccessPlan{Kind: AccessIntersect, Children: children}
	case OpOr:
		children := make([]*AccessPlan, 0, len(f.Children))
		for _, c := range f.Children {
			ap := p.planFilter(entity, c)
			if ap.Kind == AccessScan {
				// One scanning child makes the whole union a scan.
				return &AccessPlan{Kind: AccessScan}
			}
			children = append(children, ap)
		}
		return &AccessPlan{Kind: AccessUnion, Children: children}
	}
	return &AccessPlan{Kind: AccessScan}
}

// projection restricts materialization to requested fields plus everything
// filters, ordering and relation keys need. Nil (all fields) when the query
// requested all fields.
func projection(q *GraphQuery) []string {
	if len(q.Fields) == 0 {
		return nil
	}
	need := map[string]struct{}{}
	for _, f := range q.Fields {
		need[f] = struct{}{}
	}
	fieldsOf(q.Filter, need)
	for _, o := range q.OrderBy {
		need[o.Field] = struct{}{}
	}
	out := make([]string, 0, len(need))
	for f := range need {
		out = append(out, f)
	}
	return out
}
