package query

import (
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// FilterOp enumerates filter node kinds.
type FilterOp string

const (
	OpEq        FilterOp = "eq"
	OpNe        FilterOp = "ne"
	OpLt        FilterOp = "lt"
	OpLe        FilterOp = "le"
	OpGt        FilterOp = "gt"
	OpGe        FilterOp = "ge"
	OpLike      FilterOp = "like"
	OpILike     FilterOp = "ilike"
	OpIn        FilterOp = "in"
	OpNotIn     FilterOp = "not_in"
	OpIsNull    FilterOp = "is_null"
	OpIsNotNull FilterOp = "is_not_null"
	OpAnd       FilterOp = "and"
	OpOr        FilterOp = "or"
	OpNot       FilterOp = "not"
)

// Filter is one node of a filter tree. Leaves carry a field and literal(s);
// and/or/not carry children.
type Filter struct {
	Op       FilterOp
	Field    string
	Value    types.Value
	Values   []types.Value
	Children []*Filter
}

func Eq(field string, v types.Value) *Filter   { return &Filter{Op: OpEq, Field: field, Value: v} }
func Ne(field string, v types.Value) *Filter   { return &Filter{Op: OpNe, Field: field, Value: v} }
func Lt(field string, v types.Value) *Filter   { return &Filter{Op: OpLt, Field: field, Value: v} }
func Le(field string, v types.Value) *Filter   { return &Filter{Op: OpLe, Field: field, Value: v} }
func Gt(field string, v types.Value) *Filter   { return &Filter{Op: OpGt, Field: field, Value: v} }
func Ge(field string, v types.Value) *Filter   { return &Filter{Op: OpGe, Field: field, Value: v} }
func Like(field, pattern string) *Filter       { return &Filter{Op: OpLike, Field: field, Value: types.String(pattern)} }
func ILike(field, pattern string) *Filter      { return &Filter{Op: OpILike, Field: field, Value: types.String(pattern)} }
func IsNull(field string) *Filter              { return &Filter{Op: OpIsNull, Field: field} }
func IsNotNull(field string) *Filter           { return &Filter{Op: OpIsNotNull, Field: field} }
func In(field string, vs ...types.Value) *Filter {
	return &Filter{Op: OpIn, Field: field, Values: vs}
}
func NotIn(field string, vs ...types.Value) *Filter {
	return &Filter{Op: OpNotIn, Field: field, Values: vs}
}
func And(children ...*Filter) *Filter { return &Filter{Op: OpAnd, Children: children} }
func Or(children ...*Filter) *Filter  { return &Filter{Op: OpOr, Children: children} }
func Not(child *Filter) *Filter       { return &Filter{Op: OpNot, Children: []*Filter{child}} }

// Order is one order-by term.
type Order struct {
	Field string
	Desc  bool
}

// Pagination selects a page of the root result: offset/limit, or an opaque
// cursor from a previous index-ordered page.
type Pagination struct {
	Limit  int
	Offset int
	Cursor string
}

// Include replicates the query one level down through a named relation.
// Limit applies per parent.
type Include struct {
	Relation string
	Fields   []string
	Filter   *Filter
	OrderBy  []Order
	Limit    int
	Includes []*Include
}

// Budget caps execution. Zero fields take the defaults.
type Budget struct {
	MaxEntities int
	MaxEdges    int
	MaxDepth    int
}

// DefaultBudget returns the standard execution caps.
func DefaultBudget() Budget {
	return Budget{MaxEntities: 10000, MaxEdges: 50000, MaxDepth: 5}
}

func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.MaxEntities <= 0 {
		b.MaxEntities = d.MaxEntities
	}
	if b.MaxEdges <= 0 {
		b.MaxEdges = d.MaxEdges
	}
	if b.MaxDepth <= 0 {
		b.MaxDepth = d.MaxDepth
	}
	return b
}

// GraphQuery is the query IR the core executes. Fields nil means all fields.
type GraphQuery struct {
	Entity         string
	Fields         []string
	Filter         *Filter
	OrderBy        []Order
	Page           *Pagination
	Includes       []*Include
	Budget         *Budget
	IncludeDeleted bool
}
