package query

import (
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// State is the lifecycle of an executing query.
type State string

const (
	StatePlanned        State = "planned"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateBudgetExceeded State = "budget_exceeded"
	StateCanceled       State = "canceled"
	StateErrored        State = "errored"
)

// StateOf maps a terminal error to its state.
func StateOf(err error) State {
	if err == nil {
		return StateCompleted
	}
	switch types.CodeOf(err) {
	case types.CodeBudgetExceeded:
		return StateBudgetExceeded
	case types.CodeCanceled, types.CodeTimeout:
		return StateCanceled
	}
	return StateErrored
}

// EntityBlock carries the projected rows of one entity type referenced by
// the query. The root block preserves result order; other blocks are keyed
// by id with no order contract.
type EntityBlock struct {
	Entity string
	Rows   []*types.Record
}

// Edge is one traversed relation pair.
type Edge struct {
	Parent types.ID
	Child  types.ID
}

// EdgeBlock carries the (parent, child) pairs of one traversed relation.
type EdgeBlock struct {
	Relation string
	Edges    []Edge
}

// Result is the block-shaped answer of a graph query. Clients assemble the
// graph from entity and edge blocks.
type Result struct {
	Entities []*EntityBlock
	Edges    []*EdgeBlock
	// Cursor continues index-ordered pagination; empty when the page came back
	// short of its limit or the order was not index-backed. A last page that
	// exactly fills the limit still carries a cursor, whose next page is empty.
	Cursor string
	State  State
}

// Block returns the entity block for a type, nil when absent.
func (r *Result) Block(entity string) *EntityBlock {
	for _, b := range r.Entities {
		if b.Entity == entity {
			return b
		}
	}
	return nil
}

// EdgesFor returns the edge block for a relation, nil when absent.
func (r *Result) EdgesFor(relation string) *EdgeBlock {
	for _, b := range r.Edges {
		if b.Relation == relation {
			return b
		}
	}
	return nil
}
