package mutation

import (
	"github.com/Skelf-Research/ormdb/pkg/query"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Mutation is one element of the mutation IR.
type Mutation interface {
	EntityName() string
}

// Insert creates a record. An "id" entry in Fields fixes the identity;
// otherwise one is minted.
type Insert struct {
	Entity string
	Fields types.FieldMap
}

func (m *Insert) EntityName() string { return m.Entity }

// Update mutates the record addressed by ID, or every record matching
// Filter. ExpectedVersion enables optimistic concurrency: a mismatch fails
// with TransactionConflict.
type Update struct {
	Entity          string
	ID              *types.ID
	Filter          *query.Filter
	Fields          types.FieldMap
	ExpectedVersion *uint64
}

func (m *Update) EntityName() string { return m.Entity }

// Delete tombstones the addressed record(s), applying declared delete rules
// to referencing records. Cascade additionally turns restrict rules into
// cascades for this delete.
type Delete struct {
	Entity          string
	ID              *types.ID
	Filter          *query.Filter
	Cascade         bool
	ExpectedVersion *uint64
}

func (m *Delete) EntityName() string { return m.Entity }

// Upsert inserts, or updates the live record matching ConflictFields.
// UpdateFields restricts which fields an update path writes; nil writes
// every provided field.
type Upsert struct {
	Entity         string
	Fields         types.FieldMap
	ConflictFields []string
	UpdateFields   []string
}

func (m *Upsert) EntityName() string { return m.Entity }

// Result reports the records a mutation touched directly (cascaded records
// surface only in the change log).
type Result struct {
	Entity  string
	Op      types.Op
	Records []*types.Record
}

// First returns the first touched record, nil when none matched.
func (r *Result) First() *types.Record {
	if r == nil || len(r.Records) == 0 {
		return nil
	}
	return r.Records[0]
}
