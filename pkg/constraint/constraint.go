package constraint

import (
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/hashindex"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// DefaultMaxCascadeDepth bounds delete cascades.
const DefaultMaxCascadeDepth = 5

// Engine enforces unique, foreign-key and check constraints on every write,
// and drives the declared delete behavior (cascade, set-null, restrict)
// when a record is deleted. It runs inside the mutation pipeline's write
// transaction.
type Engine struct {
	rows     *rowstore.Store
	hash     *hashindex.Index
	maxDepth int
	logger   zerolog.Logger
}

// New builds the engine over the row store and hash index.
func New(rows *rowstore.Store, hash *hashindex.Index, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCascadeDepth
	}
	return &Engine{
		rows:     rows,
		hash:     hash,
		maxDepth: maxDepth,
		logger:   log.WithComponent("constraint"),
	}
}

// CheckWrite validates a record about to be written: unique constraints via
// the hash index (re-verified against rows), foreign keys resolving to live
// targets, and stored check predicates.
func (e *Engine) CheckWrite(tx *bolt.Tx, view *catalog.View, ent *catalog.Entity, rec *types.Record) error {
	for i := range ent.Fields {
		f := &ent.Fields[i]
		if !e.uniqueField(view, ent.Name, f) {
			continue
		}
		v, ok := rec.Fields[f.Name]
		if !ok || v.IsNull() {
			continue
		}
		ids, err := e.hash.LookupTx(tx, ent.Name, f.Name, v)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == rec.ID {
				continue
			}
			other, err := e.rows.GetTx(tx, ent.Name, id)
			if err != nil {
				return err
			}
			if hashindex.Verify(other, f.Name, v) {
				return types.UniqueViolation(ent.Name, f.Name, v)
			}
		}
	}

	for _, rel := range view.RelationsTo(ent.Name) {
		v, ok := rec.Fields[rel.ToField]
		if !ok || v.IsNull() {
			continue
		}
		live, err := e.targetLive(tx, rel, v)
		if err != nil {
			return err
		}
		if !live {
			return types.ForeignKeyViolation(ent.Name, rel.ToField, rel.From, v)
		}
	}

	return view.EvalChecks(ent, rec.Fields)
}

func (e *Engine) uniqueField(view *catalog.View, entity string, f *catalog.Field) bool {
	if f.Unique {
		return true
	}
	for _, ix := range view.Indexes(entity) {
		if ix.Field == f.Name && ix.Unique {
			return true
		}
	}
	return false
}

// targetLive resolves the referenced side of a foreign key and reports
// whether a live target exists.
func (e *Engine) targetLive(tx *bolt.Tx, rel *catalog.Relation, v types.Value) (bool, error) {
	if rel.FromField == "id" {
		if v.Kind() != types.KindUUID {
			return false, nil
		}
		target, err := e.rows.GetTx(tx, rel.From, v.UUID())
		if err != nil {
			return false, err
		}
		return target != nil && target.Live(), nil
	}
	ids, err := e.hash.LookupTx(tx, rel.From, rel.FromField, v)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		target, err := e.rows.GetTx(tx, rel.From, id)
		if err != nil {
			return false, err
		}
		if hashindex.Verify(target, rel.FromField, v) {
			return true, nil
		}
	}
	return false, nil
}
