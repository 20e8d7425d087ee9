package constraint

import (
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/hashindex"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Mutator is the callback surface the mutation pipeline hands to the
// cascade walk, so child deletes and FK clears run through the full
// pipeline (row write, index maintenance, changelog entry).
type Mutator interface {
	// CascadeDelete tombstones a referencing child and recurses into its own
	// delete rules.
	CascadeDelete(tx *bolt.Tx, view *catalog.View, entity string, rec *types.Record, depth int, visiting map[types.ID]struct{}, force bool) error
	// ClearReference nulls the child's FK field.
	ClearReference(tx *bolt.Tx, view *catalog.View, entity string, rec *types.Record, field string) error
}

// ApplyDeleteRules walks every relation rooted at the record being deleted
// and applies the declared behavior. visiting holds the ids currently being
// cascade-processed: re-entering the set is a cycle and fails rather than
// looping. Depth counts cascade hops from the initial delete. force turns
// restrict rules into cascades, for deletes that explicitly requested
// cascading.
func (e *Engine) ApplyDeleteRules(tx *bolt.Tx, view *catalog.View, ent *catalog.Entity, rec *types.Record, m Mutator, depth int, visiting map[types.ID]struct{}, force bool) error {
	for _, rel := range view.RelationsFrom(ent.Name) {
		parentKey := e.parentKey(rel, rec)
		if parentKey.IsNull() {
			continue
		}
		children, err := e.liveChildren(tx, rel, parentKey)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}

		rule := rel.OnDelete
		if force && rule == catalog.DeleteRestrict {
			rule = catalog.DeleteCascade
		}
		switch rule {
		case catalog.DeleteRestrict:
			return types.RestrictViolation(ent.Name, rec.ID, len(children))

		case catalog.DeleteSetNull:
			childEnt, err := view.Entity(rel.To)
			if err != nil {
				return err
			}
			f, ok := childEnt.Field(rel.ToField)
			if !ok || !f.Nullable {
				return types.Validation(rel.To, rel.ToField,
					"set_null delete rule on a non-nullable foreign key")
			}
			for _, child := range children {
				if err := m.ClearReference(tx, view, rel.To, child, rel.ToField); err != nil {
					return err
				}
			}

		case catalog.DeleteCascade:
			if depth+1 > e.maxDepth {
				return types.MaxDepthExceeded(e.maxDepth)
			}
			for _, child := range children {
				if _, active := visiting[child.ID]; active {
					return types.CircularCascade(rel.To, child.ID)
				}
				if err := m.CascadeDelete(tx, view, rel.To, child, depth+1, visiting, force); err != nil {
					return err
				}
			}

		default:
			// Relations without a declared rule restrict, the safe default.
			return types.RestrictViolation(ent.Name, rec.ID, len(children))
		}
	}
	return nil
}

func (e *Engine) parentKey(rel *catalog.Relation, rec *types.Record) types.Value {
	if rel.FromField == "id" {
		return types.UUID(rec.ID)
	}
	v, ok := rec.Fields[rel.FromField]
	if !ok {
		return types.Null()
	}
	return v
}

// HasLiveReferences reports whether any live record still references this
// one through a declared relation. Compaction refuses to physically remove
// tombstones that are still referenced.
func (e *Engine) HasLiveReferences(tx *bolt.Tx, view *catalog.View, ent *catalog.Entity, rec *types.Record) (bool, error) {
	for _, rel := range view.RelationsFrom(ent.Name) {
		parentKey := e.parentKey(rel, rec)
		if parentKey.IsNull() {
			continue
		}
		children, err := e.liveChildren(tx, rel, parentKey)
		if err != nil {
			return false, err
		}
		if len(children) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// liveChildren resolves referencing child records through the FK hash index,
// re-verifying each candidate against its row.
func (e *Engine) liveChildren(tx *bolt.Tx, rel *catalog.Relation, parentKey types.Value) ([]*types.Record, error) {
	ids, err := e.hash.LookupTx(tx, rel.To, rel.ToField, parentKey)
	if err != nil {
		return nil, err
	}
	var out []*types.Record
	for _, id := range ids {
		child, err := e.rows.GetTx(tx, rel.To, id)
		if err != nil {
			return nil, err
		}
		if hashindex.Verify(child, rel.ToField, parentKey) {
			out = append(out, child)
		}
	}
	return out, nil
}
