package catalog

import (
	"fmt"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Grade classifies a schema change.
type Grade string

const (
	// GradeNonBreaking covers additive changes: new entities, relations,
	// nullable fields, indexes.
	GradeNonBreaking Grade = "non_breaking"
	// GradeBackfill covers adding a required field with a default; existing
	// rows fill the default lazily on read.
	GradeBackfill Grade = "backfill_required"
	// GradeBreaking covers field removal, type narrowing, and making a field
	// required without a default. Rejected unless forced.
	GradeBreaking Grade = "breaking"
)

// Apply grades the new bundle against the active one and installs it.
// Breaking bundles are rejected unless force is set; on force, mutations
// that would produce an invalid row fail at write time instead.
func (c *Catalog) Apply(b *Bundle, force bool) (Grade, error) {
	snap, err := resolve(b)
	if err != nil {
		return "", types.SchemaMismatch("", "", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b.Version <= c.cur.version {
		return "", types.SchemaMismatch("", "",
			fmt.Sprintf("schema version %d is not newer than active version %d", b.Version, c.cur.version))
	}

	grade := gradeChange(c.cur, snap)
	if grade == GradeBreaking && !force {
		return grade, types.SchemaMismatch("", "", "breaking schema change requires force")
	}

	c.cur = snap
	return grade, nil
}

func gradeChange(old, new *snapshot) Grade {
	grade := GradeNonBreaking
	for name, oldEnt := range old.entities {
		newEnt, ok := new.entities[name]
		if !ok {
			return GradeBreaking // entity removal
		}
		for _, oldField := range oldEnt.Fields {
			newField, ok := newEnt.Field(oldField.Name)
			if !ok {
				return GradeBreaking // field removal
			}
			if narrowed(oldField.Type, newField.Type) {
				return GradeBreaking
			}
			if oldField.Nullable && !newField.Nullable && newField.Default == nil {
				return GradeBreaking // required without default
			}
		}
		// New required fields on an existing entity.
		for _, newField := range newEnt.Fields {
			if _, existed := oldEnt.Field(newField.Name); existed {
				continue
			}
			if !newField.Nullable {
				if newField.Default == nil {
					return GradeBreaking
				}
				grade = GradeBackfill
			}
		}
	}
	return grade
}

// narrowed reports whether changing a field from old to new loses range.
// The widenings int32→int64 and float32→float64 are allowed; the reverse
// directions, and any cross-family change, are narrowing.
func narrowed(old, new types.Kind) bool {
	if old == new {
		return false
	}
	if old == types.KindInt32 && new == types.KindInt64 {
		return false
	}
	if old == types.KindFloat32 && new == types.KindFloat64 {
		return false
	}
	return true
}
