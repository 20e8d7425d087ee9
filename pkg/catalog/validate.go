package catalog

import (
	"fmt"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// ValidateFields checks field names and types of an incoming field map
// against the entity, applying the two tolerated widenings, and returns the
// coerced map. Unknown fields and type mismatches fail; nullability of
// omitted fields is enforced by FillDefaults at write time.
func (v *View) ValidateFields(entity *Entity, fields types.FieldMap) (types.FieldMap, error) {
	out := make(types.FieldMap, len(fields))
	for name, val := range fields {
		if name == "id" {
			if val.Kind() != types.KindUUID {
				return nil, types.Validation(entity.Name, "id", "id must be a uuid")
			}
			out[name] = val
			continue
		}
		f, ok := entity.Field(name)
		if !ok {
			return nil, types.Validation(entity.Name, name, "unknown field")
		}
		if val.IsNull() {
			if !f.Nullable {
				return nil, types.Validation(entity.Name, name, "field is not nullable")
			}
			out[name] = val
			continue
		}
		coerced, ok := val.Widen(f.Type)
		if !ok {
			return nil, types.SchemaMismatch(entity.Name, name,
				fmt.Sprintf("expected %s, got %s", f.Type, val.Kind()))
		}
		out[name] = coerced
	}
	return out, nil
}

// FillDefaults populates missing required fields from declared defaults.
// A required field with neither a value nor a default is a validation error.
func (v *View) FillDefaults(entity *Entity, fields types.FieldMap) error {
	for i := range entity.Fields {
		f := &entity.Fields[i]
		if _, present := fields[f.Name]; present {
			continue
		}
		switch {
		case f.Default != nil:
			fields[f.Name] = *f.Default
		case f.Nullable:
			fields[f.Name] = types.Null()
		default:
			return types.Validation(entity.Name, f.Name, "required field missing")
		}
	}
	return nil
}

// FillReadDefaults backfills fields added by a later schema version into a
// record read from disk, without failing on rows written before the field
// existed. Defaults fill lazily on read per the graded-apply contract.
func (v *View) FillReadDefaults(entity *Entity, rec *types.Record) {
	if rec.Schema == v.snap.version {
		return
	}
	for i := range entity.Fields {
		f := &entity.Fields[i]
		if _, present := rec.Fields[f.Name]; present {
			continue
		}
		if f.Default != nil {
			rec.Fields[f.Name] = *f.Default
		} else if f.Nullable {
			rec.Fields[f.Name] = types.Null()
		}
	}
}

// EvalChecks runs the entity's stored predicates against a field map.
func (v *View) EvalChecks(entity *Entity, fields types.FieldMap) error {
	for _, c := range entity.Checks {
		val, ok := fields[c.Field]
		if !ok || val.IsNull() {
			// Null never violates a comparison check; non-null enforcement
			// is the field's nullability.
			continue
		}
		cmp := types.Compare(val, c.Value)
		var pass bool
		switch c.Op {
		case CheckEq:
			pass = cmp == 0
		case CheckNe:
			pass = cmp != 0
		case CheckLt:
			pass = cmp < 0
		case CheckLe:
			pass = cmp <= 0
		case CheckGt:
			pass = cmp > 0
		case CheckGe:
			pass = cmp >= 0
		default:
			return types.CheckViolation(entity.Name, c.Name, fmt.Sprintf("unknown check op %q", c.Op))
		}
		if !pass {
			return types.CheckViolation(entity.Name, c.Name,
				fmt.Sprintf("check %s failed: %s %s %s is false",
					c.Name, val.Display(), c.Op, c.Value.Display()))
		}
	}
	return nil
}
