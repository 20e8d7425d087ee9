package catalog

import (
	"fmt"
	"sync"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// IndexKind selects the index structure for a declared index.
type IndexKind string

const (
	IndexHash  IndexKind = "hash"
	IndexBTree IndexKind = "btree"
)

// Cardinality of a relation.
type Cardinality string

const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToOne  Cardinality = "many_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// DeleteRule is the declared behavior when the parent side of a relation is
// deleted.
type DeleteRule string

const (
	DeleteCascade  DeleteRule = "cascade"
	DeleteSetNull  DeleteRule = "set_null"
	DeleteRestrict DeleteRule = "restrict"
)

// Field describes one typed scalar field of an entity.
type Field struct {
	Name     string
	Type     types.Kind
	Nullable bool
	Unique   bool
	Indexed  bool // maintained synchronously in the hash index
	Default  *types.Value
}

// CheckOp is the comparison operator of a check constraint.
type CheckOp string

const (
	CheckEq CheckOp = "eq"
	CheckNe CheckOp = "ne"
	CheckLt CheckOp = "lt"
	CheckLe CheckOp = "le"
	CheckGt CheckOp = "gt"
	CheckGe CheckOp = "ge"
)

// Check is a stored predicate evaluated against every written field map.
type Check struct {
	Name  string
	Field string
	Op    CheckOp
	Value types.Value
}

// Entity describes a named record type.
type Entity struct {
	Name   string
	Fields []Field
	Checks []Check

	byName map[string]int
}

// Field resolves a field by name.
func (e *Entity) Field(name string) (*Field, bool) {
	i, ok := e.byName[name]
	if !ok {
		return nil, false
	}
	return &e.Fields[i], true
}

// Relation is a named directed edge from a parent entity to a child entity.
// FromField is the parent-side key (typically the primary key), ToField the
// child-side foreign-key field.
type Relation struct {
	Name        string
	From        string
	FromField   string
	To          string
	ToField     string
	Cardinality Cardinality
	OnDelete    DeleteRule
}

// Index is a declared index descriptor.
type Index struct {
	Entity string
	Field  string
	Kind   IndexKind
	Unique bool
}

// Bundle is one versioned schema: entities, relations and indexes.
type Bundle struct {
	Version   uint64
	Entities  []*Entity
	Relations []*Relation
	Indexes   []*Index
}

// snapshot is an immutable, resolved view of one bundle.
type snapshot struct {
	version   uint64
	entities  map[string]*Entity
	relations map[string]*Relation // key entity + "." + relation name
	fromRels  map[string][]*Relation
	toRels    map[string][]*Relation
	indexes   map[string][]*Index // by entity
}

// Catalog holds the active schema bundle. Apply swaps the snapshot
// atomically; readers pin a View and see a consistent version throughout.
type Catalog struct {
	mu  sync.RWMutex
	cur *snapshot
}

// New returns an empty catalog at version 0.
func New() *Catalog {
	return &Catalog{cur: &snapshot{
		entities:  map[string]*Entity{},
		relations: map[string]*Relation{},
		fromRels:  map[string][]*Relation{},
		toRels:    map[string][]*Relation{},
		indexes:   map[string][]*Index{},
	}}
}

// Load installs a bundle without grading. Used at startup with the persisted
// bundle.
func (c *Catalog) Load(b *Bundle) error {
	snap, err := resolve(b)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cur = snap
	c.mu.Unlock()
	return nil
}

// Snapshot pins the current schema for the duration of an operation.
func (c *Catalog) Snapshot() *View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &View{snap: c.cur}
}

// Version returns the active schema version.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur.version
}

func resolve(b *Bundle) (*snapshot, error) {
	snap := &snapshot{
		version:   b.Version,
		entities:  make(map[string]*Entity, len(b.Entities)),
		relations: map[string]*Relation{},
		fromRels:  map[string][]*Relation{},
		toRels:    map[string][]*Relation{},
		indexes:   map[string][]*Index{},
	}
	for _, e := range b.Entities {
		if _, dup := snap.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		e.byName = make(map[string]int, len(e.Fields))
		for i, f := range e.Fields {
			if _, dup := e.byName[f.Name]; dup {
				return nil, fmt.Errorf("duplicate field %s.%s", e.Name, f.Name)
			}
			e.byName[f.Name] = i
		}
		snap.entities[e.Name] = e
	}
	for _, r := range b.Relations {
		from, ok := snap.entities[r.From]
		if !ok {
			return nil, fmt.Errorf("relation %s: unknown entity %q", r.Name, r.From)
		}
		to, ok := snap.entities[r.To]
		if !ok {
			return nil, fmt.Errorf("relation %s: unknown entity %q", r.Name, r.To)
		}
		if r.FromField != "id" {
			if _, ok := from.Field(r.FromField); !ok {
				return nil, fmt.Errorf("relation %s: unknown field %s.%s", r.Name, r.From, r.FromField)
			}
		}
		if _, ok := to.Field(r.ToField); !ok {
			return nil, fmt.Errorf("relation %s: unknown field %s.%s", r.Name, r.To, r.ToField)
		}
		key := r.From + "." + r.Name
		if _, dup := snap.relations[key]; dup {
			return nil, fmt.Errorf("duplicate relation %s on %s", r.Name, r.From)
		}
		snap.relations[key] = r
		snap.fromRels[r.From] = append(snap.fromRels[r.From], r)
		snap.toRels[r.To] = append(snap.toRels[r.To], r)
	}
	for _, ix := range b.Indexes {
		e, ok := snap.entities[ix.Entity]
		if !ok {
			return nil, fmt.Errorf("index on unknown entity %q", ix.Entity)
		}
		if _, ok := e.Field(ix.Field); !ok {
			return nil, fmt.Errorf("index on unknown field %s.%s", ix.Entity, ix.Field)
		}
		snap.indexes[ix.Entity] = append(snap.indexes[ix.Entity], ix)
	}
	return snap, nil
}

// View is a read-only, consistent snapshot of the catalog.
type View struct {
	snap *snapshot
}

func (v *View) Version() uint64 { return v.snap.version }

// Entity resolves an entity by name.
func (v *View) Entity(name string) (*Entity, error) {
	e, ok := v.snap.entities[name]
	if !ok {
		return nil, types.SchemaMismatch(name, "", "unknown entity")
	}
	return e, nil
}

// Entities iterates all entity names.
func (v *View) Entities() []string {
	out := make([]string, 0, len(v.snap.entities))
	for name := range v.snap.entities {
		out = append(out, name)
	}
	return out
}

// Relation resolves a relation declared on the given parent entity.
func (v *View) Relation(entity, name string) (*Relation, error) {
	r, ok := v.snap.relations[entity+"."+name]
	if !ok {
		return nil, types.SchemaMismatch(entity, "", fmt.Sprintf("unknown relation %q", name))
	}
	return r, nil
}

// RelationsFrom returns relations whose parent side is the given entity.
func (v *View) RelationsFrom(entity string) []*Relation {
	return v.snap.fromRels[entity]
}

// RelationsTo returns relations whose child side is the given entity, i.e.
// the foreign keys the entity carries.
func (v *View) RelationsTo(entity string) []*Relation {
	return v.snap.toRels[entity]
}

// Indexes returns the declared index descriptors of an entity.
func (v *View) Indexes(entity string) []*Index {
	return v.snap.indexes[entity]
}

// HashIndexed reports whether equality lookups on the field are served by the
// synchronously maintained hash index.
func (v *View) HashIndexed(entity, field string) bool {
	if field == "id" {
		return true
	}
	e, ok := v.snap.entities[entity]
	if !ok {
		return false
	}
	f, ok := e.Field(field)
	if !ok {
		return false
	}
	if f.Indexed || f.Unique {
		return true
	}
	for _, ix := range v.snap.indexes[entity] {
		if ix.Field == field && ix.Kind == IndexHash {
			return true
		}
	}
	// Foreign-key fields are always hash-indexed: cascades and relation
	// fan-out resolve children through them.
	for _, r := range v.snap.toRels[entity] {
		if r.ToField == field {
			return true
		}
	}
	return false
}

// HashIndexedFields lists every field of the entity maintained in the hash
// index, in declaration order.
func (v *View) HashIndexedFields(entity string) []string {
	e, ok := v.snap.entities[entity]
	if !ok {
		return nil
	}
	var out []string
	for _, f := range e.Fields {
		if v.HashIndexed(entity, f.Name) {
			out = append(out, f.Name)
		}
	}
	return out
}
