package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Schema bundle file format, YAML:
//
//	version: 1
//	entities:
//	  - name: User
//	    fields:
//	      - {name: email, type: string, unique: true}
//	      - {name: status, type: string, indexed: true, default: pending}
//	      - {name: age, type: int32, nullable: true}
//	    checks:
//	      - {name: age_nonnegative, field: age, op: ge, value: 0}
//	  - name: Post
//	    fields:
//	      - {name: author_id, type: uuid}
//	      - {name: created_at, type: timestamp, nullable: true}
//	relations:
//	  - {name: posts, from: User, to: Post, to_field: author_id,
//	     cardinality: one_to_many, on_delete: cascade}
//	indexes:
//	  - {entity: Post, field: created_at, kind: btree}

type bundleFile struct {
	Version   uint64         `yaml:"version"`
	Entities  []entityFile   `yaml:"entities"`
	Relations []relationFile `yaml:"relations"`
	Indexes   []indexFile    `yaml:"indexes"`
}

type entityFile struct {
	Name   string      `yaml:"name"`
	Fields []fieldFile `yaml:"fields"`
	Checks []checkFile `yaml:"checks"`
}

type fieldFile struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
	Unique   bool   `yaml:"unique"`
	Indexed  bool   `yaml:"indexed"`
	Default  *any   `yaml:"default"`
}

type checkFile struct {
	Name  string `yaml:"name"`
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

type relationFile struct {
	Name        string `yaml:"name"`
	From        string `yaml:"from"`
	FromField   string `yaml:"from_field"`
	To          string `yaml:"to"`
	ToField     string `yaml:"to_field"`
	Cardinality string `yaml:"cardinality"`
	OnDelete    string `yaml:"on_delete"`
}

type indexFile struct {
	Entity string `yaml:"entity"`
	Field  string `yaml:"field"`
	Kind   string `yaml:"kind"`
	Unique bool   `yaml:"unique"`
}

// LoadBundleFile parses a schema bundle from a YAML file.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema bundle: %w", err)
	}
	return ParseBundle(data)
}

// ParseBundle parses schema bundle YAML bytes.
func ParseBundle(data []byte) (*Bundle, error) {
	var f bundleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schema bundle: %w", err)
	}
	b := &Bundle{Version: f.Version}
	for _, ef := range f.Entities {
		ent := &Entity{Name: ef.Name}
		for _, ff := range ef.Fields {
			kind, err := types.ParseKind(ff.Type)
			if err != nil {
				return nil, fmt.Errorf("entity %s field %s: %w", ef.Name, ff.Name, err)
			}
			field := Field{
				Name:     ff.Name,
				Type:     kind,
				Nullable: ff.Nullable,
				Unique:   ff.Unique,
				Indexed:  ff.Indexed,
			}
			if ff.Default != nil {
				v, err := valueFromYAML(kind, *ff.Default)
				if err != nil {
					return nil, fmt.Errorf("entity %s field %s default: %w", ef.Name, ff.Name, err)
				}
				field.Default = &v
			}
			ent.Fields = append(ent.Fields, field)
		}
		for _, cf := range ef.Checks {
			field, err := findFieldFile(ef, cf.Field)
			if err != nil {
				return nil, fmt.Errorf("entity %s check %s: %w", ef.Name, cf.Name, err)
			}
			kind, err := types.ParseKind(field.Type)
			if err != nil {
				return nil, err
			}
			v, err := valueFromYAML(kind, cf.Value)
			if err != nil {
				return nil, fmt.Errorf("entity %s check %s: %w", ef.Name, cf.Name, err)
			}
			ent.Checks = append(ent.Checks, Check{
				Name:  cf.Name,
				Field: cf.Field,
				Op:    CheckOp(cf.Op),
				Value: v,
			})
		}
		b.Entities = append(b.Entities, ent)
	}
	for _, rf := range f.Relations {
		fromField := rf.FromField
		if fromField == "" {
			fromField = "id"
		}
		b.Relations = append(b.Relations, &Relation{
			Name:        rf.Name,
			From:        rf.From,
			FromField:   fromField,
			To:          rf.To,
			ToField:     rf.ToField,
			Cardinality: Cardinality(rf.Cardinality),
			OnDelete:    DeleteRule(rf.OnDelete),
		})
	}
	for _, ixf := range f.Indexes {
		kind := IndexKind(ixf.Kind)
		if kind == "" {
			kind = IndexHash
		}
		b.Indexes = append(b.Indexes, &Index{
			Entity: ixf.Entity,
			Field:  ixf.Field,
			Kind:   kind,
			Unique: ixf.Unique,
		})
	}
	return b, nil
}

func findFieldFile(ef entityFile, name string) (*fieldFile, error) {
	for i := range ef.Fields {
		if ef.Fields[i].Name == name {
			return &ef.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("unknown field %q", name)
}

func valueFromYAML(kind types.Kind, raw any) (types.Value, error) {
	switch kind {
	case types.KindString:
		s, ok := raw.(string)
		if !ok {
			return types.Null(), fmt.Errorf("expected string, got %T", raw)
		}
		return types.String(s), nil
	case types.KindJSON:
		s, ok := raw.(string)
		if !ok {
			return types.Null(), fmt.Errorf("expected json string, got %T", raw)
		}
		return types.JSON(s), nil
	case types.KindBool:
		v, ok := raw.(bool)
		if !ok {
			return types.Null(), fmt.Errorf("expected bool, got %T", raw)
		}
		return types.Bool(v), nil
	case types.KindInt32:
		n, err := yamlInt(raw)
		if err != nil {
			return types.Null(), err
		}
		return types.Int32(int32(n)), nil
	case types.KindInt64:
		n, err := yamlInt(raw)
		if err != nil {
			return types.Null(), err
		}
		return types.Int64(n), nil
	case types.KindTimestamp:
		n, err := yamlInt(raw)
		if err != nil {
			return types.Null(), err
		}
		return types.Timestamp(n), nil
	case types.KindFloat32:
		f, err := yamlFloat(raw)
		if err != nil {
			return types.Null(), err
		}
		return types.Float32(float32(f)), nil
	case types.KindFloat64:
		f, err := yamlFloat(raw)
		if err != nil {
			return types.Null(), err
		}
		return types.Float64(f), nil
	case types.KindUUID:
		s, ok := raw.(string)
		if !ok {
			return types.Null(), fmt.Errorf("expected uuid string, got %T", raw)
		}
		id, err := types.ParseID(s)
		if err != nil {
			return types.Null(), err
		}
		return types.UUID(id), nil
	}
	return types.Null(), fmt.Errorf("no literal form for %s", kind)
}

func yamlInt(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func yamlFloat(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

// MarshalBundle serializes a bundle back to YAML for persistence in the
// catalog tree.
func MarshalBundle(b *Bundle) ([]byte, error) {
	f := bundleFile{Version: b.Version}
	for _, e := range b.Entities {
		ef := entityFile{Name: e.Name}
		for _, fl := range e.Fields {
			ff := fieldFile{
				Name:     fl.Name,
				Type:     fl.Type.String(),
				Nullable: fl.Nullable,
				Unique:   fl.Unique,
				Indexed:  fl.Indexed,
			}
			if fl.Default != nil {
				raw := yamlLiteral(*fl.Default)
				ff.Default = &raw
			}
			ef.Fields = append(ef.Fields, ff)
		}
		for _, c := range e.Checks {
			ef.Checks = append(ef.Checks, checkFile{
				Name:  c.Name,
				Field: c.Field,
				Op:    string(c.Op),
				Value: yamlLiteral(c.Value),
			})
		}
		f.Entities = append(f.Entities, ef)
	}
	for _, r := range b.Relations {
		f.Relations = append(f.Relations, relationFile{
			Name:        r.Name,
			From:        r.From,
			FromField:   r.FromField,
			To:          r.To,
			ToField:     r.ToField,
			Cardinality: string(r.Cardinality),
			OnDelete:    string(r.OnDelete),
		})
	}
	for _, ix := range b.Indexes {
		f.Indexes = append(f.Indexes, indexFile{
			Entity: ix.Entity,
			Field:  ix.Field,
			Kind:   string(ix.Kind),
			Unique: ix.Unique,
		})
	}
	return yaml.Marshal(&f)
}

func yamlLiteral(v types.Value) any {
	switch v.Kind() {
	case types.KindString, types.KindJSON:
		return v.Str()
	case types.KindBool:
		return v.Bool()
	case types.KindInt32, types.KindInt64, types.KindTimestamp:
		return v.Int()
	case types.KindFloat32, types.KindFloat64:
		return v.Float()
	case types.KindUUID:
		return v.UUID().String()
	}
	return nil
}
