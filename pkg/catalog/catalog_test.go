package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

func userPostBundle(version uint64) *Bundle {
	statusDefault := types.String("pending")
	return &Bundle{
		Version: version,
		Entities: []*Entity{
			{
				Name: "User",
				Fields: []Field{
					{Name: "email", Type: types.KindString, Unique: true},
					{Name: "status", Type: types.KindString, Indexed: true, Default: &statusDefault},
					{Name: "age", Type: types.KindInt32, Nullable: true},
				},
				Checks: []Check{
					{Name: "age_nonnegative", Field: "age", Op: CheckGe, Value: types.Int32(0)},
				},
			},
			{
				Name: "Post",
				Fields: []Field{
					{Name: "title", Type: types.KindString},
					{Name: "author_id", Type: types.KindUUID},
					{Name: "published", Type: types.KindBool, Indexed: true},
					{Name: "created_at", Type: types.KindTimestamp, Nullable: true},
				},
			},
		},
		Relations: []*Relation{
			{
				Name: "posts", From: "User", FromField: "id",
				To: "Post", ToField: "author_id",
				Cardinality: OneToMany, OnDelete: DeleteCascade,
			},
		},
		Indexes: []*Index{
			{Entity: "Post", Field: "created_at", Kind: IndexBTree},
		},
	}
}

func TestLoadAndLookup(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(userPostBundle(1)))

	v := c.Snapshot()
	assert.EqualValues(t, 1, v.Version())

	user, err := v.Entity("User")
	require.NoError(t, err)
	f, ok := user.Field("email")
	require.True(t, ok)
	assert.Equal(t, types.KindString, f.Type)
	assert.True(t, f.Unique)

	_, err = v.Entity("Comment")
	assert.Equal(t, types.CodeSchemaMismatch, types.CodeOf(err))

	rel, err := v.Relation("User", "posts")
	require.NoError(t, err)
	assert.Equal(t, "Post", rel.To)
	assert.Equal(t, DeleteCascade, rel.OnDelete)

	// FK fields are hash-indexed implicitly.
	assert.True(t, v.HashIndexed("Post", "author_id"))
	assert.True(t, v.HashIndexed("User", "email"))  // unique
	assert.True(t, v.HashIndexed("User", "status")) // declared
	assert.False(t, v.HashIndexed("Post", "title"))
}

func TestValidateFields(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(userPostBundle(1)))
	v := c.Snapshot()
	user, _ := v.Entity("User")

	tests := []struct {
		name     string
		fields   types.FieldMap
		wantCode types.Code
	}{
		{
			name:   "valid",
			fields: types.FieldMap{"email": types.String("a@x"), "age": types.Int32(3)},
		},
		{
			name:     "unknown field",
			fields:   types.FieldMap{"nickname": types.String("zed")},
			wantCode: types.CodeValidation,
		},
		{
			name:     "type mismatch",
			fields:   types.FieldMap{"email": types.Int64(1)},
			wantCode: types.CodeSchemaMismatch,
		},
		{
			name:     "null into non-nullable",
			fields:   types.FieldMap{"email": types.Null()},
			wantCode: types.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateFields(user, tt.fields)
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantCode, types.CodeOf(err))
			}
		})
	}
}

func TestWideningCoercion(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(&Bundle{
		Version: 1,
		Entities: []*Entity{{
			Name: "Metric",
			Fields: []Field{
				{Name: "count", Type: types.KindInt64},
				{Name: "ratio", Type: types.KindFloat64},
			},
		}},
	}))
	v := c.Snapshot()
	ent, _ := v.Entity("Metric")

	out, err := v.ValidateFields(ent, types.FieldMap{
		"count": types.Int32(7),
		"ratio": types.Float32(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, types.KindInt64, out["count"].Kind())
	assert.Equal(t, types.KindFloat64, out["ratio"].Kind())
	assert.EqualValues(t, 7, out["count"].Int())
}

func TestFillDefaults(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(userPostBundle(1)))
	v := c.Snapshot()
	user, _ := v.Entity("User")

	fields := types.FieldMap{"email": types.String("a@x")}
	require.NoError(t, v.FillDefaults(user, fields))
	assert.Equal(t, "pending", fields["status"].Str())
	assert.True(t, fields["age"].IsNull())

	// Missing required field without default fails.
	post, _ := v.Entity("Post")
	err := v.FillDefaults(post, types.FieldMap{"title": types.String("t")})
	assert.Equal(t, types.CodeValidation, types.CodeOf(err))
}

func TestEvalChecks(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(userPostBundle(1)))
	v := c.Snapshot()
	user, _ := v.Entity("User")

	assert.NoError(t, v.EvalChecks(user, types.FieldMap{"age": types.Int32(5)}))
	assert.NoError(t, v.EvalChecks(user, types.FieldMap{"age": types.Null()}))

	err := v.EvalChecks(user, types.FieldMap{"age": types.Int32(-1)})
	assert.Equal(t, types.CodeCheckViolation, types.CodeOf(err))
}

func TestApplyGrading(t *testing.T) {
	newDefault := types.String("none")

	tests := []struct {
		name      string
		mutate    func(*Bundle)
		force     bool
		wantGrade Grade
		wantErr   bool
	}{
		{
			name: "add nullable field",
			mutate: func(b *Bundle) {
				b.Entities[0].Fields = append(b.Entities[0].Fields,
					Field{Name: "bio", Type: types.KindString, Nullable: true})
			},
			wantGrade: GradeNonBreaking,
		},
		{
			name: "add entity",
			mutate: func(b *Bundle) {
				b.Entities = append(b.Entities, &Entity{
					Name:   "Comment",
					Fields: []Field{{Name: "body", Type: types.KindString}},
				})
			},
			wantGrade: GradeNonBreaking,
		},
		{
			name: "add required field with default",
			mutate: func(b *Bundle) {
				b.Entities[0].Fields = append(b.Entities[0].Fields,
					Field{Name: "tier", Type: types.KindString, Default: &newDefault})
			},
			wantGrade: GradeBackfill,
		},
		{
			name: "remove field",
			mutate: func(b *Bundle) {
				b.Entities[0].Fields = b.Entities[0].Fields[1:]
			},
			wantGrade: GradeBreaking,
			wantErr:   true,
		},
		{
			name: "narrow type",
			mutate: func(b *Bundle) {
				b.Entities[1].Fields[3].Type = types.KindInt32 // timestamp → int32
			},
			wantGrade: GradeBreaking,
			wantErr:   true,
		},
		{
			name: "widen type is fine",
			mutate: func(b *Bundle) {
				b.Entities[0].Fields[2].Type = types.KindInt64 // age int32 → int64
			},
			wantGrade: GradeNonBreaking,
		},
		{
			name: "breaking forced",
			mutate: func(b *Bundle) {
				b.Entities[0].Fields = b.Entities[0].Fields[1:]
			},
			force:     true,
			wantGrade: GradeBreaking,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			require.NoError(t, c.Load(userPostBundle(1)))
			next := userPostBundle(2)
			tt.mutate(next)

			grade, err := c.Apply(next, tt.force)
			assert.Equal(t, tt.wantGrade, grade)
			if tt.wantErr {
				require.Error(t, err)
				assert.EqualValues(t, 1, c.Version())
			} else {
				require.NoError(t, err)
				assert.EqualValues(t, 2, c.Version())
			}
		})
	}
}

func TestApplyRejectsStaleVersion(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(userPostBundle(3)))
	_, err := c.Apply(userPostBundle(3), false)
	assert.Equal(t, types.CodeSchemaMismatch, types.CodeOf(err))
}

func TestBundleYAMLRoundTrip(t *testing.T) {
	src := userPostBundle(4)
	data, err := MarshalBundle(src)
	require.NoError(t, err)

	parsed, err := ParseBundle(data)
	require.NoError(t, err)
	assert.EqualValues(t, 4, parsed.Version)
	require.Len(t, parsed.Entities, 2)
	assert.Equal(t, "User", parsed.Entities[0].Name)
	require.Len(t, parsed.Entities[0].Checks, 1)
	assert.Equal(t, CheckGe, parsed.Entities[0].Checks[0].Op)
	require.Len(t, parsed.Relations, 1)
	assert.Equal(t, DeleteCascade, parsed.Relations[0].OnDelete)
	require.Len(t, parsed.Indexes, 1)
	assert.Equal(t, IndexBTree, parsed.Indexes[0].Kind)

	c := New()
	require.NoError(t, c.Load(parsed))
}
