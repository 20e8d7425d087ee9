package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

func rowGetter(fields types.FieldMap) Getter {
	return func(field string) types.Value {
		v, ok := fields[field]
		if !ok {
			return types.Null()
		}
		return v
	}
}

func TestEval(t *testing.T) {
	row := rowGetter(types.FieldMap{
		"status": types.String("active"),
		"age":    types.Int64(30),
		"email":  types.String("Alice@Example.com"),
		"bio":    types.Null(),
	})

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"eq match", Eq("status", types.String("active")), true},
		{"eq miss", Eq("status", types.String("pending")), false},
		{"eq against widened int", Eq("age", types.Int32(30)), true},
		{"ne", Ne("status", types.String("pending")), true},
		{"lt", Lt("age", types.Int64(40)), true},
		{"le boundary", Le("age", types.Int64(30)), true},
		{"gt miss", Gt("age", types.Int64(30)), false},
		{"ge boundary", Ge("age", types.Int64(30)), true},
		{"in", In("status", types.String("active"), types.String("pending")), true},
		{"not_in", NotIn("status", types.String("pending")), true},
		{"not_in hit", NotIn("status", types.String("active")), false},
		{"is_null", IsNull("bio"), true},
		{"is_null miss", IsNull("status"), false},
		{"is_not_null", IsNotNull("status"), true},
		{"absent field is null", IsNull("nickname"), true},
		{"comparison against null field is false", Gt("bio", types.Int64(0)), false},
		{"eq against null field is false", Eq("bio", types.String("x")), false},
		{"like prefix", Like("status", "act%"), true},
		{"like underscore", Like("status", "activ_"), true},
		{"like miss", Like("status", "pend%"), false},
		{"ilike case folds", ILike("email", "alice@%"), true},
		{"like is case sensitive", Like("email", "alice@%"), false},
		{"and", And(Eq("status", types.String("active")), Gt("age", types.Int64(18))), true},
		{"and short circuit", And(Eq("status", types.String("x")), Gt("age", types.Int64(18))), false},
		{"or", Or(Eq("status", types.String("x")), Gt("age", types.Int64(18))), true},
		{"not", Not(Eq("status", types.String("x"))), true},
		{"nil filter matches", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.filter, row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchLike(t *testing.T) {
	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"a%", "abc", true},
		{"%c", "abc", true},
		{"%b%", "abc", true},
		{"a_c", "abc", true},
		{"a_c", "abbc", false},
		{"%", "", true},
		{"%", "anything", true},
		{"", "", true},
		{"", "x", false},
		{"a%b%c", "a123b456c", true},
		{"a%b%c", "a123c456b", false},
		{"%abc%abc%", "xxabcyyabczz", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchLike(tt.pattern, tt.s), "pattern %q against %q", tt.pattern, tt.s)
	}
}

func TestPrefixPattern(t *testing.T) {
	p, ok := prefixPattern("abc%")
	assert.True(t, ok)
	assert.Equal(t, "abc", p)

	for _, bad := range []string{"abc", "%abc", "a%c%", "a_c%", "%"} {
		_, ok := prefixPattern(bad)
		assert.False(t, ok, "pattern %q", bad)
	}
}

func TestFingerprintIgnoresLiterals(t *testing.T) {
	q1 := &GraphQuery{
		Entity:  "User",
		Filter:  And(Eq("status", types.String("active")), Gt("age", types.Int64(10))),
		OrderBy: []Order{{Field: "created_at", Desc: true}},
		Page:    &Pagination{Limit: 10},
	}
	q2 := &GraphQuery{
		Entity:  "User",
		Filter:  And(Eq("status", types.String("pending")), Gt("age", types.Int64(99))),
		OrderBy: []Order{{Field: "created_at", Desc: true}},
		Page:    &Pagination{Limit: 25},
	}
	assert.Equal(t, Fingerprint(q1), Fingerprint(q2))

	// Shape changes break the fingerprint.
	q3 := &GraphQuery{Entity: "User", Filter: Eq("status", types.String("active"))}
	assert.NotEqual(t, Fingerprint(q1), Fingerprint(q3))

	// In-list arity is structural.
	in2 := &GraphQuery{Entity: "User", Filter: In("status", types.String("a"), types.String("b"))}
	in3 := &GraphQuery{Entity: "User", Filter: In("status", types.String("a"), types.String("b"), types.String("c"))}
	assert.NotEqual(t, Fingerprint(in2), Fingerprint(in3))

	// Includes are structural.
	withInc := &GraphQuery{Entity: "User", Includes: []*Include{{Relation: "posts", Limit: 5}}}
	assert.NotEqual(t, Fingerprint(q3), Fingerprint(withInc))
}
