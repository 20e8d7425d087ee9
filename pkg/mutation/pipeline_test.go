package mutation_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/changelog"
	"github.com/Skelf-Research/ormdb/pkg/engine"
	"github.com/Skelf-Research/ormdb/pkg/mutation"
	"github.com/Skelf-Research/ormdb/pkg/query"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

func testBundle() *catalog.Bundle {
	statusDefault := types.String("pending")
	return &catalog.Bundle{
		Version: 1,
		Entities: []*catalog.Entity{
			{
				Name: "User",
				Fields: []catalog.Field{
					{Name: "email", Type: types.KindString, Unique: true},
					{Name: "status", Type: types.KindString, Indexed: true, Default: &statusDefault},
					{Name: "age", Type: types.KindInt32, Nullable: true},
				},
				Checks: []catalog.Check{
					{Name: "age_nonnegative", Field: "age", Op: catalog.CheckGe, Value: types.Int32(0)},
				},
			},
			{
				Name: "Post",
				Fields: []catalog.Field{
					{Name: "title", Type: types.KindString},
					{Name: "author_id", Type: types.KindUUID},
					{Name: "published", Type: types.KindBool, Indexed: true},
				},
			},
			{
				Name: "Profile",
				Fields: []catalog.Field{
					{Name: "user_id", Type: types.KindUUID, Nullable: true},
					{Name: "bio", Type: types.KindString, Nullable: true},
				},
			},
			{
				Name: "Invoice",
				Fields: []catalog.Field{
					{Name: "user_id", Type: types.KindUUID},
					{Name: "total", Type: types.KindFloat64},
				},
			},
			{
				Name: "Employee",
				Fields: []catalog.Field{
					{Name: "name", Type: types.KindString},
					{Name: "manager_id", Type: types.KindUUID, Nullable: true},
				},
			},
		},
		Relations: []*catalog.Relation{
			{Name: "posts", From: "User", FromField: "id", To: "Post", ToField: "author_id",
				Cardinality: catalog.OneToMany, OnDelete: catalog.DeleteCascade},
			{Name: "profile", From: "User", FromField: "id", To: "Profile", ToField: "user_id",
				Cardinality: catalog.OneToOne, OnDelete: catalog.DeleteSetNull},
			{Name: "invoices", From: "User", FromField: "id", To: "Invoice", ToField: "user_id",
				Cardinality: catalog.OneToMany, OnDelete: catalog.DeleteRestrict},
			{Name: "reports", From: "Employee", FromField: "id", To: "Employee", ToField: "manager_id",
				Cardinality: catalog.OneToMany, OnDelete: catalog.DeleteCascade},
		},
	}
}

func openTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(engine.Options{DataDir: t.TempDir(), DisableCompactor: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	_, err = eng.ApplySchema(testBundle(), false)
	require.NoError(t, err)
	return eng
}

func insertUser(t *testing.T, eng *engine.Engine, email string) *types.Record {
	t.Helper()
	res, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"email": types.String(email)},
	})
	require.NoError(t, err)
	return res.First()
}

func TestInsertFillsDefaultsAndVersions(t *testing.T) {
	eng := openTestEngine(t)
	rec := insertUser(t, eng, "a@x")

	assert.EqualValues(t, 1, rec.Version)
	assert.Equal(t, "pending", rec.Fields["status"].Str())
	assert.True(t, rec.Fields["age"].IsNull())
	assert.Positive(t, rec.CreatedAt)
	assert.LessOrEqual(t, rec.CreatedAt, rec.UpdatedAt)
	assert.False(t, rec.ID.IsZero())
}

func TestInsertExplicitIDAndPKUniqueness(t *testing.T) {
	eng := openTestEngine(t)
	id := types.NewID()

	_, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"id": types.UUID(id), "email": types.String("a@x")},
	})
	require.NoError(t, err)

	_, err = eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"id": types.UUID(id), "email": types.String("b@x")},
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeUniqueViolation, types.CodeOf(err))
}

// Scenario: unique constraint on User.email.
func TestUniqueViolationNamesConstraintAndValue(t *testing.T) {
	eng := openTestEngine(t)
	insertUser(t, eng, "a@x")

	_, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"email": types.String("a@x")},
	})
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.CodeUniqueViolation, terr.Code)
	assert.Equal(t, "User.email", terr.Constraint)
	assert.Equal(t, "a@x", terr.Value)
}

// Scenario: optimistic concurrency via expected_version.
func TestOCCConflict(t *testing.T) {
	eng := openTestEngine(t)
	rec := insertUser(t, eng, "a@x")
	one := uint64(1)

	res, err := eng.Mutate(context.Background(), &mutation.Update{
		Entity:          "User",
		ID:              &rec.ID,
		Fields:          types.FieldMap{"status": types.String("active")},
		ExpectedVersion: &one,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.First().Version)
	assert.Equal(t, "active", res.First().Fields["status"].Str())

	_, err = eng.Mutate(context.Background(), &mutation.Update{
		Entity:          "User",
		ID:              &rec.ID,
		Fields:          types.FieldMap{"status": types.String("banned")},
		ExpectedVersion: &one,
	})
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.CodeTransactionConflict, terr.Code)
	assert.EqualValues(t, 1, terr.Expected)
	assert.EqualValues(t, 2, terr.Actual)
	assert.True(t, types.IsRetryable(err))
}

func TestUpdateValidation(t *testing.T) {
	eng := openTestEngine(t)
	rec := insertUser(t, eng, "a@x")

	_, err := eng.Mutate(context.Background(), &mutation.Update{
		Entity: "User", ID: &rec.ID,
		Fields: types.FieldMap{"nickname": types.String("z")},
	})
	assert.Equal(t, types.CodeValidation, types.CodeOf(err))

	_, err = eng.Mutate(context.Background(), &mutation.Update{
		Entity: "User", ID: &rec.ID,
		Fields: types.FieldMap{"age": types.String("old")},
	})
	assert.Equal(t, types.CodeSchemaMismatch, types.CodeOf(err))

	_, err = eng.Mutate(context.Background(), &mutation.Update{
		Entity: "User", ID: &rec.ID,
		Fields: types.FieldMap{"age": types.Int32(-3)},
	})
	assert.Equal(t, types.CodeCheckViolation, types.CodeOf(err))

	missing := types.NewID()
	_, err = eng.Mutate(context.Background(), &mutation.Update{
		Entity: "User", ID: &missing,
		Fields: types.FieldMap{"status": types.String("x")},
	})
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestForeignKeyEnforcedOnInsert(t *testing.T) {
	eng := openTestEngine(t)

	_, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "Post",
		Fields: types.FieldMap{
			"title":     types.String("orphan"),
			"author_id": types.UUID(types.NewID()),
			"published": types.Bool(false),
		},
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeForeignKeyViolation, types.CodeOf(err))
}

// Scenario: cascade delete User→Post; the parent's change entry is last.
func TestCascadeDelete(t *testing.T) {
	eng := openTestEngine(t)
	user := insertUser(t, eng, "a@x")

	var postIDs []types.ID
	for i := 0; i < 2; i++ {
		res, err := eng.Mutate(context.Background(), &mutation.Insert{
			Entity: "Post",
			Fields: types.FieldMap{
				"title":     types.String(fmt.Sprintf("p%d", i)),
				"author_id": types.UUID(user.ID),
				"published": types.Bool(true),
			},
		})
		require.NoError(t, err)
		postIDs = append(postIDs, res.First().ID)
	}

	before := eng.Changelog().LastLSN()
	_, err := eng.Mutate(context.Background(), &mutation.Delete{Entity: "User", ID: &user.ID})
	require.NoError(t, err)

	// No live records remain.
	_, err = eng.Get(context.Background(), "User", user.ID, false)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	for _, pid := range postIDs {
		_, err = eng.Get(context.Background(), "Post", pid, false)
		assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	}
	// Tombstones remain until compaction.
	dead, err := eng.Get(context.Background(), "User", user.ID, true)
	require.NoError(t, err)
	assert.False(t, dead.Live())

	// Exactly one delete entry per record, user last.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	from := before + 1
	stream, err := eng.Subscribe(ctx, changelog.StreamOptions{FromLSN: &from})
	require.NoError(t, err)
	var entries []*types.ChangeEntry
	deadline := time.After(5 * time.Second)
	for len(entries) < 3 {
		select {
		case batch := <-stream.C:
			entries = append(entries, batch.Entries...)
		case <-deadline:
			t.Fatal("timed out reading cascade entries")
		}
	}
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, types.OpDelete, e.Op)
	}
	assert.Equal(t, "Post", entries[0].Entity)
	assert.Equal(t, "Post", entries[1].Entity)
	assert.Equal(t, "User", entries[2].Entity)
	assert.Equal(t, user.ID, entries[2].ID)
}

func TestSetNullDelete(t *testing.T) {
	eng := openTestEngine(t)
	user := insertUser(t, eng, "a@x")
	res, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "Profile",
		Fields: types.FieldMap{"user_id": types.UUID(user.ID), "bio": types.String("hi")},
	})
	require.NoError(t, err)
	profileID := res.First().ID

	_, err = eng.Mutate(context.Background(), &mutation.Delete{Entity: "User", ID: &user.ID})
	require.NoError(t, err)

	profile, err := eng.Get(context.Background(), "Profile", profileID, false)
	require.NoError(t, err)
	assert.True(t, profile.Fields["user_id"].IsNull())
	assert.EqualValues(t, 2, profile.Version)
}

func TestRestrictDelete(t *testing.T) {
	eng := openTestEngine(t)
	user := insertUser(t, eng, "a@x")
	_, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "Invoice",
		Fields: types.FieldMap{"user_id": types.UUID(user.ID), "total": types.Float64(9.5)},
	})
	require.NoError(t, err)

	_, err = eng.Mutate(context.Background(), &mutation.Delete{Entity: "User", ID: &user.ID})
	require.Error(t, err)
	assert.Equal(t, types.CodeRestrictViolation, types.CodeOf(err))
	assert.Contains(t, err.Error(), "1 referencing")

	// The user survives a restricted delete.
	_, err = eng.Get(context.Background(), "User", user.ID, false)
	require.NoError(t, err)

	// Forcing the cascade overrides restrict for this delete.
	_, err = eng.Mutate(context.Background(), &mutation.Delete{Entity: "User", ID: &user.ID, Cascade: true})
	require.NoError(t, err)
}

func TestCircularCascadeDetected(t *testing.T) {
	eng := openTestEngine(t)

	insert := func(name string) types.ID {
		res, err := eng.Mutate(context.Background(), &mutation.Insert{
			Entity: "Employee",
			Fields: types.FieldMap{"name": types.String(name)},
		})
		require.NoError(t, err)
		return res.First().ID
	}
	a := insert("a")
	b := insert("b")
	link := func(id, manager types.ID) {
		_, err := eng.Mutate(context.Background(), &mutation.Update{
			Entity: "Employee", ID: &id,
			Fields: types.FieldMap{"manager_id": types.UUID(manager)},
		})
		require.NoError(t, err)
	}
	link(b, a)
	link(a, b)

	_, err := eng.Mutate(context.Background(), &mutation.Delete{Entity: "Employee", ID: &a})
	require.Error(t, err)
	assert.Equal(t, types.CodeCircularCascade, types.CodeOf(err))

	// The aborted cascade left both alive.
	_, err = eng.Get(context.Background(), "Employee", a, false)
	require.NoError(t, err)
	_, err = eng.Get(context.Background(), "Employee", b, false)
	require.NoError(t, err)
}

func TestCascadeDepthBounded(t *testing.T) {
	eng := openTestEngine(t)

	// A reporting chain seven deep exceeds the default depth of five.
	var ids []types.ID
	for i := 0; i < 7; i++ {
		fields := types.FieldMap{"name": types.String(fmt.Sprintf("e%d", i))}
		if i > 0 {
			fields["manager_id"] = types.UUID(ids[i-1])
		}
		res, err := eng.Mutate(context.Background(), &mutation.Insert{Entity: "Employee", Fields: fields})
		require.NoError(t, err)
		ids = append(ids, res.First().ID)
	}

	_, err := eng.Mutate(context.Background(), &mutation.Delete{Entity: "Employee", ID: &ids[0]})
	require.Error(t, err)
	assert.Equal(t, types.CodeMaxDepthExceeded, types.CodeOf(err))
}

func TestUpsert(t *testing.T) {
	eng := openTestEngine(t)

	up := &mutation.Upsert{
		Entity: "User",
		Fields: types.FieldMap{
			"email":  types.String("a@x"),
			"status": types.String("active"),
		},
		ConflictFields: []string{"email"},
	}
	res, err := eng.Mutate(context.Background(), up)
	require.NoError(t, err)
	assert.Equal(t, types.OpInsert, res.Op)
	id := res.First().ID

	up.Fields["status"] = types.String("banned")
	res, err = eng.Mutate(context.Background(), up)
	require.NoError(t, err)
	assert.Equal(t, types.OpUpdate, res.Op)
	assert.Equal(t, id, res.First().ID)
	assert.EqualValues(t, 2, res.First().Version)
	assert.Equal(t, "banned", res.First().Fields["status"].Str())

	// update_fields restricts the written set.
	restricted := &mutation.Upsert{
		Entity: "User",
		Fields: types.FieldMap{
			"email":  types.String("a@x"),
			"status": types.String("ignored"),
			"age":    types.Int32(44),
		},
		ConflictFields: []string{"email"},
		UpdateFields:   []string{"age"},
	}
	res, err = eng.Mutate(context.Background(), restricted)
	require.NoError(t, err)
	assert.Equal(t, "banned", res.First().Fields["status"].Str())
	assert.EqualValues(t, 44, res.First().Fields["age"].Int())
}

func TestFilterAddressedUpdate(t *testing.T) {
	eng := openTestEngine(t)
	for i := 0; i < 4; i++ {
		insertUser(t, eng, fmt.Sprintf("u%d@x", i))
	}

	res, err := eng.Mutate(context.Background(), &mutation.Update{
		Entity: "User",
		Filter: query.Eq("status", types.String("pending")),
		Fields: types.FieldMap{"status": types.String("active")},
	})
	require.NoError(t, err)
	assert.Len(t, res.Records, 4)
	for _, rec := range res.Records {
		assert.Equal(t, "active", rec.Fields["status"].Str())
		assert.EqualValues(t, 2, rec.Version)
	}
}

func TestBatchSharesOneFenceAndStaysContiguous(t *testing.T) {
	eng := openTestEngine(t)

	var ms []mutation.Mutation
	for i := 0; i < 5; i++ {
		ms = append(ms, &mutation.Insert{
			Entity: "User",
			Fields: types.FieldMap{"email": types.String(fmt.Sprintf("b%d@x", i))},
		})
	}
	// One failing item must not poison the rest.
	ms = append(ms, &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"email": types.String("b0@x")},
	})

	items, err := eng.MutateBatch(context.Background(), ms)
	require.NoError(t, err)
	require.Len(t, items, 6)
	for i := 0; i < 5; i++ {
		require.NoError(t, items[i].Err)
		require.NotNil(t, items[i].Result)
	}
	assert.Equal(t, types.CodeUniqueViolation, types.CodeOf(items[5].Err))
	assert.EqualValues(t, 5, eng.Changelog().LastLSN())

	n, err := eng.ApproximateCount("User")
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}
