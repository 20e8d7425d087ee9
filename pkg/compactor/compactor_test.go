package compactor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/engine"
	"github.com/Skelf-Research/ormdb/pkg/mutation"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

func openTestEngine(t *testing.T, retention time.Duration) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(engine.Options{
		DataDir:            t.TempDir(),
		DisableCompactor:   true,
		TombstoneRetention: retention,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	_, err = eng.ApplySchema(&catalog.Bundle{
		Version: 1,
		Entities: []*catalog.Entity{
			{
				Name: "User",
				Fields: []catalog.Field{
					{Name: "email", Type: types.KindString, Unique: true},
				},
			},
			{
				Name: "Post",
				Fields: []catalog.Field{
					{Name: "title", Type: types.KindString},
					{Name: "author_id", Type: types.KindUUID},
				},
			},
		},
		Relations: []*catalog.Relation{
			{Name: "posts", From: "User", FromField: "id", To: "Post", ToField: "author_id",
				Cardinality: catalog.OneToMany, OnDelete: catalog.DeleteCascade},
		},
	}, false)
	require.NoError(t, err)
	return eng
}

func TestExpiredTombstonesAreRemoved(t *testing.T) {
	eng := openTestEngine(t, time.Millisecond)

	res, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"email": types.String("a@x")},
	})
	require.NoError(t, err)
	id := res.First().ID

	_, err = eng.Mutate(context.Background(), &mutation.Delete{Entity: "User", ID: &id})
	require.NoError(t, err)

	// The tombstone is still readable pre-compaction.
	_, err = eng.Get(context.Background(), "User", id, true)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	report, err := eng.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, report.TombstonesRemoved)
	assert.Positive(t, report.BytesReclaimed)

	// Physically gone now, even for include_deleted readers.
	_, err = eng.Get(context.Background(), "User", id, true)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestFreshTombstonesSurvive(t *testing.T) {
	eng := openTestEngine(t, time.Hour)

	res, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"email": types.String("a@x")},
	})
	require.NoError(t, err)
	id := res.First().ID
	_, err = eng.Mutate(context.Background(), &mutation.Delete{Entity: "User", ID: &id})
	require.NoError(t, err)

	report, err := eng.Compact()
	require.NoError(t, err)
	assert.Zero(t, report.TombstonesRemoved)

	_, err = eng.Get(context.Background(), "User", id, true)
	require.NoError(t, err)
}

func TestVersionHistoryPruned(t *testing.T) {
	eng := openTestEngine(t, time.Hour)

	res, err := eng.Mutate(context.Background(), &mutation.Insert{
		Entity: "User",
		Fields: types.FieldMap{"email": types.String("a@x")},
	})
	require.NoError(t, err)
	id := res.First().ID
	for i := 0; i < 20; i++ {
		_, err = eng.Mutate(context.Background(), &mutation.Update{
			Entity: "User", ID: &id,
			Fields: types.FieldMap{"email": types.String("a@x")},
		})
		require.NoError(t, err)
	}

	// The write path already bounds history; a compaction run verifies and
	// reports without finding more to remove.
	report, err := eng.Compact()
	require.NoError(t, err)
	assert.Zero(t, report.VersionsRemoved)
	assert.GreaterOrEqual(t, report.DurationMS, int64(0))
}

func TestCompactionReportShape(t *testing.T) {
	eng := openTestEngine(t, time.Millisecond)
	report, err := eng.Compact()
	require.NoError(t, err)
	assert.Zero(t, report.TombstonesRemoved)
	assert.Zero(t, report.VersionsRemoved)
	assert.Zero(t, report.BytesReclaimed)
}
