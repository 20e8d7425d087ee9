package rowstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), ModeNormal, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id types.ID, version uint64, status string) *types.Record {
	return &types.Record{
		ID:        id,
		Version:   version,
		CreatedAt: 1000,
		UpdatedAt: 1000 + int64(version),
		Fields:    types.FieldMap{"status": types.String(status)},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	id := types.NewID()

	require.NoError(t, s.Put("User", record(id, 1, "pending")))

	got, err := s.Get("User", id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.EqualValues(t, 1, got.Version)
	assert.Equal(t, "pending", got.Fields["status"].Str())

	absent, err := s.Get("User", types.NewID())
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestPutArchivesHistory(t *testing.T) {
	s := openTestStore(t)
	id := types.NewID()

	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, s.Put("User", record(id, v, "v")))
	}

	cur, err := s.Get("User", id)
	require.NoError(t, err)
	assert.EqualValues(t, 5, cur.Version)

	hist, err := s.Versions("User", id)
	require.NoError(t, err)
	// History is bounded at 3 in this store.
	require.Len(t, hist, 3)
	assert.EqualValues(t, 2, hist[0].Version)
	assert.EqualValues(t, 4, hist[len(hist)-1].Version)
}

func TestScanIsIDOrdered(t *testing.T) {
	s := openTestStore(t)

	ids := make([]types.ID, 20)
	for i := range ids {
		ids[i] = types.NewID()
		require.NoError(t, s.Put("User", record(ids[i], 1, "x")))
	}
	// A neighboring entity must not bleed into the scan.
	require.NoError(t, s.Put("UserAudit", record(types.NewID(), 1, "other")))

	var seen []types.ID
	require.NoError(t, s.Scan("User", func(r *types.Record) error {
		seen = append(seen, r.ID)
		return nil
	}))
	require.Len(t, seen, 20)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, types.CompareIDs(seen[i-1], seen[i]), 0)
	}
}

func TestRangeInclusive(t *testing.T) {
	s := openTestStore(t)

	var ids []types.ID
	for i := 0; i < 10; i++ {
		id := types.NewID()
		ids = append(ids, id)
		require.NoError(t, s.Put("User", record(id, 1, "x")))
	}
	// Work out the stored order.
	var ordered []types.ID
	require.NoError(t, s.Scan("User", func(r *types.Record) error {
		ordered = append(ordered, r.ID)
		return nil
	}))

	var got []types.ID
	require.NoError(t, s.Range("User", ordered[2], ordered[6], func(r *types.Record) error {
		got = append(got, r.ID)
		return nil
	}))
	require.Len(t, got, 5)
	assert.Equal(t, ordered[2], got[0])
	assert.Equal(t, ordered[6], got[4])
}

func TestPutBatchSingleFence(t *testing.T) {
	s := openTestStore(t)

	recs := make([]*types.Record, 50)
	for i := range recs {
		recs[i] = record(types.NewID(), 1, "bulk")
	}
	require.NoError(t, s.PutBatch("User", recs))

	n := 0
	require.NoError(t, s.Scan("User", func(*types.Record) error {
		n++
		return nil
	}))
	assert.Equal(t, 50, n)
}

func TestRemoveReclaims(t *testing.T) {
	s := openTestStore(t)
	id := types.NewID()
	for v := uint64(1); v <= 4; v++ {
		require.NoError(t, s.Put("User", record(id, v, "x")))
	}

	var freed int64
	require.NoError(t, s.DB().Update(func(tx *bolt.Tx) error {
		var err error
		freed, err = s.RemoveTx(tx, "User", id)
		return err
	}))
	assert.Positive(t, freed)

	got, err := s.Get("User", id)
	require.NoError(t, err)
	assert.Nil(t, got)
	hist, err := s.Versions("User", id)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestLiveCount(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.DB().Update(func(tx *bolt.Tx) error {
		if err := s.BumpCountTx(tx, "User", 3); err != nil {
			return err
		}
		return s.BumpCountTx(tx, "User", -1)
	}))
	n, err := s.LiveCount("User")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	zero, err := s.LiveCount("Post")
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestTombstoneSurvivesPut(t *testing.T) {
	s := openTestStore(t)
	id := types.NewID()

	rec := record(id, 2, "gone")
	rec.DeletedAt = 999
	require.NoError(t, s.Put("User", rec))

	got, err := s.Get("User", id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Live())
	assert.Equal(t, "gone", got.Fields["status"].Str())
}
