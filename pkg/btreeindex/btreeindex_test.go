package btreeindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

func openTestIndex(t *testing.T) (*rowstore.Store, *Index) {
	t.Helper()
	s, err := rowstore.Open(t.TempDir(), rowstore.ModeNormal, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ix, err := New(s.DB())
	require.NoError(t, err)
	return s, ix
}

func staticSource(rows map[types.ID]int64) Source {
	return func(fn func(types.Value, types.ID) error) error {
		for id, n := range rows {
			if err := fn(types.Int64(n), id); err != nil {
				return err
			}
		}
		return nil
	}
}

func enc(t *testing.T, v types.Value) []byte {
	t.Helper()
	b, err := codec.OrderEncode(nil, v)
	require.NoError(t, err)
	return b
}

func TestBuildAndScanOrder(t *testing.T) {
	s, ix := openTestIndex(t)

	rows := map[types.ID]int64{}
	for _, n := range []int64{42, -7, 0, 99, 13, -200} {
		rows[types.NewID()] = n
	}
	assert.False(t, ix.Built("Post", "score"))
	require.NoError(t, ix.Build("Post", "score", staticSource(rows)))
	assert.True(t, ix.Built("Post", "score"))

	var got []int64
	require.NoError(t, ix.ScanRange("Post", "score", nil, nil, false, func(e []byte, id types.ID) error {
		v, err := codec.OrderDecode(types.KindInt64, e)
		require.NoError(t, err)
		got = append(got, v.Int())
		return nil
	}))
	assert.Equal(t, []int64{-200, -7, 0, 13, 42, 99}, got)

	// Descending.
	got = nil
	require.NoError(t, ix.ScanRange("Post", "score", nil, nil, true, func(e []byte, id types.ID) error {
		v, _ := codec.OrderDecode(types.KindInt64, e)
		got = append(got, v.Int())
		return nil
	}))
	assert.Equal(t, []int64{99, 42, 13, 0, -7, -200}, got)

	// Reload from disk: built-state persists.
	ix2, err := New(s.DB())
	require.NoError(t, err)
	assert.True(t, ix2.Built("Post", "score"))
}

func TestScanRangeInclusiveBounds(t *testing.T) {
	_, ix := openTestIndex(t)

	rows := map[types.ID]int64{}
	for n := int64(1); n <= 10; n++ {
		rows[types.NewID()] = n
	}
	require.NoError(t, ix.Build("Post", "score", staticSource(rows)))

	var got []int64
	require.NoError(t, ix.ScanRange("Post", "score",
		enc(t, types.Int64(3)), enc(t, types.Int64(7)), false,
		func(e []byte, id types.ID) error {
			v, _ := codec.OrderDecode(types.KindInt64, e)
			got = append(got, v.Int())
			return nil
		}))
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, got)
}

func TestScanGtIsExclusive(t *testing.T) {
	_, ix := openTestIndex(t)

	rows := map[types.ID]int64{}
	for n := int64(1); n <= 5; n++ {
		rows[types.NewID()] = n
	}
	require.NoError(t, ix.Build("Post", "score", staticSource(rows)))

	var got []int64
	require.NoError(t, ix.ScanGt("Post", "score", enc(t, types.Int64(3)), func(e []byte, id types.ID) error {
		v, _ := codec.OrderDecode(types.KindInt64, e)
		got = append(got, v.Int())
		return nil
	}))
	assert.Equal(t, []int64{4, 5}, got)
}

func TestEqualValuesTieBreakOnID(t *testing.T) {
	_, ix := openTestIndex(t)

	ids := []types.ID{types.NewID(), types.NewID(), types.NewID()}
	source := func(fn func(types.Value, types.ID) error) error {
		for _, id := range ids {
			if err := fn(types.Int64(5), id); err != nil {
				return err
			}
		}
		return nil
	}
	require.NoError(t, ix.Build("Post", "score", source))

	var got []types.ID
	require.NoError(t, ix.ScanRange("Post", "score", nil, nil, false, func(e []byte, id types.ID) error {
		got = append(got, id)
		return nil
	}))
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Less(t, types.CompareIDs(got[i-1], got[i]), 0)
	}
}

func TestWritesMaintainOnlyBuiltTrees(t *testing.T) {
	s, ix := openTestIndex(t)

	// Not built: AddTx is a no-op.
	id := types.NewID()
	require.NoError(t, s.DB().Update(func(tx *bolt.Tx) error {
		return ix.AddTx(tx, "Post", "score", types.Int64(1), id)
	}))
	count := 0
	require.NoError(t, ix.ScanRange("Post", "score", nil, nil, false, func([]byte, types.ID) error {
		count++
		return nil
	}))
	assert.Zero(t, count)

	// Built: synchronous maintenance.
	require.NoError(t, ix.Build("Post", "score", staticSource(map[types.ID]int64{types.NewID(): 2})))
	require.NoError(t, s.DB().Update(func(tx *bolt.Tx) error {
		return ix.AddTx(tx, "Post", "score", types.Int64(3), id)
	}))
	count = 0
	require.NoError(t, ix.ScanRange("Post", "score", nil, nil, false, func([]byte, types.ID) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)

	require.NoError(t, s.DB().Update(func(tx *bolt.Tx) error {
		return ix.RemoveTx(tx, "Post", "score", types.Int64(3), id)
	}))
	count = 0
	require.NoError(t, ix.ScanRange("Post", "score", nil, nil, false, func([]byte, types.ID) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestBuildRunsOnce(t *testing.T) {
	_, ix := openTestIndex(t)

	calls := 0
	source := func(fn func(types.Value, types.ID) error) error {
		calls++
		return fn(types.Int64(1), types.NewID())
	}
	require.NoError(t, ix.Build("Post", "score", source))
	require.NoError(t, ix.Build("Post", "score", source))
	assert.Equal(t, 1, calls)
}

func TestStringPrefixScan(t *testing.T) {
	_, ix := openTestIndex(t)

	words := []string{"alpha", "alpine", "beta", "beetle", "gamma"}
	source := func(fn func(types.Value, types.ID) error) error {
		for _, w := range words {
			if err := fn(types.String(w), types.NewID()); err != nil {
				return err
			}
		}
		return nil
	}
	require.NoError(t, ix.Build("Doc", "title", source))

	var got []string
	require.NoError(t, ix.ScanPrefix("Doc", "title", []byte("al"), func(e []byte, id types.ID) error {
		// Encoded value includes the id-stripped raw string.
		got = append(got, string(e))
		return nil
	}))
	assert.Equal(t, []string{"alpha", "alpine"}, got)
}
