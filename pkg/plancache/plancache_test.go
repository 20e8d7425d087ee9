package plancache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlan struct{ name string }

func TestGetPutAndCounters(t *testing.T) {
	c, err := New[*fakePlan](8)
	require.NoError(t, err)

	_, ok := c.Get("fp1")
	assert.False(t, ok)

	c.Put("fp1", &fakePlan{name: "a"})
	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "a", got.name)

	hits, misses, evictions := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
	assert.Zero(t, evictions)
}

func TestLRUEviction(t *testing.T) {
	c, err := New[*fakePlan](4)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("fp%d", i), &fakePlan{})
	}
	assert.Equal(t, 4, c.Len())
	_, _, evictions := c.Stats()
	assert.EqualValues(t, 6, evictions)

	// Oldest entries are gone, newest survive.
	_, ok := c.Get("fp0")
	assert.False(t, ok)
	_, ok = c.Get("fp9")
	assert.True(t, ok)
}

func TestInvalidateDropsEverything(t *testing.T) {
	c, err := New[*fakePlan](8)
	require.NoError(t, err)
	c.Put("fp1", &fakePlan{})
	c.Put("fp2", &fakePlan{})

	c.Invalidate("catalog version bump")
	assert.Zero(t, c.Len())
	_, ok := c.Get("fp1")
	assert.False(t, ok)
}

func TestZeroSizeUsesDefault(t *testing.T) {
	c, err := New[*fakePlan](0)
	require.NoError(t, err)
	c.Put("fp", &fakePlan{})
	_, ok := c.Get("fp")
	assert.True(t, ok)
}
