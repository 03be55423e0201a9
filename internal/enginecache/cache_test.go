package enginecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidSizing(t *testing.T) {
	_, err := New[int, string](2, 1, nil)
	assert.Error(t, err, "capacity below 4 must be rejected")

	_, err = New[int, string](4, 4, nil)
	assert.Error(t, err, "survive_size >= capacity must be rejected")
}

func TestGetLoadsOnceAndHitsThereafter(t *testing.T) {
	c, err := New[int, string](4, 2, nil)
	require.NoError(t, err)

	loads := 0
	loader := func() (string, error) {
		loads++
		return "value", nil
	}

	v, err := c.Get(1, loader)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	v, err = c.Get(1, loader)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	assert.Equal(t, 1, loads, "second Get must hit the cache, not call the loader again")
}

func TestRebalanceKeepsHighestFrequencyEntries(t *testing.T) {
	c, err := New[int, string](4, 3, nil)
	require.NoError(t, err)

	loader := func(v string) func() (string, error) {
		return func() (string, error) { return v, nil }
	}

	require.NoError(t, must(c.Get(1, loader("a"))))
	require.NoError(t, must(c.Get(2, loader("b"))))
	require.NoError(t, must(c.Get(3, loader("c"))))
	require.NoError(t, must(c.Get(4, loader("d"))))

	// Access key 1 repeatedly so it accumulates the highest count, then
	// force an overflow with a 5th distinct key.
	for i := 0; i < 2; i++ {
		_, err := c.Get(1, loader("a"))
		require.NoError(t, err)
	}

	_, err = c.Get(5, loader("e"))
	require.NoError(t, err)

	assert.LessOrEqual(t, c.Len(), 4)
	_, ok := c.Peek(1)
	assert.True(t, ok, "the most frequently accessed key must survive rebalance")
}

func TestEraseAndClear(t *testing.T) {
	c, err := New[int, string](4, 2, nil)
	require.NoError(t, err)

	_, err = c.Get(1, func() (string, error) { return "a", nil })
	require.NoError(t, err)

	c.Erase(1)
	_, ok := c.Peek(1)
	assert.False(t, ok)

	_, err = c.Get(2, func() (string, error) { return "b", nil })
	require.NoError(t, err)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestMutateEachAppliesToEveryEntry(t *testing.T) {
	c, err := New[int, int](4, 2, nil)
	require.NoError(t, err)

	_, err = c.Get(1, func() (int, error) { return 10, nil })
	require.NoError(t, err)
	_, err = c.Get(2, func() (int, error) { return 20, nil })
	require.NoError(t, err)

	c.MutateEach(func(key int, value int) int { return value + 1 })

	v, ok := c.Peek(1)
	require.True(t, ok)
	assert.Equal(t, 11, v)

	v, ok = c.Peek(2)
	require.True(t, ok)
	assert.Equal(t, 21, v)
}

func must(v string, err error) error { return err }
