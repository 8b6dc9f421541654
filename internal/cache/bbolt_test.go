package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *IDCache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "ids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := testCache(t)

	require.NoError(t, c.Put("promotions", []string{"a", "b", "c"}))

	ids, err := c.Get("promotions")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids)

	// Put replaces, not appends.
	require.NoError(t, c.Put("promotions", []string{"d"}))
	ids, err = c.Get("promotions")
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, ids)
}

func TestGet_AbsentCategory(t *testing.T) {
	c := testCache(t)

	ids, err := c.Get("social")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRemove_KeepsRemainder(t *testing.T) {
	c := testCache(t)

	require.NoError(t, c.Put("promotions", []string{"a", "b", "c", "d"}))
	require.NoError(t, c.Remove("promotions", []string{"b", "d", "zzz"}))

	ids, err := c.Get("promotions")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids)

	// Removing from an absent category is a no-op.
	require.NoError(t, c.Remove("social", []string{"x"}))
}

func TestClearAndCounts(t *testing.T) {
	c := testCache(t)

	require.NoError(t, c.Put("promotions", []string{"a", "b"}))
	require.NoError(t, c.Put("social", []string{"c"}))

	counts, err := c.Counts()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"promotions": 2, "social": 1}, counts)

	require.NoError(t, c.Clear("promotions"))
	counts, err = c.Counts()
	require.NoError(t, err)
	require.Equal(t, map[string]int{"social": 1}, counts)
}
