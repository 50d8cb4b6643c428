package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("b"), []byte("2"))
	tbl.Put([]byte("a"), []byte("1"))

	v, deleted, found := tbl.Get([]byte("a"))
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, []byte("1"), v)
}

func TestGetAllEntriesSortedOrder(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("c"), []byte("3"))
	tbl.Put([]byte("a"), []byte("1"))
	tbl.Put([]byte("b"), []byte("2"))

	entries := tbl.GetAllEntries()
	require.Len(t, entries, 3)
	require.Equal(t, "a", string(entries[0].Key))
	require.Equal(t, "b", string(entries[1].Key))
	require.Equal(t, "c", string(entries[2].Key))
}

func TestDeleteShadowsValue(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("a"), []byte("1"))
	tbl.Delete([]byte("a"))

	_, deleted, found := tbl.Get([]byte("a"))
	require.True(t, found)
	require.True(t, deleted)
}

func TestShouldFlushOnceBudgetExceeded(t *testing.T) {
	tbl := New(10)
	require.False(t, tbl.ShouldFlush())
	tbl.Put([]byte("key"), []byte("value-that-is-long-enough"))
	require.True(t, tbl.ShouldFlush())
}

func TestOverwriteDoesNotDoubleCountSize(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("a"), []byte("1"))
	size1 := tbl.Size()
	tbl.Put([]byte("a"), []byte("2"))
	size2 := tbl.Size()
	require.Equal(t, size1, size2)
	require.Equal(t, 1, tbl.EntryCount())
}

func TestMemoryUsageBreakdown(t *testing.T) {
	tbl := New(1 << 20)
	tbl.Put([]byte("a"), []byte("1"))
	tbl.Delete([]byte("b"))

	u := tbl.MemoryUsage()
	require.Equal(t, 1, u.AliveEntries)
	require.Equal(t, 1, u.Tombstones)
}
