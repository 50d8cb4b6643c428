package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyknight/kvdb/config"
)

func testConfig() config.Options {
	c := config.Default()
	c.MemtableByteBudget = 1 << 20
	c.Level0MaxRuns = 2
	c.BufferPoolMaxPages = 64
	c.UseAlignedIO = false
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)

	v, found, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
}

func TestDeleteHidesValue(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = s.Delete([]byte("a"))
	require.NoError(t, err)

	_, found, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestFlushThenGetReadsFromRun(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	v, found, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
}

func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig())
	require.NoError(t, err)

	_, err = s.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = s.Put([]byte("b"), []byte("2"))
	require.NoError(t, err)

	// Simulate a crash: close only the WAL/pool handles, not a clean Flush.
	require.NoError(t, s.wal.Close())
	require.NoError(t, s.pool.Close())

	s2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer s2.Close()

	v, found, err := s2.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	v, found, err = s2.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), v)
}

func TestScanReturnsSortedLiveEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("b"), []byte("2"))
	require.NoError(t, err)
	_, err = s.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = s.Put([]byte("c"), []byte("3"))
	require.NoError(t, err)
	_, err = s.Delete([]byte("c"))
	require.NoError(t, err)

	kvs, err := s.Scan(nil, nil)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "a", string(kvs[0].Key))
	require.Equal(t, "b", string(kvs[1].Key))
}

func TestGetAfterFlushesPastLevel0Limit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	s, err := Open(dir, cfg)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < cfg.Level0MaxRuns+1; i++ {
		_, err = s.Put([]byte("k"), []byte("v"))
		require.NoError(t, err)
		require.NoError(t, s.Flush())
	}

	// The flushes start background compaction; this read does not wait
	// for it, so the value must be found whether or not it has run.
	v, found, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}
