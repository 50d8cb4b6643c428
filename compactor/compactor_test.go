package compactor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyknight/kvdb/run"
	"github.com/vyknight/kvdb/storage/buffer"
)

func testPool() *buffer.Pool {
	return buffer.New(buffer.Options{MaxPages: 64, BucketCapacity: 4, InitialGlobalDepth: 2, MaxGlobalDepth: 8})
}

func openRun(t *testing.T, dir, name string, kvs []run.Entry, pool *buffer.Pool) *run.Reader {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, run.Write(path, kvs))
	r, err := run.Open(path, pool)
	require.NoError(t, err)
	return r
}

func TestCompactNewestWins(t *testing.T) {
	dir := t.TempDir()
	pool := testPool()
	defer pool.Close()

	older := openRun(t, dir, "a.sst", []run.Entry{{Key: []byte("k"), Value: []byte("old")}}, pool)
	newer := openRun(t, dir, "b.sst", []run.Entry{{Key: []byte("k"), Value: []byte("new")}}, pool)

	out, stats, err := Compact([]Input{
		{Reader: older, Sequence: 1},
		{Reader: newer, Sequence: 2},
	}, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []byte("new"), out[0].Value)
	require.EqualValues(t, 1, stats.DuplicatesDropped)
}

func TestCompactDropsTombstonesAtTerminal(t *testing.T) {
	dir := t.TempDir()
	pool := testPool()
	defer pool.Close()

	r := openRun(t, dir, "a.sst", []run.Entry{{Key: []byte("k"), IsDeleted: true}}, pool)

	out, stats, err := Compact([]Input{{Reader: r, Sequence: 1}}, true)
	require.NoError(t, err)
	require.Empty(t, out)
	require.EqualValues(t, 1, stats.TombstonesDropped)
}

func TestCompactKeepsTombstonesWhenNotTerminal(t *testing.T) {
	dir := t.TempDir()
	pool := testPool()
	defer pool.Close()

	r := openRun(t, dir, "a.sst", []run.Entry{{Key: []byte("k"), IsDeleted: true}}, pool)

	out, stats, err := Compact([]Input{{Reader: r, Sequence: 1}}, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].IsDeleted)
	require.EqualValues(t, 0, stats.TombstonesDropped)
}

func TestCompactMergesDisjointKeysInOrder(t *testing.T) {
	dir := t.TempDir()
	pool := testPool()
	defer pool.Close()

	r1 := openRun(t, dir, "a.sst", []run.Entry{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("c"), Value: []byte("3")}}, pool)
	r2 := openRun(t, dir, "b.sst", []run.Entry{{Key: []byte("b"), Value: []byte("2")}}, pool)

	out, _, err := Compact([]Input{{Reader: r1, Sequence: 1}, {Reader: r2, Sequence: 2}}, false)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "a", string(out[0].Key))
	require.Equal(t, "b", string(out[1].Key))
	require.Equal(t, "c", string(out[2].Key))
}
