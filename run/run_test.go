package run

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyknight/kvdb/storage/buffer"
)

func testPool() *buffer.Pool {
	return buffer.New(buffer.Options{
		MaxPages:           64,
		BucketCapacity:     4,
		InitialGlobalDepth: 2,
		MaxGlobalDepth:     8,
		UseAlignedIO:       false,
	})
}

func TestWriteAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1.sst")
	entries := []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), IsDeleted: true},
	}
	require.NoError(t, Write(path, entries))

	pool := testPool()
	defer pool.Close()
	r, err := Open(path, pool)
	require.NoError(t, err)

	v, deleted, found, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, []byte("1"), v)

	_, deleted, found, err = r.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, deleted)

	_, _, found, err = r.Get([]byte("zzz"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestScanRangeIncludesTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1.sst")
	entries := []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), IsDeleted: true},
		{Key: []byte("c"), Value: []byte("3")},
	}
	require.NoError(t, Write(path, entries))

	pool := testPool()
	defer pool.Close()
	r, err := Open(path, pool)
	require.NoError(t, err)

	kvs, err := r.Scan([]byte("a"), []byte("c"))
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	require.True(t, kvs[1].IsDeleted)
}

func TestMinMaxKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1.sst")
	entries := []Entry{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("z"), Value: []byte("2")},
	}
	require.NoError(t, Write(path, entries))

	pool := testPool()
	defer pool.Close()
	r, err := Open(path, pool)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), r.MinKey())
	require.Equal(t, []byte("z"), r.MaxKey())
}

func TestValueSpanningMultiplePages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1.sst")
	big := make([]byte, 9000)
	for i := range big {
		big[i] = byte(i % 256)
	}
	entries := []Entry{{Key: []byte("big"), Value: big}}
	require.NoError(t, Write(path, entries))

	pool := testPool()
	defer pool.Close()
	r, err := Open(path, pool)
	require.NoError(t, err)

	v, _, found, err := r.Get([]byte("big"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, big, v)
}

func TestRetireDefersUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1.sst")
	entries := []Entry{{Key: []byte("a"), Value: []byte("1")}}
	require.NoError(t, Write(path, entries))

	pool := testPool()
	defer pool.Close()
	r, err := Open(path, pool)
	require.NoError(t, err)

	r.Acquire()

	fired := false
	r.Retire(func() { fired = true })
	require.False(t, fired, "retire must not fire while a reference is outstanding")

	r.Release()
	require.True(t, fired, "retire must fire once the last reference is released")
}

func TestRetireFiresImmediatelyWithNoOutstandingReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run1.sst")
	entries := []Entry{{Key: []byte("a"), Value: []byte("1")}}
	require.NoError(t, Write(path, entries))

	pool := testPool()
	defer pool.Close()
	r, err := Open(path, pool)
	require.NoError(t, err)

	fired := false
	r.Retire(func() { fired = true })
	require.True(t, fired)
}

func TestOpenRejectsUnsortedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sst")
	// Write valid entries then hand-corrupt won't be attempted here;
	// instead verify Write itself always emits sorted input faithfully
	// by writing out-of-order entries and confirming Open rejects them.
	entries := []Entry{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
	}
	require.NoError(t, Write(path, entries))

	_, err := Open(path, nil)
	require.Error(t, err)
}
