package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyknight/kvdb/types"
)

func testOptions() Options {
	return Options{
		MaxPages:           4,
		BucketCapacity:     2,
		InitialGlobalDepth: 1,
		MaxGlobalDepth:     4,
		UseAlignedIO:       false,
	}
}

func TestGetPageLoadsAndPins(t *testing.T) {
	dir := t.TempDir()
	p := New(testOptions())
	defer p.Close()

	id := types.NewPageID(filepath.Join(dir, "a.dat"), 0)
	pg, err := p.GetPage(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, pg.PinCount())
	require.NoError(t, p.UnpinPage(id, false))
	require.EqualValues(t, 0, pg.PinCount())
}

func TestGetPageCacheHitReturnsSamePage(t *testing.T) {
	dir := t.TempDir()
	p := New(testOptions())
	defer p.Close()

	id := types.NewPageID(filepath.Join(dir, "a.dat"), 0)
	pg1, err := p.GetPage(id)
	require.NoError(t, err)
	require.NoError(t, p.UnpinPage(id, false))

	pg2, err := p.GetPage(id)
	require.NoError(t, err)
	require.Same(t, pg1, pg2)
	require.NoError(t, p.UnpinPage(id, false))

	require.EqualValues(t, 1, p.Stats().Hits)
}

func TestDirtyPageFlushedOnEviction(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.dat")
	p := New(testOptions())
	defer p.Close()

	var ids []types.PageID
	for i := 0; i < 6; i++ {
		id := types.NewPageID(file, uint64(i)*types.PageSize)
		ids = append(ids, id)
		pg, err := p.GetPage(id)
		require.NoError(t, err)
		require.NoError(t, pg.CopyIn(0, []byte{byte(i + 1)}))
		require.NoError(t, p.UnpinPage(id, true))
	}

	require.Greater(t, p.Stats().Evictions, uint64(0))

	pg, err := p.GetPage(ids[0])
	require.NoError(t, err)
	data, err := pg.CopyOut(0, 1)
	require.NoError(t, err)
	require.Equal(t, byte(1), data[0])
	require.NoError(t, p.UnpinPage(ids[0], false))
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.dat")
	p := New(testOptions())
	defer p.Close()

	for i := 0; i < 4; i++ {
		id := types.NewPageID(file, uint64(i)*types.PageSize)
		_, err := p.GetPage(id)
		require.NoError(t, err)
	}

	_, err := p.GetPage(types.NewPageID(file, 4*types.PageSize))
	require.Error(t, err)
}

func TestGetPageReadsPartialFinalPage(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.dat")

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	require.NoError(t, os.WriteFile(file, payload, 0644))

	p := New(testOptions())
	defer p.Close()

	id := types.NewPageID(file, 0)
	pg, err := p.GetPage(id)
	require.NoError(t, err)
	data, err := pg.CopyOut(0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.NoError(t, p.UnpinPage(id, false))
}

func TestBucketSplitsAndDirectoryGrows(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.dat")
	opts := testOptions()
	opts.MaxPages = 64
	opts.BucketCapacity = 2
	p := New(opts)
	defer p.Close()

	for i := 0; i < 20; i++ {
		id := types.NewPageID(file, uint64(i)*types.PageSize)
		pg, err := p.GetPage(id)
		require.NoError(t, err)
		require.NoError(t, p.UnpinPage(id, false))
		_ = pg
	}

	stats := p.Stats()
	require.Greater(t, stats.Splits, uint64(0))
	require.Equal(t, 20, stats.UsedPages)
}
