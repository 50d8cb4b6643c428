package blockio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyknight/kvdb/types"
)

func TestOpenWithoutAlignedIOIsBuffered(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(filepath.Join(dir, "data.bin"), false, nil)
	require.NoError(t, err)
	defer h.Close()
	require.False(t, h.Aligned())
}

func TestWriteAtThenReadAtRoundTrips(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(filepath.Join(dir, "data.bin"), false, nil)
	require.NoError(t, err)
	defer h.Close()

	buf := h.NewAlignedBuffer()
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	require.NoError(t, h.WriteAt(buf, 0))
	require.NoError(t, h.Sync())

	readBuf := make([]byte, types.PageSize)
	require.NoError(t, h.ReadAt(readBuf, 0))
	require.Equal(t, buf, readBuf)
}

func TestSizeReflectsWrites(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(filepath.Join(dir, "data.bin"), false, nil)
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, types.PageSize)
	require.NoError(t, h.WriteAt(buf, types.PageSize))

	sz, err := h.Size()
	require.NoError(t, err)
	require.Equal(t, int64(2*types.PageSize), sz)
}
