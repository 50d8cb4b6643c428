// Package blockio opens files for page I/O, preferring unbuffered
// direct I/O and falling back to ordinary buffered I/O when the
// platform or filesystem does not support it.
package blockio

import (
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"

	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/types"
)

// Handle is a file opened for page-granular I/O. ReadAt/WriteAt behave
// like os.File's: they operate at an absolute offset and do not affect
// a shared cursor, so multiple goroutines may use a Handle
// concurrently.
type Handle struct {
	mu      sync.Mutex
	f       *os.File
	aligned bool
	path    string
}

// Open opens path for page I/O. If aligned is true it first attempts
// directio.OpenFile (O_DIRECT on Linux); any failure there — missing
// kernel support, a filesystem that rejects the flag, anything — falls
// back to a plain os.OpenFile and the Handle records Aligned() as
// false, mirroring the original DirectIO::open's try-then-fallback
// sequence.
func Open(path string, aligned bool, log *logrus.Logger) (*Handle, error) {
	if aligned {
		f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err == nil {
			return &Handle{f: f, aligned: true, path: path}, nil
		}
		if log != nil {
			log.WithError(err).WithField("path", path).
				Info("direct I/O unavailable, falling back to buffered I/O")
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, kverrors.Wrap("blockio.Open", kverrors.Io, err)
	}
	return &Handle{f: f, aligned: false, path: path}, nil
}

// Aligned reports whether the handle is operating in direct-I/O mode.
func (h *Handle) Aligned() bool { return h.aligned }

// Path returns the filename the handle was opened with.
func (h *Handle) Path() string { return h.path }

// NewAlignedBuffer returns a types.PageSize buffer suitable for
// ReadAt/WriteAt on this handle: directio.AlignedBlock when the handle
// is in aligned mode, a plain slice otherwise.
func (h *Handle) NewAlignedBuffer() []byte {
	if h.aligned {
		return directio.AlignedBlock(types.PageSize)
	}
	return make([]byte, types.PageSize)
}

func (h *Handle) checkAlignment(op string, offset int64, n int) error {
	if !h.aligned {
		return nil
	}
	bs := int64(directio.BlockSize)
	if offset%bs != 0 || int64(n)%bs != 0 {
		return &kverrors.Error{Op: op, Kind: kverrors.IoAlignment,
			Err: errAlignment{offset: offset, n: n, blockSize: bs}}
	}
	return nil
}

type errAlignment struct {
	offset    int64
	n         int
	blockSize int64
}

func (e errAlignment) Error() string {
	return "offset/length not aligned to device block size"
}

// ReadAt reads up to len(buf) bytes starting at offset, requesting a
// full block-size read so alignment is satisfied even when the file's
// last block is short. A read that stops at end-of-file is not an
// error — bytes beyond what the file actually has stay at whatever
// buf was zeroed to, which is what every run/WAL tail page needs.
func (h *Handle) ReadAt(buf []byte, offset int64) error {
	if err := h.checkAlignment("blockio.ReadAt", offset, len(buf)); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return kverrors.Wrap("blockio.ReadAt", kverrors.Io, err)
	}
	_ = n
	return nil
}

// WriteAt writes all of buf starting at offset.
func (h *Handle) WriteAt(buf []byte, offset int64) error {
	if err := h.checkAlignment("blockio.WriteAt", offset, len(buf)); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.f.WriteAt(buf, offset)
	if err != nil {
		return kverrors.Wrap("blockio.WriteAt", kverrors.Io, err)
	}
	return nil
}

// Size reports the current file size in bytes.
func (h *Handle) Size() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fi, err := h.f.Stat()
	if err != nil {
		return 0, kverrors.Wrap("blockio.Size", kverrors.Io, err)
	}
	return fi.Size(), nil
}

// Sync flushes the file to stable storage.
func (h *Handle) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.f.Sync(); err != nil {
		return kverrors.Wrap("blockio.Sync", kverrors.Io, err)
	}
	return nil
}

// Close closes the underlying file.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.f.Close(); err != nil {
		return kverrors.Wrap("blockio.Close", kverrors.Io, err)
	}
	return nil
}
