// Package wal implements the write-ahead log every mutation passes
// through before it is applied to the memtable: a fixed header
// followed by a sequence of typed put/delete records, replayed in
// order on recovery.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/vyknight/kvdb/kverrors"
)

// magic and version identify the header; a file that fails this check
// on open is treated as corrupt rather than silently ignored.
const (
	magic   uint64 = 0x57414C5F53454D44 // "WAL_SEMD"
	version uint32 = 1
	// headerSize is magic(8) + version(4) + entryCount(4).
	headerSize = 8 + 4 + 4
)

// OpType distinguishes a put record from a delete (tombstone) record.
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
)

// Record is one entry replayed from the log.
type Record struct {
	Op    OpType
	Key   []byte
	Value []byte // empty for OpDelete
}

// Log is an append-only, header-tracked write-ahead log file.
type Log struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	count    uint64
	log      *logrus.Logger
}

// Open opens path, creating it with a fresh empty header if it does
// not exist, and leaves the file positioned for appends.
func Open(path string, log *logrus.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, kverrors.Wrap("wal.Open", kverrors.Io, err)
	}
	w := &Log{path: path, f: f, log: log}

	fi, err := f.Stat()
	if err != nil {
		return nil, kverrors.Wrap("wal.Open", kverrors.Io, err)
	}
	if fi.Size() == 0 {
		if err := w.writeHeaderLocked(0); err != nil {
			return nil, err
		}
	} else {
		count, err := w.readHeaderLocked()
		if err != nil {
			return nil, err
		}
		w.count = count
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, kverrors.Wrap("wal.Open", kverrors.Io, err)
	}
	return w, nil
}

func (w *Log) writeHeaderLocked(count uint64) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], magic)
	binary.LittleEndian.PutUint32(buf[8:12], version)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(count))
	if _, err := w.f.WriteAt(buf, 0); err != nil {
		return kverrors.Wrap("wal.writeHeader", kverrors.Io, err)
	}
	w.count = count
	return nil
}

func (w *Log) readHeaderLocked() (uint64, error) {
	buf := make([]byte, headerSize)
	if _, err := w.f.ReadAt(buf, 0); err != nil {
		return 0, kverrors.Wrap("wal.readHeader", kverrors.Io, err)
	}
	gotMagic := binary.LittleEndian.Uint64(buf[0:8])
	gotVersion := binary.LittleEndian.Uint32(buf[8:12])
	if gotMagic != magic {
		return 0, &kverrors.Error{Op: "wal.readHeader", Kind: kverrors.Corruption,
			Err: errBadMagic{}}
	}
	if gotVersion != version {
		return 0, &kverrors.Error{Op: "wal.readHeader", Kind: kverrors.Corruption,
			Err: errBadVersion{got: gotVersion}}
	}
	return uint64(binary.LittleEndian.Uint32(buf[12:16])), nil
}

type errBadMagic struct{}

func (errBadMagic) Error() string { return "wal: bad magic number" }

type errBadVersion struct{ got uint32 }

func (e errBadVersion) Error() string { return "wal: unsupported version" }

// AppendPut durably records a put. It returns only after the record
// and the updated header have been written and fsynced.
func (w *Log) AppendPut(key, value []byte) error {
	return w.append(OpPut, key, value)
}

// AppendDelete durably records a tombstone for key.
func (w *Log) AppendDelete(key []byte) error {
	return w.append(OpDelete, key, nil)
}

func (w *Log) append(op OpType, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	switch op {
	case OpPut:
		buf = make([]byte, 1+4+len(key)+4+len(value))
		buf[0] = byte(op)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
		copy(buf[5:], key)
		off := 5 + len(key)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(value)))
		copy(buf[off+4:], value)
	case OpDelete:
		buf = make([]byte, 1+4+len(key))
		buf[0] = byte(op)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
		copy(buf[5:], key)
	}

	if _, err := w.f.Write(buf); err != nil {
		return kverrors.Wrap("wal.append", kverrors.Io, err)
	}
	if err := w.writeHeaderLocked(w.count + 1); err != nil {
		return err
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return kverrors.Wrap("wal.append", kverrors.Io, err)
	}
	if err := w.f.Sync(); err != nil {
		return kverrors.Wrap("wal.append", kverrors.Io, err)
	}
	return nil
}

// Replay reads every record written so far, in order, stopping
// cleanly (and logging a warning) if the tail is truncated mid-record
// rather than returning an error — a crash can leave an incomplete
// final record and recovery must still succeed up to that point.
func (w *Log) Replay() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(headerSize, io.SeekStart); err != nil {
		return nil, kverrors.Wrap("wal.Replay", kverrors.Io, err)
	}
	r := bufio.NewReader(w.f)

	var records []Record
	for i := uint64(0); i < w.count; i++ {
		rec, ok, err := readRecord(r)
		if err != nil {
			return nil, kverrors.Wrap("wal.Replay", kverrors.Io, err)
		}
		if !ok {
			if w.log != nil {
				w.log.WithField("path", w.path).Warn("wal: truncated tail record, stopping replay")
			}
			break
		}
		records = append(records, rec)
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return nil, kverrors.Wrap("wal.Replay", kverrors.Io, err)
	}
	return records, nil
}

func readRecord(r *bufio.Reader) (Record, bool, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return Record{}, false, nil
	}
	op := OpType(opByte)

	keyLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, keyLenBuf); err != nil {
		return Record{}, false, nil
	}
	keyLen := binary.LittleEndian.Uint32(keyLenBuf)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, false, nil
	}

	if op == OpDelete {
		return Record{Op: op, Key: key}, true, nil
	}

	valLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, valLenBuf); err != nil {
		return Record{}, false, nil
	}
	valLen := binary.LittleEndian.Uint32(valLenBuf)
	val := make([]byte, valLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return Record{}, false, nil
	}
	return Record{Op: op, Key: key, Value: val}, true, nil
}

// Truncate discards every record, leaving a fresh empty-header log.
// It writes the replacement file atomically via natefinch/atomic so a
// crash mid-truncate can never leave a zero-length or half-written
// WAL behind, a stronger guarantee than an in-place truncate gives.
func (w *Log) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], magic)
	binary.LittleEndian.PutUint32(buf[8:12], version)
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	if err := atomic.WriteFile(w.path, bytes.NewReader(buf)); err != nil {
		return kverrors.Wrap("wal.Truncate", kverrors.Io, err)
	}
	if err := w.f.Close(); err != nil {
		return kverrors.Wrap("wal.Truncate", kverrors.Io, err)
	}
	f, err := os.OpenFile(w.path, os.O_RDWR, 0644)
	if err != nil {
		return kverrors.Wrap("wal.Truncate", kverrors.Io, err)
	}
	w.f = f
	w.count = 0
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return kverrors.Wrap("wal.Truncate", kverrors.Io, err)
	}
	return nil
}

// Size returns the number of records written so far.
func (w *Log) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying file.
func (w *Log) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Close(); err != nil {
		return kverrors.Wrap("wal.Close", kverrors.Io, err)
	}
	return nil
}
