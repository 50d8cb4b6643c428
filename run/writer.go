// Package run implements immutable, sorted on-disk runs: a header, a
// directory of key entries sorted by key, and a value region, written
// once and never mutated thereafter.
package run

import (
	"encoding/binary"
	"os"

	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/memtable"
)

// magic and version identify a run file; headerSize and
// keyEntryHeaderSize are the fixed-width portions of the format.
const (
	magic   uint64 = 0x4B5644425F535354 // "KVDB_SST"
	version uint32 = 1

	// headerSize: magic(8) + version(4) + entryCount(4) + dataOffset(8).
	headerSize = 8 + 4 + 4 + 8
	// keyEntryHeaderSize: keyLen(4) + valueOffset(8) + valueLen(4) + tombstone(1).
	keyEntryHeaderSize = 4 + 8 + 4 + 1
)

// Entry is one record to serialize into a run.
type Entry struct {
	Key       []byte
	Value     []byte
	IsDeleted bool
}

// FromMemtable converts a memtable's sorted entries into the form
// Write expects.
func FromMemtable(entries []memtable.Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: e.Key, Value: e.Value, IsDeleted: e.IsDeleted}
	}
	return out
}

// Write serializes entries (which must already be sorted by Key) to
// path as a single forward pass: header, then key directory, then
// value bytes in directory order. It fsyncs before returning success.
func Write(path string, entries []Entry) error {
	dataOffset := headerSize
	for _, e := range entries {
		dataOffset += keyEntryHeaderSize + len(e.Key)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return kverrors.Wrap("run.Write", kverrors.Io, err)
	}
	defer f.Close()

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], magic)
	binary.LittleEndian.PutUint32(header[8:12], version)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(entries)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(dataOffset))
	if _, err := f.Write(header); err != nil {
		return kverrors.Wrap("run.Write", kverrors.Io, err)
	}

	valueOffset := uint64(dataOffset)
	offsets := make([]uint64, len(entries))
	for i, e := range entries {
		buf := make([]byte, keyEntryHeaderSize+len(e.Key))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(e.Key)))
		binary.LittleEndian.PutUint64(buf[4:12], valueOffset)
		valLen := uint32(len(e.Value))
		if e.IsDeleted {
			valLen = 0
		}
		binary.LittleEndian.PutUint32(buf[12:16], valLen)
		if e.IsDeleted {
			buf[16] = 1
		}
		copy(buf[keyEntryHeaderSize:], e.Key)
		if _, err := f.Write(buf); err != nil {
			return kverrors.Wrap("run.Write", kverrors.Io, err)
		}
		offsets[i] = valueOffset
		valueOffset += uint64(valLen)
	}

	for i, e := range entries {
		if e.IsDeleted {
			continue
		}
		if _, err := f.WriteAt(e.Value, int64(offsets[i])); err != nil {
			return kverrors.Wrap("run.Write", kverrors.Io, err)
		}
	}

	if err := f.Sync(); err != nil {
		return kverrors.Wrap("run.Write", kverrors.Io, err)
	}
	return nil
}
