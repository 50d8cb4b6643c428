package run

import (
	"encoding/binary"
	"os"
	"sort"
	"sync"

	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/storage/buffer"
	"github.com/vyknight/kvdb/types"
)

// keyEntry is one parsed directory entry: a key and where its value
// (if any) lives in the file.
type keyEntry struct {
	key         []byte
	valueOffset uint64
	valueLen    uint32
	isDeleted   bool
}

// Reader is an opened, validated run file. Point lookups and scans
// read value bytes through a shared buffer pool rather than holding
// the whole file in memory.
//
// A Reader a caller obtained from the level manager's FindPoint/
// FindRange comes back already pinned (Acquire'd) and must be unpinned
// with Release afterward; a Reader obtained any other way, such as a
// compaction task input, is pinned with Acquire before its data is
// read: compaction can retire and delete
// the underlying file at any time once it no longer appears in a
// level's run list, and Acquire/Release is what keeps that deletion
// from racing a foreground read still in flight against it.
type Reader struct {
	path       string
	pool       *buffer.Pool
	dataOffset uint64
	entries    []keyEntry

	mu        sync.Mutex
	refCount  int
	retired   bool
	onRelease func()
}

// Open validates path's header and directory and returns a Reader.
// pool is used for all value reads; passing nil is only valid for runs
// with zero entries (tests, or a fully-tombstoned, empty compaction
// output).
func Open(path string, pool *buffer.Pool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Wrap("run.Open", kverrors.Io, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, kverrors.Wrap("run.Open", kverrors.Io, err)
	}
	if fi.Size() < headerSize {
		return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errTooSmall{}}
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, kverrors.Wrap("run.Open", kverrors.Io, err)
	}
	gotMagic := binary.LittleEndian.Uint64(header[0:8])
	gotVersion := binary.LittleEndian.Uint32(header[8:12])
	entryCount := binary.LittleEndian.Uint32(header[12:16])
	dataOffset := binary.LittleEndian.Uint64(header[16:24])
	if gotMagic != magic {
		return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errBadMagic{}}
	}
	if gotVersion != version {
		return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errBadVersion{}}
	}
	if dataOffset > uint64(fi.Size()) {
		return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errBadDataOffset{}}
	}

	dirSize := dataOffset - headerSize
	dir := make([]byte, dirSize)
	if _, err := f.ReadAt(dir, headerSize); err != nil {
		return nil, kverrors.Wrap("run.Open", kverrors.Io, err)
	}

	entries := make([]keyEntry, 0, entryCount)
	pos := 0
	var prevKey []byte
	for i := uint32(0); i < entryCount; i++ {
		if pos+keyEntryHeaderSize > len(dir) {
			return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errDirTruncated{}}
		}
		keyLen := binary.LittleEndian.Uint32(dir[pos : pos+4])
		valueOffset := binary.LittleEndian.Uint64(dir[pos+4 : pos+12])
		valueLen := binary.LittleEndian.Uint32(dir[pos+12 : pos+16])
		tombstone := dir[pos+16]
		pos += keyEntryHeaderSize
		if keyLen > 1<<20 || pos+int(keyLen) > len(dir) {
			return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errDirTruncated{}}
		}
		key := make([]byte, keyLen)
		copy(key, dir[pos:pos+int(keyLen)])
		pos += int(keyLen)

		if prevKey != nil && string(key) <= string(prevKey) {
			return nil, &kverrors.Error{Op: "run.Open", Kind: kverrors.Corruption, Err: errUnsorted{}}
		}
		prevKey = key

		entries = append(entries, keyEntry{
			key: key, valueOffset: valueOffset, valueLen: valueLen, isDeleted: tombstone != 0,
		})
	}

	return &Reader{path: path, pool: pool, dataOffset: dataOffset, entries: entries}, nil
}

type errTooSmall struct{}

func (errTooSmall) Error() string { return "run: file smaller than header" }

type errBadMagic struct{}

func (errBadMagic) Error() string { return "run: bad magic number" }

type errBadVersion struct{}

func (errBadVersion) Error() string { return "run: unsupported version" }

type errBadDataOffset struct{}

func (errBadDataOffset) Error() string { return "run: data offset beyond file size" }

type errDirTruncated struct{}

func (errDirTruncated) Error() string { return "run: key directory truncated" }

type errUnsorted struct{}

func (errUnsorted) Error() string { return "run: key directory not strictly sorted" }

// Acquire pins the reader so the file it backs will not be removed
// from disk until a matching Release. FindPoint/FindRange call it on
// the caller's behalf for every Reader they return.
func (r *Reader) Acquire() {
	r.mu.Lock()
	r.refCount++
	r.mu.Unlock()
}

// Release unpins the reader. If the reader has already been retired
// by a compaction and this was the last outstanding reference, the
// deferred removal of its backing file runs now.
func (r *Reader) Release() {
	r.mu.Lock()
	r.refCount--
	var fn func()
	if r.retired && r.refCount <= 0 && r.onRelease != nil {
		fn = r.onRelease
		r.onRelease = nil
	}
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Retire marks the reader as superseded. onGone runs immediately if
// no caller currently holds a reference, or on the final Release
// otherwise. Called by the level manager once a reader has been
// dropped from its level's run list.
func (r *Reader) Retire(onGone func()) {
	r.mu.Lock()
	r.retired = true
	fire := r.refCount <= 0
	if !fire {
		r.onRelease = onGone
	}
	r.mu.Unlock()
	if fire {
		onGone()
	}
}

// Path returns the run's backing filename.
func (r *Reader) Path() string { return r.path }

// Len returns the number of entries (live or tombstone) in the run.
func (r *Reader) Len() int { return len(r.entries) }

// MinKey returns the smallest key in the run, or nil if empty.
func (r *Reader) MinKey() []byte {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[0].key
}

// MaxKey returns the largest key in the run, or nil if empty.
func (r *Reader) MaxKey() []byte {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1].key
}

func (r *Reader) search(key []byte) (int, bool) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return string(r.entries[i].key) >= string(key)
	})
	if i < len(r.entries) && string(r.entries[i].key) == string(key) {
		return i, true
	}
	return i, false
}

// Get looks up key. found is false if the run has no entry for key at
// all. If found is true, isDeleted reports whether the entry is a
// tombstone, in which case value is nil — the reader never suppresses
// tombstones itself; callers merging across levels decide what a
// tombstone means at their layer.
func (r *Reader) Get(key []byte) (value []byte, isDeleted bool, found bool, err error) {
	i, ok := r.search(key)
	if !ok {
		return nil, false, false, nil
	}
	e := r.entries[i]
	if e.isDeleted {
		return nil, true, true, nil
	}
	v, err := r.readValue(e.valueOffset, e.valueLen)
	if err != nil {
		return nil, false, false, err
	}
	return v, false, true, nil
}

// KV is one entry produced by Scan.
type KV struct {
	Key       []byte
	Value     []byte
	IsDeleted bool
}

// Scan returns every entry with start <= key <= end (inclusive), in
// ascending key order, including tombstones — it is the caller's job
// to drop or honor them.
func (r *Reader) Scan(start, end []byte) ([]KV, error) {
	lo := sort.Search(len(r.entries), func(i int) bool {
		return string(r.entries[i].key) >= string(start)
	})
	var out []KV
	for i := lo; i < len(r.entries); i++ {
		e := r.entries[i]
		if end != nil && string(e.key) > string(end) {
			break
		}
		kv := KV{Key: e.key, IsDeleted: e.isDeleted}
		if !e.isDeleted {
			v, err := r.readValue(e.valueOffset, e.valueLen)
			if err != nil {
				return nil, err
			}
			kv.Value = v
		}
		out = append(out, kv)
	}
	return out, nil
}

// readValue reads length bytes starting at offset through the buffer
// pool, pinning and reading every page the range spans — a value is
// not guaranteed to fit in a single page.
func (r *Reader) readValue(offset uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if r.pool == nil {
		return nil, &kverrors.Error{Op: "run.readValue", Kind: kverrors.Invariant,
			Err: errNoPool{}}
	}
	out := make([]byte, 0, length)
	remaining := int(length)
	cur := offset
	for remaining > 0 {
		pageOffset := cur - (cur % types.PageSize)
		id := types.NewPageID(r.path, pageOffset)
		pg, err := r.pool.GetPage(id)
		if err != nil {
			return nil, err
		}
		inPage := int(cur - pageOffset)
		avail := types.PageSize - inPage
		take := avail
		if take > remaining {
			take = remaining
		}
		chunk, err := pg.CopyOut(inPage, take)
		unpinErr := r.pool.UnpinPage(id, false)
		if err != nil {
			return nil, err
		}
		if unpinErr != nil {
			return nil, unpinErr
		}
		out = append(out, chunk...)
		cur += uint64(take)
		remaining -= take
	}
	return out, nil
}

type errNoPool struct{}

func (errNoPool) Error() string { return "run: value read requires a buffer pool" }
