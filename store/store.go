// Package store binds the write-ahead log, memtable, buffer pool,
// level manager, and compactor into a single public key-value store
// facade.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/vyknight/kvdb/compactor"
	"github.com/vyknight/kvdb/config"
	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/level"
	"github.com/vyknight/kvdb/memtable"
	"github.com/vyknight/kvdb/run"
	"github.com/vyknight/kvdb/storage/buffer"
	"github.com/vyknight/kvdb/wal"
)

// KV is one entry returned from Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Stats mirrors the original KVDBStats surface.
type Stats struct {
	Puts            uint64
	Gets            uint64
	Deletes         uint64
	Scans           uint64
	MemtableFlushes uint64
	SSTFiles        int
	TotalDataSize   int64
	Buffer          buffer.Stats
	Memtable        memtable.Stats
}

// Store is a single-node, persistent, ordered key-value store backed
// by an LSM tree.
type Store struct {
	path string
	cfg  config.Options
	log  *logrus.Logger

	memMu  sync.RWMutex
	mem    *memtable.Table
	wal    *wal.Log
	pool   *buffer.Pool
	levels *level.Manager

	seq uint64 // monotonic counter feeding flush/compaction filenames

	compactMu sync.Mutex // serializes background compaction runs
	closed    int32

	statsMu sync.Mutex
	stats   Stats
}

// Open opens (or creates) a store rooted at path, recovering any
// unflushed writes from its write-ahead log.
func Open(path string, cfg config.Options) (*Store, error) {
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, kverrors.Wrap("store.Open", kverrors.Io, err)
	}

	pool := buffer.New(buffer.OptionsFromConfig(cfg))

	levels, err := level.Open(path, pool, level.Options{
		Level0MaxRuns: cfg.Level0MaxRuns,
		SizeRatio:     cfg.SizeRatio,
		MaxLevels:     cfg.MaxLevels,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(filepath.Join(path, "wal.log"), cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		cfg:    cfg,
		log:    cfg.Logger,
		mem:    memtable.New(cfg.MemtableByteBudget),
		wal:    w,
		pool:   pool,
		levels: levels,
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover replays the write-ahead log into the memtable, flushing
// mid-replay whenever the budget is reached so a log larger than the
// configured budget never leaves the memtable over-budget once
// recovery completes.
func (s *Store) recover() error {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	records, err := s.wal.Replay()
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.Op {
		case wal.OpPut:
			s.mem.Put(rec.Key, rec.Value)
		case wal.OpDelete:
			s.mem.Delete(rec.Key)
		}
		if s.mem.ShouldFlush() {
			if err := s.flushLocked(); err != nil {
				return err
			}
		}
	}
	if len(records) > 0 && s.log != nil {
		s.log.WithField("records", len(records)).Info("store: recovered write-ahead log")
	}
	return nil
}

// Put inserts or overwrites key with value. It returns once the write
// is durable in the write-ahead log.
func (s *Store) Put(key, value []byte) (bool, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	if err := s.wal.AppendPut(key, value); err != nil {
		return false, err
	}
	existed := s.mem.Contains(key)
	s.mem.Put(key, value)
	s.bumpStat(func(st *Stats) { st.Puts++ })

	if s.mem.ShouldFlush() {
		if err := s.flushLocked(); err != nil {
			return false, err
		}
	}
	return existed, nil
}

// Delete records a tombstone for key.
func (s *Store) Delete(key []byte) (bool, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	if err := s.wal.AppendDelete(key); err != nil {
		return false, err
	}
	existed := s.mem.Contains(key)
	s.mem.Delete(key)
	s.bumpStat(func(st *Stats) { st.Deletes++ })

	if s.mem.ShouldFlush() {
		if err := s.flushLocked(); err != nil {
			return false, err
		}
	}
	return existed, nil
}

// Get looks up key, checking the memtable first, then level 0 newest
// to oldest, then higher levels. It returns found=false if no live
// entry exists anywhere (including the case where the newest entry is
// a tombstone).
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	s.bumpStat(func(st *Stats) { st.Gets++ })

	s.memMu.RLock()
	if v, isDeleted, found := s.mem.Get(key); found {
		s.memMu.RUnlock()
		if isDeleted {
			return nil, false, nil
		}
		return v, true, nil
	}
	s.memMu.RUnlock()

	candidates := s.levels.FindPoint(key)
	defer func() {
		for _, r := range candidates {
			r.Release()
		}
	}()
	for _, r := range candidates {
		v, isDeleted, found, err := r.Get(key)
		if err != nil {
			return nil, false, err
		}
		if found {
			if isDeleted {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Scan returns every live key in [start, end], merging the memtable
// and every overlapping run, newest value winning and tombstones
// suppressed.
func (s *Store) Scan(start, end []byte) ([]KV, error) {
	s.bumpStat(func(st *Stats) { st.Scans++ })

	type candidate struct {
		value     []byte
		isDeleted bool
		seq       uint64 // higher wins; memtable is always newest
	}
	merged := make(map[string]candidate)

	runs := s.levels.FindRange(start, end)
	defer func() {
		for _, r := range runs {
			r.Release()
		}
	}()
	var maxSeq uint64
	for _, r := range runs {
		kvs, err := r.Scan(start, end)
		if err != nil {
			return nil, err
		}
		seq := level.SequenceOf(r)
		if seq > maxSeq {
			maxSeq = seq
		}
		for _, kv := range kvs {
			key := string(kv.Key)
			if existing, ok := merged[key]; !ok || seq > existing.seq {
				merged[key] = candidate{value: kv.Value, isDeleted: kv.IsDeleted, seq: seq}
			}
		}
	}

	s.memMu.RLock()
	for _, e := range s.mem.GetAllEntries() {
		if string(e.Key) < string(start) || (end != nil && string(e.Key) > string(end)) {
			continue
		}
		merged[string(e.Key)] = candidate{value: e.Value, isDeleted: e.IsDeleted, seq: maxSeq + 1}
	}
	s.memMu.RUnlock()

	var out []KV
	for k, c := range merged {
		if c.isDeleted {
			continue
		}
		out = append(out, KV{Key: []byte(k), Value: c.value})
	}
	sortKVs(out)
	return out, nil
}

func sortKVs(kvs []KV) {
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && string(kvs[j].Key) < string(kvs[j-1].Key); j-- {
			kvs[j], kvs[j-1] = kvs[j-1], kvs[j]
		}
	}
}

// Flush forces the current memtable to disk as a new level-0 run,
// even if it has not yet reached its byte budget.
func (s *Store) Flush() error {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if s.mem.EntryCount() == 0 {
		return nil
	}
	return s.flushLocked()
}

// flushLocked must be called with memMu held.
func (s *Store) flushLocked() error {
	entries := s.mem.GetAllEntries()
	tmp := filepath.Join(s.path, fmt.Sprintf("flush-%d.tmp", atomic.AddUint64(&s.seq, 1)))
	if err := run.Write(tmp, run.FromMemtable(entries)); err != nil {
		return err
	}
	if err := s.levels.IngestLevel0(tmp); err != nil {
		return err
	}
	s.mem.Clear()
	if err := s.wal.Truncate(); err != nil {
		return err
	}
	s.bumpStat(func(st *Stats) { st.MemtableFlushes++ })

	go s.maybeCompact()
	return nil
}

// maybeCompact runs any compactions the level manager reports as
// needed, one at a time, until none remain. It is invoked after every
// flush on its own goroutine so Put/Delete/Get/Scan never block on it
// beyond the level manager's brief install critical section.
func (s *Store) maybeCompact() {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	for {
		task, ok := s.levels.NextCompaction()
		if !ok {
			return
		}
		if err := s.runCompaction(task); err != nil {
			if s.log != nil {
				s.log.WithError(err).Warn("store: compaction failed")
			}
			return
		}
	}
}

func (s *Store) runCompaction(task level.CompactionTask) error {
	inputs := make([]compactor.Input, len(task.Inputs))
	for i, r := range task.Inputs {
		r.Acquire()
		inputs[i] = compactor.Input{Reader: r, Sequence: level.SequenceOf(r)}
	}
	defer func() {
		for _, r := range task.Inputs {
			r.Release()
		}
	}()
	merged, _, err := compactor.Compact(inputs, task.Terminal)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return s.levels.InstallCompaction(task, nil)
	}
	out := s.levels.NextOutputPath(task.TargetLevel)
	if err := run.Write(out, merged); err != nil {
		return err
	}
	return s.levels.InstallCompaction(task, []string{out})
}

func (s *Store) bumpStat(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// Stats returns a snapshot of store-wide counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()

	st.Buffer = s.pool.Stats()
	s.memMu.RLock()
	st.Memtable = s.mem.Stats()
	s.memMu.RUnlock()

	n := 0
	var total int64
	for _, lvl := range s.levels.Levels() {
		n += lvl.Size()
		for _, r := range lvl.Runs {
			if fi, err := os.Stat(r.Path()); err == nil {
				total += fi.Size()
			}
		}
	}
	st.SSTFiles = n
	st.TotalDataSize = total
	return st
}

// Close flushes the current memtable and releases every open file
// handle. After Close returns, the Store must not be used again.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.wal.Close(); err != nil {
		return err
	}
	return s.pool.Close()
}
