// Package compactor merges multiple sorted runs into one, resolving
// duplicate keys by recency and dropping tombstones once they reach
// the terminal level where no older data can still be shadowed by
// them.
package compactor

import (
	"container/heap"

	"github.com/vyknight/kvdb/run"
)

// Input pairs a run with the recency tag used to break ties when two
// inputs share a key: higher Sequence wins. The level manager assigns
// Sequence from the run's filename (its level-install order); a run
// whose sequence cannot be determined should be given 0, the lowest
// possible priority.
type Input struct {
	Reader   *run.Reader
	Sequence uint64
}

// Stats mirrors the original Compactor::Stats counters.
type Stats struct {
	EntriesRead      uint64
	EntriesWritten   uint64
	TombstonesDropped uint64
	DuplicatesDropped uint64
}

// mergeEntry is one candidate on the merge heap: the next unread entry
// from a single input run.
type mergeEntry struct {
	key       []byte
	value     []byte
	isDeleted bool
	sequence  uint64
	srcIndex  int
}

// mergeHeap orders by key ascending, then by sequence descending so
// the newest version of a duplicated key surfaces first.
type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if string(h[i].key) != string(h[j].key) {
		return string(h[i].key) < string(h[j].key)
	}
	return h[i].sequence > h[j].sequence
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// source is a single input's cursor into its run's already-materialized
// scan results.
type source struct {
	kvs []run.KV
	pos int
	seq uint64
}

// Compact performs a k-way merge of inputs, in ascending key order,
// collapsing duplicate keys to the entry from the input with the
// highest Sequence. If terminal is true, tombstones are dropped
// entirely rather than carried into the output, since no lower level
// exists for them to keep shadowing. It returns the merged entries
// ready to hand to run.Write, plus merge statistics.
func Compact(inputs []Input, terminal bool) ([]run.Entry, Stats, error) {
	var stats Stats
	sources := make([]*source, len(inputs))
	h := &mergeHeap{}
	heap.Init(h)

	for i, in := range inputs {
		kvs, err := in.Reader.Scan(nil, nil)
		if err != nil {
			return nil, stats, err
		}
		sources[i] = &source{kvs: kvs, seq: in.Sequence}
		if len(kvs) > 0 {
			heap.Push(h, mergeEntry{
				key: kvs[0].Key, value: kvs[0].Value, isDeleted: kvs[0].IsDeleted,
				sequence: in.Sequence, srcIndex: i,
			})
			stats.EntriesRead++
		}
	}

	var out []run.Entry
	for h.Len() > 0 {
		top := heap.Pop(h).(mergeEntry)

		// Pull every other heap entry sharing top's key so duplicates
		// collapse to the single highest-sequence version.
		winner := top
		for h.Len() > 0 && string((*h)[0].key) == string(top.key) {
			dup := heap.Pop(h).(mergeEntry)
			stats.DuplicatesDropped++
			if dup.sequence > winner.sequence {
				winner = dup
			}
			advance(sources, dup.srcIndex, h, &stats)
		}
		advance(sources, top.srcIndex, h, &stats)

		if winner.isDeleted && terminal {
			stats.TombstonesDropped++
			continue
		}
		out = append(out, run.Entry{Key: winner.key, Value: winner.value, IsDeleted: winner.isDeleted})
		stats.EntriesWritten++
	}

	return out, stats, nil
}

// advance pushes the next entry from source index idx onto the heap,
// if that source has more entries left.
func advance(sources []*source, idx int, h *mergeHeap, stats *Stats) {
	s := sources[idx]
	s.pos++
	if s.pos >= len(s.kvs) {
		return
	}
	kv := s.kvs[s.pos]
	heap.Push(h, mergeEntry{key: kv.Key, value: kv.Value, isDeleted: kv.IsDeleted, sequence: s.seq, srcIndex: idx})
	stats.EntriesRead++
}
