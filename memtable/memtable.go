// Package memtable implements the in-memory sorted table new writes
// land in before they are flushed to an on-disk run.
package memtable

import "sort"

// Size accounting constants approximate the real overhead a Go map
// node carries per entry, kept only so ShouldFlush fires at a
// consistent, monotonic threshold under repeated overwrite/delete —
// never relied on for correctness.
const (
	stringOverhead = 32 // per string header, counted for key and value
	mapNodeOverhead = 40 // per map bookkeeping entry
	entryStructOverhead = 9 // bool + value-present marker, rounded up
)

type entry struct {
	value     []byte
	isDeleted bool
}

func entrySize(key []byte, e entry) int64 {
	return int64(len(key)) + int64(len(e.value)) +
		2*stringOverhead + 2*mapNodeOverhead + entryStructOverhead
}

// Stats mirrors the original Memtable::Stats counters.
type Stats struct {
	Puts       uint64
	Deletes    uint64
	Gets       uint64
	Flushes    uint64
	Operations uint64
}

// Usage mirrors the original's get_memory_usage breakdown.
type Usage struct {
	KeyBytes      int64
	ValueBytes    int64
	OverheadBytes int64
	AliveEntries  int
	Tombstones    int
}

// Table is a sorted, in-memory key-value table with byte-budget
// tracking and tombstone support. It is not safe for concurrent use;
// callers (the store facade) serialize access with their own lock.
type Table struct {
	entries     map[string]entry
	order       []string // sorted keys, kept in sync with entries
	currentSize int64
	maxSize     int64
	stats       Stats
}

// New creates an empty Table that should be flushed once its
// approximate byte size reaches maxSize.
func New(maxSize int64) *Table {
	return &Table{entries: make(map[string]entry), maxSize: maxSize}
}

func (t *Table) indexOf(key string) (int, bool) {
	i := sort.SearchStrings(t.order, key)
	return i, i < len(t.order) && t.order[i] == key
}

// Put inserts or overwrites key with value.
func (t *Table) Put(key, value []byte) {
	k := string(key)
	v := make([]byte, len(value))
	copy(v, value)
	t.set(k, entry{value: v, isDeleted: false})
	t.stats.Puts++
	t.stats.Operations++
}

// Delete records a tombstone for key, shadowing any earlier value
// until the tombstone itself is compacted away at the terminal level.
func (t *Table) Delete(key []byte) {
	k := string(key)
	t.set(k, entry{isDeleted: true})
	t.stats.Deletes++
	t.stats.Operations++
}

func (t *Table) set(k string, e entry) {
	if old, ok := t.entries[k]; ok {
		t.currentSize -= entrySize([]byte(k), old)
	} else {
		i, _ := t.indexOf(k)
		t.order = append(t.order, "")
		copy(t.order[i+1:], t.order[i:])
		t.order[i] = k
	}
	t.entries[k] = e
	t.currentSize += entrySize([]byte(k), e)
}

// Get reports whether key is present, its value (nil for a
// tombstone), and whether it is a tombstone.
func (t *Table) Get(key []byte) (value []byte, isDeleted bool, found bool) {
	t.stats.Gets++
	t.stats.Operations++
	e, ok := t.entries[string(key)]
	if !ok {
		return nil, false, false
	}
	return e.value, e.isDeleted, true
}

// Contains reports whether key has any entry (live or tombstone).
func (t *Table) Contains(key []byte) bool {
	_, ok := t.entries[string(key)]
	return ok
}

// Size returns the approximate in-memory byte size.
func (t *Table) Size() int64 { return t.currentSize }

// EntryCount returns the number of distinct keys held, live or tombstone.
func (t *Table) EntryCount() int { return len(t.entries) }

// ShouldFlush reports whether the table has reached its byte budget.
func (t *Table) ShouldFlush() bool { return t.currentSize >= t.maxSize }

// Clear empties the table, counting the clear as a flush.
func (t *Table) Clear() {
	t.entries = make(map[string]entry)
	t.order = nil
	t.currentSize = 0
	t.stats.Flushes++
}

// Entry is one (key, value, tombstone) triple returned by GetAllEntries.
type Entry struct {
	Key       []byte
	Value     []byte
	IsDeleted bool
}

// GetAllEntries returns every entry in ascending key order, suitable
// for writing straight into a run.
func (t *Table) GetAllEntries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, k := range t.order {
		e := t.entries[k]
		out = append(out, Entry{Key: []byte(k), Value: e.value, IsDeleted: e.isDeleted})
	}
	return out
}

// Stats returns a snapshot of operation counters.
func (t *Table) Stats() Stats { return t.stats }

// MemoryUsage returns a breakdown of the table's approximate footprint.
func (t *Table) MemoryUsage() Usage {
	var u Usage
	for k, e := range t.entries {
		u.KeyBytes += int64(len(k))
		u.ValueBytes += int64(len(e.value))
		u.OverheadBytes += 2*stringOverhead + 2*mapNodeOverhead + entryStructOverhead
		if e.isDeleted {
			u.Tombstones++
		} else {
			u.AliveEntries++
		}
	}
	return u
}
