// Package buffer implements a page-granular buffer pool addressed by
// an extendible-hash directory over (filename, offset) page ids, with
// LRU eviction among unpinned pages.
package buffer

import (
	"container/list"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vyknight/kvdb/config"
	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/storage/blockio"
	"github.com/vyknight/kvdb/storage/page"
	"github.com/vyknight/kvdb/types"
)

// Stats mirrors the counters the original BufferPool exposed, useful
// for diagnosing hit rate and split/eviction churn but never consulted
// for correctness.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	DiskReads     uint64
	DiskWrites    uint64
	Splits        uint64
	DirectorySize int
	TotalBuckets  int
	UsedPages     int
}

// bucket holds the pages that hash to a shared directory prefix. Once
// a bucket is full and cannot split further (the directory is at
// MaxGlobalDepth) it takes further pages beyond its capacity; no page
// is evicted to keep it within capacity.
type bucket struct {
	pages      []*page.Page
	localDepth int
	id         int
}

func (b *bucket) find(id types.PageID) *page.Page {
	for _, p := range b.pages {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (b *bucket) remove(p *page.Page) {
	for i, q := range b.pages {
		if q == p {
			b.pages = append(b.pages[:i], b.pages[i+1:]...)
			return
		}
	}
}

func (b *bucket) full(capacity int) bool { return len(b.pages) >= capacity }

// Pool is the extendible-hash buffer pool. It owns every Page it
// hands out; callers pin a page while using it and unpin when done.
type Pool struct {
	mu sync.RWMutex

	cfg Options

	directory   []*bucket
	globalDepth int
	nextBucket  int

	lru    *list.List
	lruPos map[*page.Page]*list.Element

	handles   map[string]*blockio.Handle
	handlesMu sync.Mutex

	clock uint64

	stats Stats

	log *logrus.Logger
}

// Options configures a Pool. It is the subset of config.Options the
// buffer pool needs, kept separate so storage/buffer has no import
// cycle back onto the top-level config package's wider surface.
type Options struct {
	MaxPages           int
	BucketCapacity     int
	InitialGlobalDepth int
	MaxGlobalDepth     int
	UseAlignedIO       bool
	Logger             *logrus.Logger
	Debug              bool
}

// OptionsFromConfig narrows a config.Options down to what the buffer
// pool consumes.
func OptionsFromConfig(c config.Options) Options {
	return Options{
		MaxPages:           c.BufferPoolMaxPages,
		BucketCapacity:     c.BucketCapacity,
		InitialGlobalDepth: c.InitialGlobalDepth,
		MaxGlobalDepth:     c.MaxGlobalDepth,
		UseAlignedIO:       c.UseAlignedIO,
		Logger:             c.Logger,
		Debug:              c.Debug,
	}
}

// New builds a Pool with an initial directory of 2^cfg.InitialGlobalDepth
// slots, each pointing at its own single-bucket (one bucket per slot
// until depth grows cause buckets to be shared).
func New(cfg Options) *Pool {
	depth := cfg.InitialGlobalDepth
	if depth < 0 {
		depth = 0
	}
	size := 1 << uint(depth)
	dir := make([]*bucket, size)
	for i := range dir {
		dir[i] = &bucket{localDepth: depth, id: i}
	}
	return &Pool{
		cfg:         cfg,
		directory:   dir,
		globalDepth: depth,
		nextBucket:  size,
		lru:         list.New(),
		lruPos:      make(map[*page.Page]*list.Element),
		handles:     make(map[string]*blockio.Handle),
		log:         cfg.Logger,
	}
}

func (p *Pool) directoryIndex(hash uint64) int {
	mask := uint64(1<<uint(p.globalDepth)) - 1
	return int(hash & mask)
}

func (p *Pool) handleFor(filename string) (*blockio.Handle, error) {
	p.handlesMu.Lock()
	defer p.handlesMu.Unlock()
	if h, ok := p.handles[filename]; ok {
		return h, nil
	}
	h, err := blockio.Open(filename, p.cfg.UseAlignedIO, p.log)
	if err != nil {
		return nil, err
	}
	p.handles[filename] = h
	return h, nil
}

// GetPage returns the resident, pinned Page for id, loading it from
// disk if necessary. The caller must call UnpinPage when finished.
func (p *Pool) GetPage(id types.PageID) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.directoryIndex(id.Hash())
	b := p.directory[idx]
	if pg := b.find(id); pg != nil {
		pg.Pin()
		p.touch(pg)
		p.stats.Hits++
		return pg, nil
	}
	p.stats.Misses++

	if p.residentCount() >= p.cfg.MaxPages {
		if !p.evictOne() {
			return nil, &kverrors.Error{Op: "Pool.GetPage", Kind: kverrors.PoolExhausted,
				Err: errNoVictim{}}
		}
	}

	pg, err := p.loadFromDisk(id)
	if err != nil {
		return nil, err
	}
	pg.Pin()
	p.insertIntoBucket(id, pg)
	p.touch(pg)
	return pg, nil
}

type errNoVictim struct{}

func (errNoVictim) Error() string { return "no unpinned page available to evict" }

func (p *Pool) loadFromDisk(id types.PageID) (*page.Page, error) {
	h, err := p.handleFor(id.Filename)
	if err != nil {
		return nil, err
	}
	buf := h.NewAlignedBuffer()
	size, err := h.Size()
	if err != nil {
		return nil, err
	}
	// A page wholly beyond the current end of file is a brand-new page
	// the pool is allocating, not a read — leave it zeroed. Otherwise
	// read it even if the file's last block is short: run files and
	// the WAL are not page-aligned in size, so the tail page of every
	// file is partial and still holds live data that must come back.
	if int64(id.Offset) < size {
		if err := h.ReadAt(buf, int64(id.Offset)); err != nil {
			return nil, err
		}
	}
	p.stats.DiskReads++
	return page.New(id, buf), nil
}

// insertIntoBucket places pg into the directory slot for id, splitting
// (and if necessary doubling the directory) when the target bucket is
// already full.
func (p *Pool) insertIntoBucket(id types.PageID, pg *page.Page) {
	for {
		idx := p.directoryIndex(id.Hash())
		b := p.directory[idx]
		if !b.full(p.cfg.BucketCapacity) {
			b.pages = append(b.pages, pg)
			p.stats.UsedPages++
			return
		}
		if !p.splitBucket(idx) {
			// At max depth: the bucket takes the page beyond its
			// capacity. No eviction is made for the bucket; only the
			// pool-wide MaxPages check in GetPage evicts.
			b.pages = append(b.pages, pg)
			p.stats.UsedPages++
			return
		}
	}
}

// splitBucket splits the bucket at directory slot idx, growing the
// directory first if the bucket's local depth has caught up to the
// global depth and there is room to grow. It reports whether a split
// happened.
func (p *Pool) splitBucket(idx int) bool {
	b := p.directory[idx]
	if b.localDepth == p.globalDepth {
		if p.globalDepth >= p.cfg.MaxGlobalDepth {
			return false
		}
		p.expandDirectory()
	}

	newLocalDepth := b.localDepth + 1
	newBucket := &bucket{localDepth: newLocalDepth, id: p.nextBucket}
	p.nextBucket++
	b.localDepth = newLocalDepth

	splitBit := uint64(1) << uint(newLocalDepth-1)

	// Redirect every directory slot that shares b's old prefix and has
	// the newly significant bit set to point at the new bucket.
	for i, slot := range p.directory {
		if slot == b && uint64(i)&splitBit != 0 {
			p.directory[i] = newBucket
		}
	}

	// Rehash b's pages between the two buckets.
	old := b.pages
	b.pages = nil
	for _, pg := range old {
		if uint64(p.directoryIndex(pg.ID().Hash()))&splitBit != 0 {
			newBucket.pages = append(newBucket.pages, pg)
		} else {
			b.pages = append(b.pages, pg)
		}
	}

	p.stats.Splits++
	if p.log != nil && p.cfg.Debug {
		p.log.WithFields(logrus.Fields{"bucket": b.id, "new_bucket": newBucket.id,
			"local_depth": newLocalDepth}).Debug("buffer pool bucket split")
	}
	return true
}

// expandDirectory doubles the directory, duplicating every existing
// pointer into the new upper half so local depths stay valid.
func (p *Pool) expandDirectory() {
	old := p.directory
	p.directory = make([]*bucket, len(old)*2)
	copy(p.directory, old)
	copy(p.directory[len(old):], old)
	p.globalDepth++
	if p.log != nil && p.cfg.Debug {
		p.log.WithField("global_depth", p.globalDepth).Debug("buffer pool directory expanded")
	}
}

func (p *Pool) residentCount() int {
	seen := make(map[*bucket]bool)
	n := 0
	for _, b := range p.directory {
		if seen[b] {
			continue
		}
		seen[b] = true
		n += len(b.pages)
	}
	return n
}

func (p *Pool) touch(pg *page.Page) {
	p.clock++
	pg.Touch(p.clock)
	if el, ok := p.lruPos[pg]; ok {
		p.lru.MoveToFront(el)
	} else {
		p.lruPos[pg] = p.lru.PushFront(pg)
	}
}

// evictOne finds the least-recently-used unpinned page, flushes it if
// dirty, and removes it from its bucket. It reports whether a victim
// was found.
func (p *Pool) evictOne() bool {
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		pg := el.Value.(*page.Page)
		if pg.PinCount() > 0 {
			continue
		}
		if pg.IsDirty() {
			if err := p.flushPageLocked(pg); err != nil {
				if p.log != nil {
					p.log.WithError(err).Warn("failed to flush dirty page during eviction")
				}
				continue
			}
		}
		idx := p.directoryIndex(pg.ID().Hash())
		p.directory[idx].remove(pg)
		p.lru.Remove(el)
		delete(p.lruPos, pg)
		p.stats.Evictions++
		p.stats.UsedPages--
		return true
	}
	return false
}

// UnpinPage decrements the page's pin count. If dirty is true the page
// is marked dirty so a later eviction or FlushAll writes it back.
func (p *Pool) UnpinPage(id types.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.directoryIndex(id.Hash())
	pg := p.directory[idx].find(id)
	if pg == nil {
		return &kverrors.Error{Op: "Pool.UnpinPage", Kind: kverrors.NotFound, Err: errPageNotResident{}}
	}
	if dirty {
		pg.MarkDirty()
	}
	pg.Unpin()
	return nil
}

type errPageNotResident struct{}

func (errPageNotResident) Error() string { return "page not resident in buffer pool" }

func (p *Pool) flushPageLocked(pg *page.Page) error {
	h, err := p.handleFor(pg.ID().Filename)
	if err != nil {
		return err
	}
	if err := h.WriteAt(pg.Data(), int64(pg.ID().Offset)); err != nil {
		return err
	}
	p.stats.DiskWrites++
	pg.ClearDirty()
	return nil
}

// FlushPage writes a single resident page back to disk if dirty.
func (p *Pool) FlushPage(id types.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.directoryIndex(id.Hash())
	pg := p.directory[idx].find(id)
	if pg == nil {
		return &kverrors.Error{Op: "Pool.FlushPage", Kind: kverrors.NotFound, Err: errPageNotResident{}}
	}
	if !pg.IsDirty() {
		return nil
	}
	return p.flushPageLocked(pg)
}

// FlushAll writes back every dirty resident page.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[*bucket]bool)
	for _, b := range p.directory {
		if seen[b] {
			continue
		}
		seen[b] = true
		for _, pg := range b.pages {
			if pg.IsDirty() {
				if err := p.flushPageLocked(pg); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.stats
	s.DirectorySize = len(p.directory)
	seen := make(map[*bucket]bool)
	for _, b := range p.directory {
		seen[b] = true
	}
	s.TotalBuckets = len(seen)
	s.UsedPages = p.residentCount()
	return s
}

// Close flushes every dirty page and closes every open file handle.
func (p *Pool) Close() error {
	if err := p.FlushAll(); err != nil {
		return err
	}
	p.handlesMu.Lock()
	defer p.handlesMu.Unlock()
	var firstErr error
	for _, h := range p.handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveFile closes and deletes a file this pool may have open
// handles or resident pages for, used by compaction to discard a
// superseded run file.
func (p *Pool) RemoveFile(filename string) error {
	p.handlesMu.Lock()
	if h, ok := p.handles[filename]; ok {
		delete(p.handles, filename)
		p.handlesMu.Unlock()
		if err := h.Close(); err != nil {
			return err
		}
	} else {
		p.handlesMu.Unlock()
	}
	return os.Remove(filename)
}

