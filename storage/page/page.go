// Package page defines the fixed-size buffer the buffer pool manages
// one of per resident disk page.
package page

import (
	"sync/atomic"

	"github.com/vyknight/kvdb/kverrors"
	"github.com/vyknight/kvdb/types"
)

// Page is a resident copy of one on-disk, types.PageSize-byte region.
// The buffer pool owns allocation and eviction; callers borrow a Page
// between Pin and Unpin and must not retain data beyond Unpin.
type Page struct {
	id       types.PageID
	data     []byte
	pinCount int32
	dirty    int32
	// accessSeq records the pool-assigned logical clock tick of the
	// page's most recent access, advancing LRU ordering without a
	// wall-clock read on every touch.
	accessSeq uint64
}

// New wraps buf, with whatever bytes it already holds, as the contents
// of the page id. buf must be exactly types.PageSize bytes (the buffer
// pool supplies an aligned block when running in direct-I/O mode).
func New(id types.PageID, buf []byte) *Page {
	if len(buf) != types.PageSize {
		panic(&kverrors.Error{Op: "page.New", Kind: kverrors.Invariant,
			Err: errInvalidBufLen(len(buf))})
	}
	return &Page{id: id, data: buf}
}

type errInvalidBufLen int

func (e errInvalidBufLen) Error() string {
	return "page buffer must be exactly types.PageSize bytes"
}

// ID reports the page's address.
func (p *Page) ID() types.PageID { return p.id }

// SetID reassigns the page's address without touching its data, pin
// count or dirty flag.
func (p *Page) SetID(id types.PageID) { p.id = id }

// Data exposes the page's backing buffer. Callers must not retain the
// slice beyond their current pin.
func (p *Page) Data() []byte { return p.data }

// Pin increments the pin count, preventing eviction.
func (p *Page) Pin() { atomic.AddInt32(&p.pinCount, 1) }

// Unpin decrements the pin count. It never goes below zero; an extra
// Unpin is treated as a caller bug and ignored rather than panicking,
// since it cannot corrupt state beyond a stuck pin.
func (p *Page) Unpin() {
	for {
		cur := atomic.LoadInt32(&p.pinCount)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&p.pinCount, cur, cur-1) {
			return
		}
	}
}

// PinCount reports the current pin count.
func (p *Page) PinCount() int32 { return atomic.LoadInt32(&p.pinCount) }

// DecPinCount is an alias for Unpin.
func (p *Page) DecPinCount() { p.Unpin() }

// IsDirty reports whether the page has unflushed writes.
func (p *Page) IsDirty() bool { return atomic.LoadInt32(&p.dirty) != 0 }

// MarkDirty flags the page as having unflushed writes.
func (p *Page) MarkDirty() { atomic.StoreInt32(&p.dirty, 1) }

// ClearDirty flags the page as flushed.
func (p *Page) ClearDirty() { atomic.StoreInt32(&p.dirty, 0) }

// AccessSeq reports the logical clock value of the page's last touch.
func (p *Page) AccessSeq() uint64 { return atomic.LoadUint64(&p.accessSeq) }

// Touch records a new logical clock value for the page's last access.
func (p *Page) Touch(seq uint64) { atomic.StoreUint64(&p.accessSeq, seq) }

// CopyIn writes src into the page's buffer starting at offset,
// returning an Invariant error if it would run past the page end.
func (p *Page) CopyIn(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > len(p.data) {
		return &kverrors.Error{Op: "Page.CopyIn", Kind: kverrors.Invariant,
			Err: errOutOfBounds{}}
	}
	copy(p.data[offset:], src)
	p.MarkDirty()
	return nil
}

// CopyOut reads n bytes starting at offset into a freshly allocated
// slice, returning an Invariant error if the range runs past the page
// end.
func (p *Page) CopyOut(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(p.data) {
		return nil, &kverrors.Error{Op: "Page.CopyOut", Kind: kverrors.Invariant,
			Err: errOutOfBounds{}}
	}
	out := make([]byte, n)
	copy(out, p.data[offset:offset+n])
	return out, nil
}

// Reset zeroes the page's buffer and clears its dirty flag, readying
// it for reuse under a new identity. The caller must already hold the
// only reference (pin count zero).
func (p *Page) Reset(id types.PageID) {
	for i := range p.data {
		p.data[i] = 0
	}
	p.id = id
	p.dirty = 0
	p.pinCount = 0
	p.accessSeq = 0
}

type errOutOfBounds struct{}

func (errOutOfBounds) Error() string { return "region out of page bounds" }
