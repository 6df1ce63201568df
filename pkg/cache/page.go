// pkg/cache/page.go

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// PageState is the residency state of a page.
type PageState int32

const (
	PageAbsent PageState = iota
	PageClean
	PageDirty
)

func (s PageState) String() string {
	switch s {
	case PageClean:
		return "clean"
	case PageDirty:
		return "dirty"
	}
	return "absent"
}

// Page is one resident block of a Space. Data is guarded by the embedded
// RWMutex; refs counts the cache itself plus every pinned user.
type Page struct {
	sync.RWMutex
	refs  int32
	state int32
	index int64
	Data  []byte
}

func newPage(index int64, size int) *Page {
	if size <= 0 {
		panic("size of page should > 0")
	}
	return &Page{refs: 1, index: index, state: int32(PageClean), Data: make([]byte, size)}
}

func (p *Page) Index() int64 {
	return p.index
}

func (p *Page) State() PageState {
	return PageState(atomic.LoadInt32(&p.state))
}

func (p *Page) setState(s PageState) {
	atomic.StoreInt32(&p.state, int32(s))
}

// Acquire increase the refcount
func (p *Page) Acquire() {
	atomic.AddInt32(&p.refs, 1)
}

// Release decreases the refcount
func (p *Page) Release() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.Data = nil
	}
}

func (p *Page) pinned() bool {
	return atomic.LoadInt32(&p.refs) > 1
}

// ReadAt copies page bytes starting at off. Caller holds the read lock.
func (p *Page) ReadAt(buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if p.Data == nil {
		return 0, errors.New("page is already released")
	}
	if off < 0 || off >= int64(len(p.Data)) {
		return 0, errors.Errorf("offset %d outside page of %d bytes", off, len(p.Data))
	}
	return copy(buf, p.Data[off:]), nil
}

// WriteAt copies buf into the page at off. Caller holds the write lock and
// marks the page dirty through its Space.
func (p *Page) WriteAt(buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if p.Data == nil {
		return 0, errors.New("page is already released")
	}
	if off < 0 || off >= int64(len(p.Data)) {
		return 0, errors.Errorf("offset %d outside page of %d bytes", off, len(p.Data))
	}
	return copy(p.Data[off:], buf), nil
}
