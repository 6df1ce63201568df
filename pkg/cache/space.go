// pkg/cache/space.go

package cache

import (
	"container/list"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var (
	ErrReadFault  = errors.New("read fault")
	ErrWriteFault = errors.New("write fault")
	ErrClosed     = errors.New("address space is closed")
	ErrBadConfig  = errors.New("invalid address space config")
	ErrReadOnly   = errors.New("address space is read-only")
)

// Config describes an address space.
type Config struct {
	Name      string
	Size      int64 // logical bytes
	PageSize  int   // power of two
	CacheSize int64 // bytes, at least one page
	Mode      Mode
	Metrics   Metrics
	SlowOp    time.Duration
}

// Stats is a snapshot of a Space.
type Stats struct {
	Pages     int64
	Resident  int
	Dirty     int
	Loads     int64
	Hits      int64
	Flushes   int64
	Evictions int64
	Faults    int64
}

// Space is a bounded page cache in front of a Loader covering Size bytes.
// The embedded mutex guards the residency map, the LRU list and counters;
// page contents are guarded by each page's own lock.
type Space struct {
	sync.Mutex
	conf     Config
	loader   Loader
	capacity int
	pages    map[int64]*list.Element
	lru      *list.List // front is most recently used
	flushed  map[int64]bool
	fetcher  Controller
	stats    Stats
	fault    error
	closed   bool
}

// NewSpace validates conf and returns an empty Space.
func NewSpace(conf Config, loader Loader) (*Space, error) {
	if conf.Size <= 0 {
		return nil, errors.Wrapf(ErrBadConfig, "size %d", conf.Size)
	}
	if conf.PageSize <= 0 || conf.PageSize&(conf.PageSize-1) != 0 {
		return nil, errors.Wrapf(ErrBadConfig, "page size %d is not a power of two", conf.PageSize)
	}
	if conf.CacheSize < int64(conf.PageSize) {
		return nil, errors.Wrapf(ErrBadConfig, "cache size %d smaller than page size %d", conf.CacheSize, conf.PageSize)
	}
	if conf.Name == "" {
		conf.Name = "space"
	}
	s := &Space{
		conf:     conf,
		loader:   loader,
		capacity: int(conf.CacheSize / int64(conf.PageSize)),
		pages:    make(map[int64]*list.Element),
		lru:      list.New(),
		flushed:  make(map[int64]bool),
	}
	s.stats.Pages = s.NumPages()
	logger.Debugf("%s: %d bytes in %d pages of %d, cache holds %d pages (%s)",
		conf.Name, conf.Size, s.stats.Pages, conf.PageSize, s.capacity, conf.Mode)
	return s, nil
}

func (s *Space) String() string {
	return s.conf.Name
}

func (s *Space) Size() int64 {
	return s.conf.Size
}

func (s *Space) PageSize() int {
	return s.conf.PageSize
}

func (s *Space) Mode() Mode {
	return s.conf.Mode
}

// Capacity is the number of pages the cache holds before evicting.
func (s *Space) Capacity() int {
	return s.capacity
}

func (s *Space) NumPages() int64 {
	ps := int64(s.conf.PageSize)
	return (s.conf.Size + ps - 1) / ps
}

// Err returns the first fault seen by the Space, if any.
func (s *Space) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.fault
}

func (s *Space) setFault(err error) {
	s.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.stats.Faults++
	s.Unlock()
}

// extent returns the logical part of page index.
func (s *Space) extent(p *Page) []byte {
	off := p.index * int64(s.conf.PageSize)
	n := s.conf.Size - off
	if n > int64(len(p.Data)) {
		n = int64(len(p.Data))
	}
	return p.Data[:n]
}

// Acquire returns page index pinned for the caller, loading it on first
// touch. The caller must Release it. Fresh pages of write-only spaces are
// zero-filled instead of loaded.
func (s *Space) Acquire(ctx context.Context, index int64, write bool) (*Page, error) {
	if index < 0 || index >= s.NumPages() {
		return nil, errors.Errorf("page %d outside [0,%d)", index, s.NumPages())
	}
	if write && s.conf.Mode == ReadOnly {
		return nil, errors.Wrapf(ErrReadOnly, "%s: write page %d", s, index)
	}
	if p, err := s.lookup(index); p != nil || err != nil {
		return p, err
	}
	return s.fetcher.Execute(ctx, index, func() (*Page, error) {
		if p, err := s.lookup(index); p != nil || err != nil {
			return p, err
		}
		return s.load(ctx, index)
	})
}

// lookup pins a resident page.
func (s *Space) lookup(index int64) (*Page, error) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if e, ok := s.pages[index]; ok {
		s.lru.MoveToFront(e)
		p := e.Value.(*Page)
		p.Acquire()
		s.stats.Hits++
		if s.conf.Metrics != nil {
			s.conf.Metrics.ObserveHit()
		}
		return p, nil
	}
	return nil, nil
}

func (s *Space) load(ctx context.Context, index int64) (*Page, error) {
	if err := s.makeRoom(ctx); err != nil {
		logger.Warnf("%s: make room for page %d: %s", s, index, err)
	}
	p := newPage(index, s.conf.PageSize)
	s.Lock()
	fresh := s.conf.Mode == WriteOnly && !s.flushed[index]
	s.Unlock()
	if !fresh {
		start := time.Now()
		err := s.loader.LoadPage(ctx, index, s.extent(p))
		used := time.Since(start)
		if s.conf.Metrics != nil {
			s.conf.Metrics.ObserveLoad(len(s.extent(p)), used, err)
		}
		record(&pageEvent{op: "load", space: s.String(), index: index, bytes: len(s.extent(p)), used: used, err: err}, s.conf.SlowOp)
		if err != nil {
			p.Release()
			err = errors.Wrapf(ErrReadFault, "%s: load page %d: %s", s, index, err)
			logger.Errorf("%s", err)
			s.setFault(err)
			return nil, err
		}
	}

	s.Lock()
	defer s.Unlock()
	if s.closed {
		p.Release()
		return nil, ErrClosed
	}
	s.pages[index] = s.lru.PushFront(p)
	s.stats.Loads++
	p.Acquire()
	return p, nil
}

// makeRoom evicts until a new page fits. Clean pages go first, then the
// least recently used dirty page is flushed and evicted. When every page is
// pinned the cache temporarily grows past its bound.
func (s *Space) makeRoom(ctx context.Context) error {
	var flushed *Page
	for {
		s.Lock()
		if len(s.pages) < s.capacity {
			s.Unlock()
			return nil
		}
		var victim *list.Element
		var dirty *Page
		for e := s.lru.Back(); e != nil; e = e.Prev() {
			p := e.Value.(*Page)
			if p.pinned() {
				continue
			}
			if p.State() == PageClean {
				victim = e
				break
			}
			if dirty == nil {
				dirty = p
			}
		}
		if victim != nil {
			s.evict(victim, victim.Value.(*Page) == flushed)
			s.Unlock()
			continue
		}
		if dirty == nil {
			logger.Warnf("%s: all %d resident pages are pinned, growing past the cache bound", s, len(s.pages))
			s.Unlock()
			return nil
		}
		dirty.Acquire()
		s.Unlock()
		err := s.flushPage(ctx, dirty)
		dirty.Release()
		if err != nil {
			return err
		}
		flushed = dirty
	}
}

// evict drops a clean unpinned page. Caller holds the Space lock.
func (s *Space) evict(e *list.Element, wasDirty bool) {
	p := s.lru.Remove(e).(*Page)
	delete(s.pages, p.index)
	s.stats.Evictions++
	if s.conf.Metrics != nil {
		s.conf.Metrics.ObserveEviction(wasDirty)
	}
	logger.Tracef("%s: evict page %d", s, p.index)
	p.setState(PageAbsent)
	p.Release()
}

// MarkDirty flags p as modified. Callers hold p's write lock.
func (s *Space) MarkDirty(p *Page) {
	p.setState(PageDirty)
}

// State reports the residency state of page index.
func (s *Space) State(index int64) PageState {
	s.Lock()
	defer s.Unlock()
	if e, ok := s.pages[index]; ok {
		return e.Value.(*Page).State()
	}
	return PageAbsent
}

func (s *Space) flushPage(ctx context.Context, p *Page) error {
	p.Lock()
	defer p.Unlock()
	if p.State() != PageDirty {
		return nil
	}
	data := s.extent(p)
	start := time.Now()
	err := s.loader.StorePage(ctx, p.index, data)
	used := time.Since(start)
	if s.conf.Metrics != nil {
		s.conf.Metrics.ObserveFlush(len(data), used, err)
	}
	record(&pageEvent{op: "flush", space: s.String(), index: p.index, bytes: len(data), used: used, err: err}, s.conf.SlowOp)
	if err != nil {
		err = errors.Wrapf(ErrWriteFault, "%s: flush page %d: %s", s, p.index, err)
		logger.Errorf("%s", err)
		s.setFault(err)
		return err
	}
	p.setState(PageClean)
	s.Lock()
	s.flushed[p.index] = true
	s.stats.Flushes++
	s.Unlock()
	return nil
}

// Flush writes page index back if it is dirty.
func (s *Space) Flush(ctx context.Context, index int64) error {
	s.Lock()
	e, ok := s.pages[index]
	if !ok {
		s.Unlock()
		return nil
	}
	p := e.Value.(*Page)
	p.Acquire()
	s.Unlock()
	defer p.Release()
	return s.flushPage(ctx, p)
}

// FlushAll writes every dirty page back in ascending page order. A failing
// page stays dirty and the remaining pages are still flushed.
func (s *Space) FlushAll(ctx context.Context) error {
	s.Lock()
	var dirty []*Page
	for _, e := range s.pages {
		p := e.Value.(*Page)
		if p.State() == PageDirty {
			p.Acquire()
			dirty = append(dirty, p)
		}
	}
	s.Unlock()
	slices.SortFunc(dirty, func(a, b *Page) int {
		switch {
		case a.index < b.index:
			return -1
		case a.index > b.index:
			return 1
		}
		return 0
	})
	var errs error
	for _, p := range dirty {
		errs = multierr.Append(errs, s.flushPage(ctx, p))
		p.Release()
	}
	if len(dirty) > 0 {
		logger.Debugf("%s: flushed %d dirty pages", s, len(dirty))
	}
	return errs
}

// Close flushes the Space and drops every page. Pages whose flush failed
// are dropped too; their error is returned.
func (s *Space) Close(ctx context.Context) error {
	err := s.FlushAll(ctx)
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for e := s.lru.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Page)
		if p.State() == PageDirty {
			logger.Errorf("%s: dropping dirty page %d after failed flush", s, p.index)
		}
		p.setState(PageAbsent)
		p.Release()
	}
	s.pages = make(map[int64]*list.Element)
	s.lru.Init()
	return err
}

func (s *Space) Stats() Stats {
	s.Lock()
	defer s.Unlock()
	st := s.stats
	st.Resident = len(s.pages)
	for _, e := range s.pages {
		if e.Value.(*Page).State() == PageDirty {
			st.Dirty++
		}
	}
	return st
}

func (st Stats) String() string {
	return fmt.Sprintf("pages=%d resident=%d dirty=%d loads=%d hits=%d flushes=%d evictions=%d faults=%d",
		st.Pages, st.Resident, st.Dirty, st.Loads, st.Hits, st.Flushes, st.Evictions, st.Faults)
}
