// pkg/cache/space_test.go

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLoader keeps pages in a map and records the order of stores.
type memLoader struct {
	sync.Mutex
	pageSize int
	data     map[int64][]byte
	loads    int32
	stores   []int64
	delay    time.Duration
	failLoad map[int64]bool
	failSave map[int64]bool
}

func newMemLoader(pageSize int) *memLoader {
	return &memLoader{
		pageSize: pageSize,
		data:     make(map[int64][]byte),
		failLoad: make(map[int64]bool),
		failSave: make(map[int64]bool),
	}
}

func (l *memLoader) LoadPage(ctx context.Context, index int64, data []byte) error {
	atomic.AddInt32(&l.loads, 1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.Lock()
	defer l.Unlock()
	if l.failLoad[index] {
		return errors.New("disk on fire")
	}
	copy(data, l.data[index])
	return nil
}

func (l *memLoader) StorePage(ctx context.Context, index int64, data []byte) error {
	l.Lock()
	defer l.Unlock()
	if l.failSave[index] {
		return errors.New("disk full")
	}
	l.data[index] = append([]byte(nil), data...)
	l.stores = append(l.stores, index)
	return nil
}

func (l *memLoader) storeOrder() []int64 {
	l.Lock()
	defer l.Unlock()
	return append([]int64(nil), l.stores...)
}

func newTestSpace(t *testing.T, l *memLoader, pages, cached int, mode Mode) *Space {
	s, err := NewSpace(Config{
		Name:      t.Name(),
		Size:      int64(pages * l.pageSize),
		PageSize:  l.pageSize,
		CacheSize: int64(cached * l.pageSize),
		Mode:      mode,
	}, l)
	require.NoError(t, err)
	return s
}

func write(t *testing.T, s *Space, index int64, b byte) {
	p, err := s.Acquire(context.Background(), index, true)
	require.NoError(t, err)
	p.Lock()
	p.Data[0] = b
	s.MarkDirty(p)
	p.Unlock()
	p.Release()
}

func TestNewSpaceValidation(t *testing.T) {
	l := newMemLoader(4096)
	cases := []Config{
		{Size: 0, PageSize: 4096, CacheSize: 4096},
		{Size: 100, PageSize: 3000, CacheSize: 4096},
		{Size: 100, PageSize: 8192, CacheSize: 4096},
	}
	for _, c := range cases {
		_, err := NewSpace(c, l)
		assert.ErrorIs(t, err, ErrBadConfig, "%+v", c)
	}
}

func TestLoadOnFirstTouch(t *testing.T) {
	l := newMemLoader(4096)
	l.data[1] = []byte{42}
	s := newTestSpace(t, l, 4, 4, ReadOnly)
	require.Equal(t, PageAbsent, s.State(1))

	p, err := s.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, byte(42), p.Data[0])
	p.Release()
	assert.Equal(t, PageClean, s.State(1))

	p, err = s.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	p.Release()
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.loads))
	st := s.Stats()
	assert.Equal(t, int64(1), st.Loads)
	assert.Equal(t, int64(1), st.Hits)

	_, err = s.Acquire(context.Background(), 4, false)
	assert.Error(t, err)
	_, err = s.Acquire(context.Background(), 0, true)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestConcurrentTouchLoadsOnce(t *testing.T) {
	l := newMemLoader(4096)
	l.delay = 20 * time.Millisecond
	s := newTestSpace(t, l, 2, 2, ReadWrite)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Acquire(context.Background(), 0, false)
			if assert.NoError(t, err) {
				p.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.loads))
	assert.Equal(t, 1, s.Stats().Resident)
}

func TestWaiterGivesUp(t *testing.T) {
	l := newMemLoader(4096)
	l.delay = 100 * time.Millisecond
	s := newTestSpace(t, l, 2, 2, ReadOnly)
	loaded := make(chan *Page)
	go func() {
		p, err := s.Acquire(context.Background(), 1, false)
		assert.NoError(t, err)
		loaded <- p
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Acquire(ctx, 1, false)
	assert.ErrorIs(t, err, context.Canceled)

	p := <-loaded
	require.NotNil(t, p)
	p.Release()
	assert.Equal(t, PageClean, s.State(1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.loads))
}

func TestConcurrentDisjointPages(t *testing.T) {
	const workers, perWorker = 8, 6
	l := newMemLoader(4096)
	s := newTestSpace(t, l, workers*perWorker, 4, ReadWrite)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for round := 0; round < 3; round++ {
				for i := 0; i < perWorker; i++ {
					idx := int64(w*perWorker + i)
					p, err := s.Acquire(context.Background(), idx, true)
					if !assert.NoError(t, err) {
						return
					}
					p.Lock()
					p.Data[0]++
					p.Data[4095] = byte(idx)
					s.MarkDirty(p)
					p.Unlock()
					p.Release()
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.FlushAll(context.Background()))
	assert.Greater(t, s.Stats().Evictions, int64(0))
	l.Lock()
	defer l.Unlock()
	for idx := int64(0); idx < workers*perWorker; idx++ {
		require.Len(t, l.data[idx], 4096)
		assert.Equal(t, byte(3), l.data[idx][0], "page %d", idx)
		assert.Equal(t, byte(idx), l.data[idx][4095], "page %d", idx)
	}
}

func TestWriteOnlyZeroFill(t *testing.T) {
	l := newMemLoader(4096)
	l.data[0] = []byte{9, 9, 9}
	s := newTestSpace(t, l, 2, 1, WriteOnly)

	p, err := s.Acquire(context.Background(), 0, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, p.Data[:3])
	p.Release()
	assert.Equal(t, int32(0), atomic.LoadInt32(&l.loads))

	write(t, s, 0, 7)
	// evicting page 0 flushes it; touching it again reads back what was stored
	write(t, s, 1, 8)
	p, err = s.Acquire(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, byte(7), p.Data[0])
	p.Release()
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.loads))
}

func TestFlushAllAscending(t *testing.T) {
	l := newMemLoader(4096)
	s := newTestSpace(t, l, 8, 8, ReadWrite)
	for _, i := range []int64{5, 1, 7, 3, 0} {
		write(t, s, i, byte(i+1))
	}
	assert.Equal(t, 5, s.Stats().Dirty)
	require.NoError(t, s.FlushAll(context.Background()))
	assert.Equal(t, []int64{0, 1, 3, 5, 7}, l.storeOrder())
	assert.Equal(t, 0, s.Stats().Dirty)

	// clean pages are not stored again
	require.NoError(t, s.FlushAll(context.Background()))
	require.NoError(t, s.Flush(context.Background(), 3))
	assert.Len(t, l.storeOrder(), 5)
}

func TestEvictionPrefersClean(t *testing.T) {
	l := newMemLoader(4096)
	s := newTestSpace(t, l, 8, 2, ReadWrite)
	write(t, s, 0, 1)
	p, err := s.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	p.Release()

	p, err = s.Acquire(context.Background(), 2, false)
	require.NoError(t, err)
	p.Release()
	assert.Equal(t, PageDirty, s.State(0))
	assert.Equal(t, PageAbsent, s.State(1))
	assert.Empty(t, l.storeOrder())
}

func TestDirtyPageFlushedBeforeEviction(t *testing.T) {
	l := newMemLoader(4096)
	s := newTestSpace(t, l, 8, 2, ReadWrite)
	write(t, s, 0, 1)
	write(t, s, 1, 2)
	write(t, s, 2, 3)
	assert.Equal(t, []int64{0}, l.storeOrder())
	assert.Equal(t, byte(1), l.data[0][0])
	assert.Equal(t, PageAbsent, s.State(0))
	assert.Equal(t, int64(1), s.Stats().Evictions)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []int64{0, 1, 2}, l.storeOrder())
}

func TestPinnedPagesAreNotEvicted(t *testing.T) {
	l := newMemLoader(4096)
	s := newTestSpace(t, l, 4, 1, ReadOnly)
	p0, err := s.Acquire(context.Background(), 0, false)
	require.NoError(t, err)
	p1, err := s.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Stats().Resident)
	assert.Equal(t, PageClean, s.State(0))
	p0.Release()
	p1.Release()
}

func TestReadFault(t *testing.T) {
	l := newMemLoader(4096)
	l.failLoad[2] = true
	s := newTestSpace(t, l, 4, 4, ReadOnly)
	_, err := s.Acquire(context.Background(), 2, false)
	assert.ErrorIs(t, err, ErrReadFault)
	assert.ErrorIs(t, s.Err(), ErrReadFault)
	assert.Equal(t, PageAbsent, s.State(2))

	p, err := s.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	p.Release()
}

func TestWriteFaultKeepsPageDirty(t *testing.T) {
	l := newMemLoader(4096)
	l.failSave[1] = true
	s := newTestSpace(t, l, 4, 4, ReadWrite)
	write(t, s, 0, 1)
	write(t, s, 1, 2)
	write(t, s, 2, 3)

	err := s.FlushAll(context.Background())
	assert.ErrorIs(t, err, ErrWriteFault)
	assert.Equal(t, []int64{0, 2}, l.storeOrder())
	assert.Equal(t, PageDirty, s.State(1))
	assert.ErrorIs(t, s.Err(), ErrWriteFault)

	l.Lock()
	l.failSave[1] = false
	l.Unlock()
	require.NoError(t, s.Flush(context.Background(), 1))
	assert.Equal(t, PageClean, s.State(1))
}

func TestLastPageIsShort(t *testing.T) {
	l := newMemLoader(4096)
	s, err := NewSpace(Config{Size: 4096 + 100, PageSize: 4096, CacheSize: 8192, Mode: ReadWrite}, l)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.NumPages())
	write(t, s, 1, 5)
	require.NoError(t, s.FlushAll(context.Background()))
	assert.Len(t, l.data[1], 100)
}

func TestClosedSpace(t *testing.T) {
	l := newMemLoader(4096)
	s := newTestSpace(t, l, 2, 2, ReadWrite)
	write(t, s, 0, 1)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []int64{0}, l.storeOrder())
	_, err := s.Acquire(context.Background(), 0, false)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}

func TestAccessLog(t *testing.T) {
	a := SubscribeAccessLog()
	defer a.Close()
	l := newMemLoader(4096)
	s := newTestSpace(t, l, 1, 1, ReadOnly)
	p, err := s.Acquire(context.Background(), 0, false)
	require.NoError(t, err)
	p.Release()

	buf := make([]byte, 4096)
	n := a.Read(context.Background(), buf)
	assert.Contains(t, string(buf[:n]), "load "+t.Name()+" page 0")
}
