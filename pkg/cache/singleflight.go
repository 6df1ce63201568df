// pkg/cache/singleflight.go

package cache

import (
	"context"
	"sync"
)

// fetch is one load in flight. waiters counts the callers still interested
// in the result, the one running the load included.
type fetch struct {
	done    chan struct{}
	page    *Page
	err     error
	waiters int
}

// Controller coalesces concurrent loads of the same page: the first caller
// runs fn, the others wait for its result or give up with their context.
// Every caller gets its own reference to the returned page.
type Controller struct {
	mu       sync.Mutex
	inflight map[int64]*fetch
}

// leave drops one waiter and returns the extra reference taken for the
// waiters once nobody needs it.
func (con *Controller) leave(f *fetch) {
	con.mu.Lock()
	defer con.mu.Unlock()
	f.waiters--
	if f.waiters == 0 && f.page != nil {
		f.page.Release()
	}
}

func (con *Controller) Execute(ctx context.Context, index int64, fn func() (*Page, error)) (*Page, error) {
	con.mu.Lock()
	if con.inflight == nil {
		con.inflight = make(map[int64]*fetch)
	}
	if f, ok := con.inflight[index]; ok {
		f.waiters++
		con.mu.Unlock()
		defer con.leave(f)
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		f.page.Acquire()
		return f.page, nil
	}
	f := &fetch{done: make(chan struct{}), waiters: 1}
	con.inflight[index] = f
	con.mu.Unlock()

	p, err := fn()
	con.mu.Lock()
	f.page, f.err = p, err
	if p != nil {
		p.Acquire()
	}
	delete(con.inflight, index)
	con.mu.Unlock()
	close(f.done)
	con.leave(f)
	return p, err
}
