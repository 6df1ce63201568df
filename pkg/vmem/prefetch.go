// pkg/vmem/prefetch.go

package vmem

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Prefetch loads the pages of the view with concurrent workers, stopping
// once the cache is full. It returns the number of pages loaded and the
// first error seen.
func (v *View) Prefetch(ctx context.Context, concurrent int) (int, error) {
	if err := v.check(false); err != nil {
		return 0, err
	}
	if concurrent <= 0 {
		concurrent = v.mgr.conf.PrefetchWorkers
	}
	pages := v.space.NumPages()
	if limit := int64(v.space.Capacity()); pages > limit {
		pages = limit
	}
	logger.Debugf("start to warm up %d pages of %s with %d workers", pages, v, concurrent)
	start := time.Now()
	todo := make(chan int64, 1024)
	var loaded int64
	var first error
	var once sync.Once
	wg := sync.WaitGroup{}
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range todo {
				p, err := v.space.Acquire(ctx, idx, false)
				if err != nil {
					once.Do(func() { first = err })
					continue
				}
				p.Release()
				atomic.AddInt64(&loaded, 1)
			}
		}()
	}
	for idx := int64(0); idx < pages; idx++ {
		if ctx.Err() != nil {
			break
		}
		todo <- idx
	}
	close(todo)
	wg.Wait()
	logger.Debugf("warmed up %d pages of %s in %s", loaded, v, time.Since(start))
	if first == nil {
		first = ctx.Err()
	}
	return int(loaded), first
}
