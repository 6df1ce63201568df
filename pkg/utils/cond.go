// pkg/utils/cond.go

package utils

import (
	"context"
	"sync"
)

// Cond is a condition variable whose waiters can give up on a deadline.
// Every Broadcast wakes all goroutines waiting at that moment.
type Cond struct {
	L sync.Locker

	mu   sync.Mutex
	wake chan struct{}
}

// NewCond creates a Cond guarded by lock.
func NewCond(lock sync.Locker) *Cond {
	return &Cond{L: lock}
}

func (c *Cond) waiter() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake == nil {
		c.wake = make(chan struct{})
	}
	return c.wake
}

// Broadcast wakes up all the waiters.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake != nil {
		close(c.wake)
		c.wake = nil
	}
}

// Wait releases L until the next Broadcast or until ctx is done, and
// reacquires it before returning ctx.Err().
func (c *Cond) Wait(ctx context.Context) error {
	wake := c.waiter()
	c.L.Unlock()
	defer c.L.Lock()
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
