// pkg/cache/accesslog.go

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"RasterVM/pkg/utils"
)

// pageEvent is one load or flush of a page by the backing store.
type pageEvent struct {
	at    time.Time
	op    string
	space string
	index int64
	bytes int
	used  time.Duration
	err   error
}

func (e *pageEvent) String() string {
	s := fmt.Sprintf("%s %s %s page %d (%d bytes) <%.6f>",
		e.at.Format("2006.01.02 15:04:05.000000"), e.op, e.space, e.index, e.bytes, e.used.Seconds())
	if e.err != nil {
		s += " error: " + e.err.Error()
	}
	return s
}

// AccessLog is a subscription to the page events of every Space in the
// process. Events are dropped when the subscriber falls behind.
type AccessLog struct {
	id     uint64
	events chan *pageEvent
	mu     sync.Mutex
	rest   []byte
}

var subscribers = struct {
	sync.Mutex
	next uint64
	m    map[uint64]*AccessLog
}{m: make(map[uint64]*AccessLog)}

// SubscribeAccessLog starts buffering page events for a new reader.
func SubscribeAccessLog() *AccessLog {
	subscribers.Lock()
	defer subscribers.Unlock()
	subscribers.next++
	a := &AccessLog{id: subscribers.next, events: make(chan *pageEvent, 10240)}
	subscribers.m[a.id] = a
	return a
}

// Close detaches the reader. Buffered events are discarded.
func (a *AccessLog) Close() {
	subscribers.Lock()
	defer subscribers.Unlock()
	delete(subscribers.m, a.id)
}

// Read fills buf with formatted events. It blocks until at least one event
// arrives, ctx is done or a second has passed, and returns the bytes copied.
func (a *AccessLog) Read(ctx context.Context, buf []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := copy(buf, a.rest)
	a.rest = a.rest[n:]
	t := time.NewTimer(time.Second)
	defer t.Stop()
	for n < len(buf) {
		var ev *pageEvent
		if n > 0 {
			select {
			case ev = <-a.events:
			default:
				return n
			}
		} else {
			select {
			case ev = <-a.events:
			case <-t.C:
				return n
			case <-ctx.Done():
				return n
			}
		}
		line := ev.String() + "\n"
		c := copy(buf[n:], line)
		n += c
		if c < len(line) {
			a.rest = []byte(line[c:])
		}
	}
	return n
}

// record publishes ev to the subscribers and reports it as slow when it took
// at least slow. A zero slow disables the slow log.
func record(ev *pageEvent, slow time.Duration) {
	isSlow := slow > 0 && ev.used >= slow
	subscribers.Lock()
	defer subscribers.Unlock()
	if len(subscribers.m) == 0 && !isSlow {
		return
	}
	ev.at = utils.Now()
	if isSlow {
		logger.Infof("slow operation: %s", ev)
	}
	for _, a := range subscribers.m {
		select {
		case a.events <- ev:
		default:
		}
	}
}
