// pkg/cache/cache.go

package cache

import (
	"context"
	"time"

	"RasterVM/pkg/utils"
)

var logger = utils.GetLogger("rastervm")

// Mode is the access mode of a Space.
type Mode int

const (
	ReadOnly Mode = iota
	WriteOnly
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case WriteOnly:
		return "write"
	case ReadWrite:
		return "read-write"
	}
	return "read"
}

// Loader moves whole pages between a Space and the store behind it.
// data covers the logical extent of the page and may be shorter than the
// page size for the last page.
type Loader interface {
	LoadPage(ctx context.Context, index int64, data []byte) error
	StorePage(ctx context.Context, index int64, data []byte) error
}

// Metrics receives page cache events. A nil Metrics is valid.
type Metrics interface {
	ObserveLoad(bytes int, d time.Duration, err error)
	ObserveFlush(bytes int, d time.Duration, err error)
	ObserveHit()
	ObserveEviction(dirty bool)
}
