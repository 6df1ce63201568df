// pkg/vmem/errors.go

package vmem

import (
	"RasterVM/pkg/cache"
	"RasterVM/pkg/raster"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedMapping means the dataset cannot back a view; callers
	// fall back to raster.ReadRaster and raster.WriteRaster.
	ErrUnsupportedMapping = errors.New("virtual memory mapping not supported")
	ErrOutOfRange         = raster.ErrOutOfRange
	ErrReadFault          = cache.ErrReadFault
	ErrWriteFault         = cache.ErrWriteFault
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrReleased           = errors.New("view is released")
	ErrDegraded           = errors.New("view is degraded")
	ErrViewsOpen          = errors.New("views are still open on the dataset")
	ErrReadOnly           = cache.ErrReadOnly
)
