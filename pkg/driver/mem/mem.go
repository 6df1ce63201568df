// pkg/driver/mem/mem.go

package mem

import (
	"context"
	"sync"

	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"

	"github.com/pkg/errors"
)

var (
	mu       sync.Mutex
	datasets = make(map[string]*Dataset)
)

func init() {
	driver.Register(&driver.Driver{
		Name: "mem",
		Create: func(path string, opts *driver.Options) (raster.Dataset, error) {
			ds := New(path, opts.XSize, opts.YSize, opts.Bands, opts.DataType)
			mu.Lock()
			datasets[path] = ds
			mu.Unlock()
			return ds, nil
		},
		Open: func(path string, opts *driver.Options) (raster.Dataset, error) {
			mu.Lock()
			defer mu.Unlock()
			ds, ok := datasets[path]
			if !ok {
				return nil, errors.Errorf("no in-memory dataset %q", path)
			}
			return ds, nil
		},
		Delete: func(path string) error {
			mu.Lock()
			defer mu.Unlock()
			delete(datasets, path)
			return nil
		},
	})
}

// Dataset keeps every band in memory, band sequential.
type Dataset struct {
	sync.RWMutex
	info  raster.Info
	bands [][]byte
}

// New returns a zero-filled dataset. Unlike datasets made by the driver it
// is not reachable by name.
func New(name string, xsize, ysize, bands int, t raster.DataType) *Dataset {
	ds := &Dataset{info: raster.Info{Name: name, XSize: xsize, YSize: ysize, Bands: bands, DataType: t}}
	for b := 0; b < bands; b++ {
		ds.bands = append(ds.bands, make([]byte, xsize*ysize*t.Size()))
	}
	return ds
}

func (d *Dataset) Info() raster.Info {
	return d.info
}

func (d *Dataset) rowOffset(y, x int) int {
	return (y*d.info.XSize + x) * d.info.DataType.Size()
}

func (d *Dataset) ReadRow(ctx context.Context, band, y, x, n int, dst []byte) error {
	off := d.rowOffset(y, x)
	copy(dst, d.bands[band-1][off:off+n*d.info.DataType.Size()])
	return nil
}

func (d *Dataset) WriteRow(ctx context.Context, band, y, x, n int, src []byte) error {
	off := d.rowOffset(y, x)
	copy(d.bands[band-1][off:], src[:n*d.info.DataType.Size()])
	return nil
}

func (d *Dataset) RawRead(ctx context.Context, req *raster.IORequest) error {
	d.RLock()
	defer d.RUnlock()
	if d.bands == nil {
		return raster.ErrClosed
	}
	return raster.ServeRead(ctx, d.info, d, req)
}

func (d *Dataset) RawWrite(ctx context.Context, req *raster.IORequest) error {
	d.Lock()
	defer d.Unlock()
	if d.bands == nil {
		return raster.ErrClosed
	}
	return raster.ServeWrite(ctx, d.info, d, req)
}

func (d *Dataset) SupportsMemoryMapping() bool {
	return true
}

func (d *Dataset) NativeBlockGeometry() raster.BlockGeometry {
	return raster.BlockGeometry{XSize: d.info.XSize, YSize: 1, Interleave: raster.InterleaveBand}
}

// Close drops the bands of a dataset made by New. Datasets registered by
// name stay alive until deleted.
func (d *Dataset) Close() error {
	mu.Lock()
	registered := datasets[d.info.Name] == d
	mu.Unlock()
	if registered {
		return nil
	}
	d.Lock()
	d.bands = nil
	d.Unlock()
	return nil
}
