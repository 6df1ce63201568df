// pkg/vmem/view.go

package vmem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"RasterVM/pkg/cache"
	"RasterVM/pkg/raster"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Kind tells how a view was opened.
type Kind int

const (
	KindLinear Kind = iota
	KindTiled
	KindAuto
)

func (k Kind) String() string {
	switch k {
	case KindTiled:
		return "tiled"
	case KindAuto:
		return "auto"
	}
	return "linear"
}

// View is a live window onto a dataset region addressed through a Layout.
// Every access goes through the page cache; nothing reaches the dataset
// before a page is flushed. Element accessors are safe for concurrent use.
type View struct {
	id     string
	kind   Kind
	mgr    *Manager
	ds     raster.Dataset
	mode   cache.Mode
	region raster.Region
	dtype  raster.DataType
	layout Layout
	space  *cache.Space
	shared *sharedSpace
	opened time.Time

	mu       sync.Mutex
	released bool
}

func (v *View) String() string {
	return fmt.Sprintf("%s view %s on %s (%s, %s)", v.kind, v.id[:8], v.ds.Info().Name, v.layout.Name(), v.mode)
}

func (v *View) ID() string                { return v.id }
func (v *View) Kind() Kind                { return v.kind }
func (v *View) Mode() cache.Mode          { return v.mode }
func (v *View) Dataset() raster.Dataset   { return v.ds }
func (v *View) Region() raster.Region     { return v.region }
func (v *View) DataType() raster.DataType { return v.dtype }
func (v *View) Layout() Layout            { return v.layout }
func (v *View) Shape() []int              { return v.layout.Shape() }
func (v *View) Size() int64               { return v.layout.Size() }
func (v *View) PageSize() int             { return v.space.PageSize() }

// Bands returns the number of bands addressed by the view.
func (v *View) Bands() int { return len(v.region.Bands) }

func (v *View) Stats() cache.Stats {
	return v.space.Stats()
}

func (v *View) check(write bool) error {
	v.mu.Lock()
	released := v.released
	v.mu.Unlock()
	if released {
		return ErrReleased
	}
	if !write {
		return nil
	}
	if v.mode == cache.ReadOnly {
		return errors.Wrapf(ErrReadOnly, "%s", v)
	}
	if err := v.space.Err(); err != nil {
		return errors.Wrapf(ErrDegraded, "%s: %s", v, err)
	}
	return nil
}

// access runs fn on n bytes at off, which never cross a page.
func (v *View) access(ctx context.Context, off int64, n int, write bool, fn func(b []byte)) error {
	ps := int64(v.space.PageSize())
	p, err := v.space.Acquire(ctx, off/ps, write)
	if err != nil {
		return err
	}
	defer p.Release()
	in := off % ps
	if write {
		p.Lock()
		fn(p.Data[in : in+int64(n)])
		v.space.MarkDirty(p)
		p.Unlock()
	} else {
		p.RLock()
		fn(p.Data[in : in+int64(n)])
		p.RUnlock()
	}
	return nil
}

func (v *View) get(off int64) (float64, error) {
	var r float64
	err := v.access(context.Background(), off, v.dtype.Size(), false, func(b []byte) {
		r = raster.Decode(v.dtype, b)
	})
	return r, err
}

func (v *View) set(off int64, val float64) error {
	return v.access(context.Background(), off, v.dtype.Size(), true, func(b []byte) {
		raster.Encode(v.dtype, b, val)
	})
}

// Get reads the element at idx, given in Shape order. Padding cells of
// edge tiles read as zero.
func (v *View) Get(idx ...int) (float64, error) {
	if err := v.check(false); err != nil {
		return 0, err
	}
	off, pad, err := v.layout.Offset(idx)
	if err != nil || pad {
		return 0, err
	}
	return v.get(off)
}

// Set writes the element at idx, given in Shape order. Writes to padding
// cells are dropped.
func (v *View) Set(val float64, idx ...int) error {
	if err := v.check(true); err != nil {
		return err
	}
	off, pad, err := v.layout.Offset(idx)
	if err != nil || pad {
		return err
	}
	return v.set(off, val)
}

func (v *View) sampleOffset(band, y, x int) (int64, error) {
	if band < 1 || band > len(v.region.Bands) || y < 0 || y >= v.region.YSize || x < 0 || x >= v.region.XSize {
		return 0, errors.Wrapf(ErrOutOfRange, "sample (%d,%d,%d) outside %dx%dx%d",
			band, y, x, len(v.region.Bands), v.region.YSize, v.region.XSize)
	}
	return v.layout.AddressOf(band-1, y, x), nil
}

// Sample reads one sample by view band number (1-based) and region
// relative row and column, whatever the layout.
func (v *View) Sample(band, y, x int) (float64, error) {
	if err := v.check(false); err != nil {
		return 0, err
	}
	off, err := v.sampleOffset(band, y, x)
	if err != nil {
		return 0, err
	}
	return v.get(off)
}

func (v *View) SetSample(band, y, x int, val float64) error {
	if err := v.check(true); err != nil {
		return err
	}
	off, err := v.sampleOffset(band, y, x)
	if err != nil {
		return err
	}
	return v.set(off, val)
}

// Tile reads the element at row y, column x of tile (tileRow, tileCol) for
// view band number band (1-based). Only tiled views support it.
func (v *View) Tile(tileRow, tileCol, band, y, x int) (float64, error) {
	if err := v.check(false); err != nil {
		return 0, err
	}
	tl, ok := v.layout.(tileLayout)
	if !ok {
		return 0, errors.Errorf("%s is not tiled", v)
	}
	off, pad, err := tl.TileOffset(tileRow, tileCol, band-1, y, x)
	if err != nil || pad {
		return 0, err
	}
	return v.get(off)
}

// TileGeometry returns the tiling of a tiled view.
func (v *View) TileGeometry() (TileGeometry, bool) {
	if tl, ok := v.layout.(tileLayout); ok {
		return tl.Geometry(), true
	}
	return TileGeometry{}, false
}

// ReadAt implements io.ReaderAt over the raw bytes of the address space.
func (v *View) ReadAt(buf []byte, off int64) (int, error) {
	if err := v.check(false); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Wrapf(ErrOutOfRange, "offset %d", off)
	}
	size := v.layout.Size()
	ps := int64(v.space.PageSize())
	var n int
	for n < len(buf) && off < size {
		l := min(int64(len(buf)-n), ps-off%ps, size-off)
		err := v.access(context.Background(), off, int(l), false, func(b []byte) {
			copy(buf[n:], b)
		})
		if err != nil {
			return n, err
		}
		n += int(l)
		off += l
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the raw bytes of the address space.
func (v *View) WriteAt(buf []byte, off int64) (int, error) {
	if err := v.check(true); err != nil {
		return 0, err
	}
	size := v.layout.Size()
	if off < 0 || off+int64(len(buf)) > size {
		return 0, errors.Wrapf(ErrOutOfRange, "write of %d bytes at %d, size is %d", len(buf), off, size)
	}
	ps := int64(v.space.PageSize())
	var n int
	for n < len(buf) {
		l := min(int64(len(buf)-n), ps-off%ps)
		err := v.access(context.Background(), off, int(l), true, func(b []byte) {
			copy(b, buf[n:])
		})
		if err != nil {
			return n, err
		}
		n += int(l)
		off += l
	}
	return n, nil
}

// Fill sets every in-region sample of the view to val.
func (v *View) Fill(ctx context.Context, val float64) error {
	if err := v.check(true); err != nil {
		return err
	}
	s := v.dtype.Size()
	word := make([]byte, s)
	raster.Encode(v.dtype, word, val)
	ps := int64(v.space.PageSize())
	lb := v.layout.LineBytes()

	var cur *cache.Page
	defer func() {
		if cur != nil {
			cur.Release()
		}
	}()
	put := func(off int64) error {
		idx := off / ps
		if cur == nil || cur.Index() != idx {
			if cur != nil {
				cur.Release()
				cur = nil
			}
			p, err := v.space.Acquire(ctx, idx, true)
			if err != nil {
				return err
			}
			cur = p
		}
		cur.Lock()
		copy(cur.Data[off%ps:], word)
		v.space.MarkDirty(cur)
		cur.Unlock()
		return nil
	}
	for k := int64(0); k < v.layout.LineCount(); k++ {
		ln := v.layout.Line(k)
		for j := range ln.Bands {
			for x := 0; x < ln.XSize; x++ {
				if err := put(k*lb + int64(j)*ln.BandSpace + int64(x)*ln.PixelSpace); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Flush writes the dirty pages of the view back to the dataset without
// releasing it.
func (v *View) Flush(ctx context.Context) error {
	if err := v.check(false); err != nil {
		return err
	}
	return v.space.FlushAll(ctx)
}

// Release flushes every dirty page in ascending page order and frees the
// cache. Releasing twice is a no-op.
func (v *View) Release(ctx context.Context) error {
	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return nil
	}
	v.released = true
	v.mu.Unlock()

	var err error
	if v.shared != nil {
		err = v.mgr.releaseShared(ctx, v.shared)
	} else {
		err = v.space.Close(ctx)
	}
	if f, ok := v.ds.(raster.Flusher); ok && v.mode != cache.ReadOnly {
		err = multierr.Append(err, f.FlushCache(ctx))
	}
	v.mgr.unregister(v)
	if err != nil {
		logger.Errorf("release %s: %s", v, err)
	} else {
		logger.Debugf("released %s after %s: %s", v, time.Since(v.opened), v.space.Stats())
	}
	return err
}
