// pkg/vmem/view_test.go

package vmem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"RasterVM/pkg/cache"
	"RasterVM/pkg/driver/mem"
	"RasterVM/pkg/raster"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(band, y, x int) float64 {
	return float64((band*37 + y*11 + x*3) % 251)
}

// newPatternDataset returns a Byte dataset whose samples follow pattern.
func newPatternDataset(t *testing.T, xs, ys, nb int) *mem.Dataset {
	ds := mem.New(t.Name(), xs, ys, nb, raster.Byte)
	buf := make([]byte, xs*ys*nb)
	var bands []int
	for b := 0; b < nb; b++ {
		bands = append(bands, b+1)
		for y := 0; y < ys; y++ {
			for x := 0; x < xs; x++ {
				buf[(b*ys+y)*xs+x] = byte(pattern(b+1, y, x))
			}
		}
	}
	w := raster.Window{XSize: xs, YSize: ys}
	require.NoError(t, raster.WriteRaster(context.Background(), ds, w, bands, raster.Byte, buf))
	return ds
}

// recorder checks that every request it forwards stays inside a window.
type recorder struct {
	raster.Dataset
	sync.Mutex
	bounds    raster.Window
	reads     int
	writes    int
	outside   []raster.Window
	failWrite bool
}

func (r *recorder) check(w raster.Window) {
	if w.XOff < r.bounds.XOff || w.YOff < r.bounds.YOff ||
		w.XOff+w.XSize > r.bounds.XOff+r.bounds.XSize || w.YOff+w.YSize > r.bounds.YOff+r.bounds.YSize {
		r.outside = append(r.outside, w)
	}
}

func (r *recorder) RawRead(ctx context.Context, req *raster.IORequest) error {
	r.Lock()
	r.reads++
	r.check(req.Window)
	r.Unlock()
	return r.Dataset.RawRead(ctx, req)
}

func (r *recorder) RawWrite(ctx context.Context, req *raster.IORequest) error {
	r.Lock()
	r.writes++
	r.check(req.Window)
	fail := r.failWrite
	r.Unlock()
	if fail {
		return errors.New("device unplugged")
	}
	return r.Dataset.RawWrite(ctx, req)
}

type viewCase struct {
	name string
	open func(m *Manager, ds raster.Dataset, opts *Options) (*View, error)
}

func allViews(region raster.Region, tx, ty int) []viewCase {
	ctx := context.Background()
	linear := func(il Interleave) func(*Manager, raster.Dataset, *Options) (*View, error) {
		return func(m *Manager, ds raster.Dataset, opts *Options) (*View, error) {
			return m.OpenLinear(ctx, ds, cache.ReadWrite, region, 0, 0, il, opts)
		}
	}
	tiled := func(o TileOrder) func(*Manager, raster.Dataset, *Options) (*View, error) {
		return func(m *Manager, ds raster.Dataset, opts *Options) (*View, error) {
			return m.OpenTiled(ctx, ds, cache.ReadWrite, region, TileGeometry{tx, ty, o}, opts)
		}
	}
	return []viewCase{
		{"linear-BSQ", linear(LinearBSQ)},
		{"linear-BIP", linear(LinearBIP)},
		{"tiled-TIP", tiled(TileTIP)},
		{"tiled-BIT", tiled(TileBIT)},
		{"tiled-BSQ", tiled(TileBSQ)},
	}
}

func TestViewsAgreeWithBulkRead(t *testing.T) {
	const xs, ys, nb = 400, 128, 3
	ds := newPatternDataset(t, xs, ys, nb)
	region := raster.FullRegion(ds.Info())
	want, err := raster.ReadAsArray(context.Background(), ds, region.Window(), region.Bands)
	require.NoError(t, err)

	m := NewManager(nil)
	for _, dt := range []raster.DataType{raster.Byte, raster.Int16} {
		for _, vc := range allViews(region, 128, 64) {
			name := fmt.Sprintf("%s/%s", vc.name, dt)
			v, err := vc.open(m, ds, &Options{CacheSize: 64 << 10, DataType: dt})
			require.NoError(t, err, name)
			assert.Equal(t, dt, v.DataType())
			for b := 1; b <= nb; b++ {
				for y := 0; y < ys; y++ {
					for x := 0; x < xs; x++ {
						got, err := v.Sample(b, y, x)
						require.NoError(t, err, name)
						require.Equal(t, want[((b-1)*ys+y)*xs+x], got, "%s (%d,%d,%d)", name, b, y, x)
					}
				}
			}
			require.NoError(t, v.Release(context.Background()))
		}
	}
}

func TestTiledIndexing(t *testing.T) {
	ds := newPatternDataset(t, 400, 128, 3)
	m := NewManager(nil)
	region := raster.FullRegion(ds.Info())
	v, err := m.OpenTiled(context.Background(), ds, cache.ReadOnly, region, TileGeometry{128, 64, TileTIP}, nil)
	require.NoError(t, err)
	defer v.Release(context.Background())

	assert.Equal(t, []int{2, 4, 64, 128, 3}, v.Shape())
	geom, ok := v.TileGeometry()
	require.True(t, ok)
	assert.Equal(t, TileGeometry{128, 64, TileTIP}, geom)

	// tile (1, 3) is the right edge tile: 16 valid columns out of 128
	for _, c := range [][2]int{{0, 0}, {63, 15}, {10, 16}, {63, 127}} {
		y, x := c[0], c[1]
		got, err := v.Get(1, 3, y, x, 2)
		require.NoError(t, err)
		tile, err := v.Tile(1, 3, 3, y, x)
		require.NoError(t, err)
		assert.Equal(t, got, tile)
		if 3*128+x < 400 {
			assert.Equal(t, pattern(3, 64+y, 3*128+x), got)
		} else {
			assert.Equal(t, float64(0), got)
		}
	}
	_, err = v.Get(2, 0, 0, 0, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = v.Sample(4, 0, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	lin, err := m.OpenBandLinear(context.Background(), ds, 2, cache.ReadOnly, 0, 0, 400, 128, nil)
	require.NoError(t, err)
	defer lin.Release(context.Background())
	_, ok = lin.TileGeometry()
	assert.False(t, ok)
	_, err = lin.Tile(0, 0, 1, 0, 0)
	assert.Error(t, err)
	got, err := lin.Get(5, 7)
	require.NoError(t, err)
	assert.Equal(t, pattern(2, 5, 7), got)
}

func TestWritesStayInsideRegion(t *testing.T) {
	const xs, ys = 200, 90
	region := raster.Region{XOff: 10, YOff: 5, XSize: 130, YSize: 70, Bands: []int{3, 1}}
	for _, vc := range allViews(region, 48, 20) {
		t.Run(vc.name, func(t *testing.T) {
			base := newPatternDataset(t, xs, ys, 3)
			rec := &recorder{Dataset: base, bounds: region.Window()}
			m := NewManager(nil)
			v, err := vc.open(m, rec, &Options{CacheSize: 16 << 10})
			require.NoError(t, err)
			for i, b := range region.Bands {
				for y := 0; y < region.YSize; y++ {
					for x := 0; x < region.XSize; x++ {
						require.NoError(t, v.SetSample(i+1, y, x, float64(b*50+(x+y)%40)))
					}
				}
			}
			// padding cells of edge tiles swallow writes
			if shape := v.Shape(); len(shape) == 5 {
				last := make([]int, len(shape))
				for i, n := range shape {
					last[i] = n - 1
				}
				require.NoError(t, v.Set(99, last...))
			}
			require.NoError(t, v.Release(context.Background()))
			assert.Empty(t, rec.outside)
			assert.Greater(t, rec.writes, 0)

			got, err := raster.ReadAsArray(context.Background(), base, raster.Window{XSize: xs, YSize: ys}, []int{1, 2, 3})
			require.NoError(t, err)
			for b := 1; b <= 3; b++ {
				for y := 0; y < ys; y++ {
					for x := 0; x < xs; x++ {
						want := pattern(b, y, x)
						inside := b != 2 && x >= 10 && x < 140 && y >= 5 && y < 75
						if inside {
							want = float64(b*50 + (x-10+y-5)%40)
						}
						require.Equal(t, want, got[((b-1)*ys+y)*xs+x], "(%d,%d,%d)", b, y, x)
					}
				}
			}
		})
	}
}

func TestFillAndChecksum(t *testing.T) {
	m := NewManager(nil)
	for _, kind := range []string{"auto", "linear", "tiled"} {
		ds := mem.New(kind, 100, 100, 1, raster.Byte)
		var v *View
		var err error
		switch kind {
		case "auto":
			v, err = m.OpenAuto(context.Background(), ds, 1, cache.WriteOnly, nil)
		case "linear":
			v, err = m.OpenBandLinear(context.Background(), ds, 1, cache.WriteOnly, 0, 0, 100, 100, nil)
		default:
			v, err = m.OpenBandTiled(context.Background(), ds, 1, cache.WriteOnly, 0, 0, 100, 100, 32, 32, nil)
		}
		require.NoError(t, err, kind)
		require.NoError(t, v.Fill(context.Background(), 255), kind)
		require.NoError(t, v.Release(context.Background()), kind)
		sum, err := raster.Checksum(context.Background(), ds, 1, raster.Window{})
		require.NoError(t, err)
		assert.Equal(t, 57182, sum, kind)
	}
}

func TestReadWriteAt(t *testing.T) {
	ds := newPatternDataset(t, 300, 40, 1)
	m := NewManager(&Config{MinPageSize: 1024})
	v, err := m.OpenBandLinear(context.Background(), ds, 1, cache.ReadWrite, 0, 0, 300, 40, nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, v.PageSize())

	buf := make([]byte, 700)
	for i := range buf {
		buf[i] = byte(i % 7)
	}
	n, err := v.WriteAt(buf, 900)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	back := make([]byte, 700)
	n, err = v.ReadAt(back, 900)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	assert.Equal(t, buf, back)

	n, err = v.ReadAt(back, v.Size()-100)
	assert.Equal(t, 100, n)
	assert.Equal(t, io.EOF, err)
	_, err = v.WriteAt(buf, v.Size()-100)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, v.Release(context.Background()))
	got, err := raster.ReadRaster(context.Background(), ds, raster.Window{XOff: 0, YOff: 3, XSize: 300, YSize: 1}, []int{1}, raster.Byte)
	require.NoError(t, err)
	assert.Equal(t, buf[0:300], got)
}

func TestReadOnlyAndReleasedViews(t *testing.T) {
	ds := newPatternDataset(t, 64, 64, 1)
	m := NewManager(nil)
	v, err := m.OpenAuto(context.Background(), ds, 1, cache.ReadOnly, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, v.SetSample(1, 0, 0, 1), ErrReadOnly)
	assert.ErrorIs(t, v.Fill(context.Background(), 1), ErrReadOnly)
	_, err = v.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, ErrReadOnly)

	require.NoError(t, v.Release(context.Background()))
	require.NoError(t, v.Release(context.Background()))
	_, err = v.Sample(1, 0, 0)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, v.Flush(context.Background()), ErrReleased)
	assert.Equal(t, 0, m.OpenViews(ds))
}

func TestDegradedAfterWriteFault(t *testing.T) {
	base := newPatternDataset(t, 64, 64, 1)
	rec := &recorder{Dataset: base, bounds: raster.Window{XSize: 64, YSize: 64}, failWrite: true}
	m := NewManager(nil)
	v, err := m.OpenBandTiled(context.Background(), rec, 1, cache.ReadWrite, 0, 0, 64, 64, 32, 32, nil)
	require.NoError(t, err)
	require.NoError(t, v.SetSample(1, 1, 1, 7))
	assert.ErrorIs(t, v.Flush(context.Background()), ErrWriteFault)
	assert.ErrorIs(t, v.SetSample(1, 2, 2, 7), ErrDegraded)

	// reads keep working from the cache
	got, err := v.Sample(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(7), got)
	assert.Error(t, v.Release(context.Background()))
	assert.Equal(t, 0, m.OpenViews(rec))
}

func TestPrefetch(t *testing.T) {
	ds := newPatternDataset(t, 256, 256, 1)
	m := NewManager(nil)
	v, err := m.OpenBandTiled(context.Background(), ds, 1, cache.ReadOnly, 0, 0, 256, 256, 64, 64, &Options{CacheSize: 32 << 10})
	require.NoError(t, err)
	defer v.Release(context.Background())

	n, err := v.Prefetch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	st := v.Stats()
	assert.Equal(t, int64(8), st.Loads)
	assert.Equal(t, 8, st.Resident)
}

func TestConcurrentWritersOnDisjointRows(t *testing.T) {
	const xs, ys, nb, writers = 300, 64, 2, 8
	ctx := context.Background()
	ds := mem.New(t.Name(), xs, ys, nb, raster.Byte)
	value := func(b, y, x int) float64 { return float64((b*7 + y*5 + x) % 256) }

	// 80 pages of one tile band each go through a cache of 8
	m := NewManager(&Config{MinPageSize: 512})
	v, err := m.OpenTiled(ctx, ds, cache.ReadWrite, raster.FullRegion(ds.Info()),
		TileGeometry{32, 16, TileBIT}, &Options{CacheSize: 4096})
	require.NoError(t, err)
	require.Equal(t, 512, v.PageSize())

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for y := w; y < ys; y += writers {
				for b := 1; b <= nb; b++ {
					for x := 0; x < xs; x++ {
						if !assert.NoError(t, v.SetSample(b, y, x, value(b, y, x))) {
							return
						}
					}
				}
				for b := 1; b <= nb; b++ {
					for x := 0; x < xs; x += 37 {
						got, err := v.Sample(b, y, x)
						if !assert.NoError(t, err) || !assert.Equal(t, value(b, y, x), got) {
							return
						}
					}
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Greater(t, v.Stats().Evictions, int64(0))
	require.NoError(t, v.Release(ctx))

	got, err := raster.ReadAsArray(ctx, ds, raster.Window{XSize: xs, YSize: ys}, []int{1, 2})
	require.NoError(t, err)
	var mismatches int
	for b := 1; b <= nb; b++ {
		for y := 0; y < ys; y++ {
			for x := 0; x < xs; x++ {
				if got[((b-1)*ys+y)*xs+x] != value(b, y, x) {
					mismatches++
				}
			}
		}
	}
	assert.Zero(t, mismatches)
}
