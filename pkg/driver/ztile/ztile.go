// pkg/driver/ztile/ztile.go

package ztile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"RasterVM/pkg/compress"
	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var logger = utils.GetLogger("rastervm")

const (
	metaFile = "tiles.toml"
	// maxTiles bounds the decompressed tiles kept in memory.
	maxTiles = 64
)

func init() {
	driver.Register(&driver.Driver{
		Name:   "ztile",
		Create: func(path string, opts *driver.Options) (raster.Dataset, error) { return Create(path, opts) },
		Open:   func(path string, opts *driver.Options) (raster.Dataset, error) { return Open(path, opts) },
		Delete: func(path string) error { return os.RemoveAll(path) },
	})
}

type meta struct {
	XSize      int    `toml:"xsize"`
	YSize      int    `toml:"ysize"`
	Bands      int    `toml:"bands"`
	DataType   string `toml:"datatype"`
	TileXSize  int    `toml:"tile_xsize"`
	TileYSize  int    `toml:"tile_ysize"`
	Compressor string `toml:"compress"`
}

type tileKey struct {
	band, tr, tc int
}

type tile struct {
	data  []byte
	dirty bool
}

// Dataset stores every band as compressed tiles, one file per tile, in a
// directory. Tiles never written read as zero. It cannot back a page cache
// directly since a tile is only addressable once decompressed.
type Dataset struct {
	sync.Mutex
	dir      string
	info     raster.Info
	tx, ty   int
	comp     compress.Compressor
	readOnly bool
	tiles    map[tileKey]*tile
	closed   bool
}

func Create(dir string, opts *driver.Options) (*Dataset, error) {
	m := meta{
		XSize:      opts.XSize,
		YSize:      opts.YSize,
		Bands:      opts.Bands,
		DataType:   opts.DataType.String(),
		TileXSize:  opts.BlockXSize,
		TileYSize:  opts.BlockYSize,
		Compressor: opts.Compress,
	}
	if m.TileXSize <= 0 {
		m.TileXSize = 256
	}
	if m.TileYSize <= 0 {
		m.TileYSize = 256
	}
	if m.Compressor == "" {
		m.Compressor = "lz4"
	}
	if compress.NewCompressor(m.Compressor) == nil {
		return nil, errors.Errorf("unsupported compress algorithm: %s", m.Compressor)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(filepath.Join(dir, metaFile), data, 0644); err != nil {
		return nil, err
	}
	logger.Infof("created tiled dataset %s (%dx%dx%d %s, %dx%d tiles, %s)",
		dir, m.XSize, m.YSize, m.Bands, m.DataType, m.TileXSize, m.TileYSize, m.Compressor)
	return Open(dir, &driver.Options{})
}

func Open(dir string, opts *driver.Options) (*Dataset, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}
	var m meta
	if err = toml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parse %s", metaFile)
	}
	t, err := raster.ParseDataType(m.DataType)
	if err != nil {
		return nil, err
	}
	comp := compress.NewCompressor(m.Compressor)
	if comp == nil {
		return nil, errors.Errorf("unsupported compress algorithm: %s", m.Compressor)
	}
	if m.XSize <= 0 || m.YSize <= 0 || m.Bands <= 0 || m.TileXSize <= 0 || m.TileYSize <= 0 {
		return nil, errors.Errorf("bad metadata in %s: %+v", dir, m)
	}
	return &Dataset{
		dir:      dir,
		info:     raster.Info{Name: dir, XSize: m.XSize, YSize: m.YSize, Bands: m.Bands, DataType: t},
		tx:       m.TileXSize,
		ty:       m.TileYSize,
		comp:     comp,
		readOnly: opts.ReadOnly,
		tiles:    make(map[tileKey]*tile),
	}, nil
}

func (d *Dataset) Info() raster.Info {
	return d.info
}

func (d *Dataset) tileBytes() int {
	return d.tx * d.ty * d.info.DataType.Size()
}

func (d *Dataset) tilePath(k tileKey) string {
	return filepath.Join(d.dir, fmt.Sprintf("b%d", k.band), fmt.Sprintf("%d_%d.tile", k.tr, k.tc))
}

// get returns the decompressed tile k. Caller holds the lock.
func (d *Dataset) get(k tileKey) (*tile, error) {
	if t, ok := d.tiles[k]; ok {
		return t, nil
	}
	if len(d.tiles) >= maxTiles {
		if err := d.flush(); err != nil {
			return nil, err
		}
		d.tiles = make(map[tileKey]*tile)
	}
	t := &tile{data: make([]byte, d.tileBytes())}
	buf, err := os.ReadFile(d.tilePath(k))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		n, err := d.comp.Decompress(t.data, buf)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress %s", d.tilePath(k))
		}
		if n != len(t.data) {
			return nil, errors.Errorf("tile %s has %d bytes, expect %d", d.tilePath(k), n, len(t.data))
		}
	}
	d.tiles[k] = t
	return t, nil
}

func (d *Dataset) store(k tileKey, t *tile) error {
	buf := make([]byte, d.comp.CompressBound(len(t.data)))
	n, err := d.comp.Compress(buf, t.data)
	if err != nil {
		return errors.Wrapf(err, "compress %s", d.tilePath(k))
	}
	p := d.tilePath(k)
	if err = os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err = os.WriteFile(tmp, buf[:n], 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// flush writes the dirty tiles in key order. Caller holds the lock.
func (d *Dataset) flush() error {
	var keys []tileKey
	for k, t := range d.tiles {
		if t.dirty {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.band != b.band {
			return a.band < b.band
		}
		if a.tr != b.tr {
			return a.tr < b.tr
		}
		return a.tc < b.tc
	})
	var errs error
	for _, k := range keys {
		t := d.tiles[k]
		if err := d.store(k, t); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		t.dirty = false
	}
	if len(keys) > 0 {
		logger.Debugf("%s: stored %d tiles", d.dir, len(keys))
	}
	return errs
}

// span calls fn for each tile piece of the row segment (y, x..x+n).
func (d *Dataset) span(band, y, x, n int, fn func(t tileKey, off, i, cnt int) error) error {
	s := d.info.DataType.Size()
	for i := 0; i < n; {
		cx := x + i
		k := tileKey{band, y / d.ty, cx / d.tx}
		xin := cx % d.tx
		cnt := min(d.tx-xin, n-i)
		if err := fn(k, ((y%d.ty)*d.tx+xin)*s, i*s, cnt*s); err != nil {
			return err
		}
		i += cnt
	}
	return nil
}

func (d *Dataset) ReadRow(ctx context.Context, band, y, x, n int, dst []byte) error {
	return d.span(band, y, x, n, func(k tileKey, off, i, cnt int) error {
		t, err := d.get(k)
		if err != nil {
			return err
		}
		copy(dst[i:i+cnt], t.data[off:])
		return nil
	})
}

func (d *Dataset) WriteRow(ctx context.Context, band, y, x, n int, src []byte) error {
	return d.span(band, y, x, n, func(k tileKey, off, i, cnt int) error {
		t, err := d.get(k)
		if err != nil {
			return err
		}
		copy(t.data[off:], src[i:i+cnt])
		t.dirty = true
		return nil
	})
}

func (d *Dataset) RawRead(ctx context.Context, req *raster.IORequest) error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return raster.ErrClosed
	}
	return raster.ServeRead(ctx, d.info, d, req)
}

func (d *Dataset) RawWrite(ctx context.Context, req *raster.IORequest) error {
	if d.readOnly {
		return errors.Wrapf(raster.ErrReadOnly, "%s", d.dir)
	}
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return raster.ErrClosed
	}
	return raster.ServeWrite(ctx, d.info, d, req)
}

func (d *Dataset) SupportsMemoryMapping() bool {
	return false
}

func (d *Dataset) NativeBlockGeometry() raster.BlockGeometry {
	return raster.BlockGeometry{XSize: d.tx, YSize: d.ty, Tiled: true, Interleave: raster.InterleaveBand}
}

func (d *Dataset) FlushCache(ctx context.Context) error {
	d.Lock()
	defer d.Unlock()
	return d.flush()
}

func (d *Dataset) Close() error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.flush()
	d.tiles = nil
	return err
}
