// pkg/driver/rediskv/rediskv.go

package rediskv

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var logger = utils.GetLogger("rastervm")

// maxBlocks bounds the blocks kept in memory between flushes.
const maxBlocks = 256

func init() {
	driver.Register(&driver.Driver{
		Name:   "redis",
		Create: func(path string, opts *driver.Options) (raster.Dataset, error) { return Create(path, opts) },
		Open:   func(path string, opts *driver.Options) (raster.Dataset, error) { return Open(path, opts) },
		Delete: Delete,
	})
}

type blockKey struct {
	band, by, bx int
}

type block struct {
	data  []byte
	dirty bool
}

// Dataset keeps every band as blocks in Redis, one string key per block,
// and its description in a hash.
type Dataset struct {
	sync.Mutex
	rdb      *redis.Client
	name     string
	info     raster.Info
	bx, by   int
	readOnly bool
	blocks   map[blockKey]*block
	closed   bool
}

// newClient connects to the server named by path, "host:port/db/name".
func newClient(path string, retries int) (*redis.Client, string, error) {
	p := strings.LastIndex(path, "/")
	if p <= 0 || p == len(path)-1 {
		return nil, "", errors.Errorf("dataset name is missing in %s", path)
	}
	url, name := "redis://"+path[:p], path[p+1:]
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %s", url, err)
	}
	if opt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
		opt.Password = os.Getenv("REDIS_PASSWORD")
	}
	opt.MaxRetries = retries
	opt.MinRetryBackoff = time.Millisecond * 100
	opt.MaxRetryBackoff = time.Minute * 1
	opt.ReadTimeout = time.Second * 30
	opt.WriteTimeout = time.Second * 5
	return redis.NewClient(opt), name, nil
}

func infoKey(name string) string {
	return name + ":info"
}

func (d *Dataset) blockKey(k blockKey) string {
	return fmt.Sprintf("%s:b%d:%d:%d", d.name, k.band, k.by, k.bx)
}

func Create(path string, opts *driver.Options) (*Dataset, error) {
	rdb, name, err := newClient(path, opts.Retries)
	if err != nil {
		return nil, err
	}
	bx, by := opts.BlockXSize, opts.BlockYSize
	if bx <= 0 {
		bx = 256
	}
	if by <= 0 {
		by = 256
	}
	ctx := context.Background()
	err = rdb.HSet(ctx, infoKey(name),
		"xsize", opts.XSize,
		"ysize", opts.YSize,
		"bands", opts.Bands,
		"datatype", opts.DataType.String(),
		"block_xsize", bx,
		"block_ysize", by,
	).Err()
	_ = rdb.Close()
	if err != nil {
		return nil, err
	}
	logger.Infof("created redis dataset %s (%dx%dx%d %s)", path, opts.XSize, opts.YSize, opts.Bands, opts.DataType)
	return Open(path, opts)
}

func Open(path string, opts *driver.Options) (*Dataset, error) {
	rdb, name, err := newClient(path, opts.Retries)
	if err != nil {
		return nil, err
	}
	fields, err := rdb.HGetAll(context.Background(), infoKey(name)).Result()
	if err == nil && len(fields) == 0 {
		err = errors.Errorf("no dataset %s", name)
	}
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	num := func(k string) int {
		v, _ := strconv.Atoi(fields[k])
		return v
	}
	t, err := raster.ParseDataType(fields["datatype"])
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	d := &Dataset{
		rdb:      rdb,
		name:     name,
		info:     raster.Info{Name: path, XSize: num("xsize"), YSize: num("ysize"), Bands: num("bands"), DataType: t},
		bx:       num("block_xsize"),
		by:       num("block_ysize"),
		readOnly: opts.ReadOnly,
		blocks:   make(map[blockKey]*block),
	}
	if d.info.XSize <= 0 || d.info.YSize <= 0 || d.info.Bands <= 0 || d.bx <= 0 || d.by <= 0 {
		_ = rdb.Close()
		return nil, errors.Errorf("bad description of %s: %v", name, fields)
	}
	return d, nil
}

// Delete removes the description and every block of a dataset.
func Delete(path string) error {
	rdb, name, err := newClient(path, 0)
	if err != nil {
		return err
	}
	defer rdb.Close()
	ctx := context.Background()
	var cursor uint64
	for {
		var keys []string
		keys, cursor, err = rdb.Scan(ctx, cursor, name+":*", 1000).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err = rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (d *Dataset) Info() raster.Info {
	return d.info
}

func (d *Dataset) blockBytes() int {
	return d.bx * d.by * d.info.DataType.Size()
}

// get returns block k, fetching it on first use. Caller holds the lock.
func (d *Dataset) get(ctx context.Context, k blockKey) (*block, error) {
	if b, ok := d.blocks[k]; ok {
		return b, nil
	}
	if len(d.blocks) >= maxBlocks {
		if err := d.flush(ctx); err != nil {
			return nil, err
		}
		d.blocks = make(map[blockKey]*block)
	}
	b := &block{data: make([]byte, d.blockBytes())}
	data, err := d.rdb.Get(ctx, d.blockKey(k)).Bytes()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == nil {
		if len(data) != len(b.data) {
			return nil, errors.Errorf("block %s has %d bytes, expect %d", d.blockKey(k), len(data), len(b.data))
		}
		copy(b.data, data)
	}
	d.blocks[k] = b
	return b, nil
}

// flush stores the dirty blocks in one pipeline. Caller holds the lock.
func (d *Dataset) flush(ctx context.Context) error {
	var dirty []blockKey
	for k, b := range d.blocks {
		if b.dirty {
			dirty = append(dirty, k)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	_, err := d.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range dirty {
			pipe.Set(ctx, d.blockKey(k), d.blocks[k].data, 0)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "store %d blocks of %s", len(dirty), d.name)
	}
	for _, k := range dirty {
		d.blocks[k].dirty = false
	}
	logger.Debugf("%s: stored %d blocks", d.name, len(dirty))
	return nil
}

func (d *Dataset) span(band, y, x, n int, fn func(k blockKey, off, i, cnt int) error) error {
	s := d.info.DataType.Size()
	for i := 0; i < n; {
		cx := x + i
		k := blockKey{band, y / d.by, cx / d.bx}
		xin := cx % d.bx
		cnt := min(d.bx-xin, n-i)
		if err := fn(k, ((y%d.by)*d.bx+xin)*s, i*s, cnt*s); err != nil {
			return err
		}
		i += cnt
	}
	return nil
}

func (d *Dataset) ReadRow(ctx context.Context, band, y, x, n int, dst []byte) error {
	return d.span(band, y, x, n, func(k blockKey, off, i, cnt int) error {
		b, err := d.get(ctx, k)
		if err != nil {
			return err
		}
		copy(dst[i:i+cnt], b.data[off:])
		return nil
	})
}

func (d *Dataset) WriteRow(ctx context.Context, band, y, x, n int, src []byte) error {
	return d.span(band, y, x, n, func(k blockKey, off, i, cnt int) error {
		b, err := d.get(ctx, k)
		if err != nil {
			return err
		}
		copy(b.data[off:], src[i:i+cnt])
		b.dirty = true
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
		return errors.Wrapf(raster.ErrReadOnly, "%s", d.name)
	}
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return raster.ErrClosed
	}
	return raster.ServeWrite(ctx, d.info, d, req)
}

func (d *Dataset) SupportsMemoryMapping() bool {
	return true
}

func (d *Dataset) NativeBlockGeometry() raster.BlockGeometry {
	return raster.BlockGeometry{XSize: d.bx, YSize: d.by, Tiled: true, Interleave: raster.InterleaveBand}
}

func (d *Dataset) FlushCache(ctx context.Context) error {
	d.Lock()
	defer d.Unlock()
	return d.flush(ctx)
}

func (d *Dataset) Close() error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.flush(context.Background())
	if e := d.rdb.Close(); err == nil {
		err = e
	}
	d.blocks = nil
	return err
}
