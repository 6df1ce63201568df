// pkg/driver/limited/limited.go

package limited

import (
	"context"

	"RasterVM/pkg/raster"

	"github.com/juju/ratelimit"
)

// bwlimit throttles the raw I/O of a dataset to a number of bytes per
// second, counted on the caller buffer.
type bwlimit struct {
	raster.Dataset
	upLimit   *ratelimit.Bucket
	downLimit *ratelimit.Bucket
}

// mappableBwlimit is a bwlimit over a dataset that reports its mapping
// capability; the wrapper reports the same.
type mappableBwlimit struct {
	*bwlimit
	mp raster.Mappable
}

// NewLimited wraps ds with upload (write) and download (read) limits in
// bytes per second. A non positive limit means unlimited. The wrapper is a
// raster.Mappable only when ds is one.
func NewLimited(ds raster.Dataset, up, down int64) raster.Dataset {
	bw := &bwlimit{ds, nil, nil}
	if up > 0 {
		bw.upLimit = ratelimit.NewBucketWithRate(float64(up), up)
	}
	if down > 0 {
		bw.downLimit = ratelimit.NewBucketWithRate(float64(down), down)
	}
	if mp, ok := ds.(raster.Mappable); ok {
		return &mappableBwlimit{bw, mp}
	}
	return bw
}

func requestBytes(req *raster.IORequest) int64 {
	return int64(req.XSize) * int64(req.YSize) * int64(len(req.Bands)) * int64(req.BufType.Size())
}

func (p *bwlimit) RawRead(ctx context.Context, req *raster.IORequest) error {
	err := p.Dataset.RawRead(ctx, req)
	if p.downLimit != nil {
		p.downLimit.Wait(requestBytes(req))
	}
	return err
}

func (p *bwlimit) RawWrite(ctx context.Context, req *raster.IORequest) error {
	if p.upLimit != nil {
		p.upLimit.Wait(requestBytes(req))
	}
	return p.Dataset.RawWrite(ctx, req)
}

func (p *mappableBwlimit) SupportsMemoryMapping() bool {
	return p.mp.SupportsMemoryMapping()
}

func (p *mappableBwlimit) NativeBlockGeometry() raster.BlockGeometry {
	return p.mp.NativeBlockGeometry()
}

func (p *bwlimit) FlushCache(ctx context.Context) error {
	if f, ok := p.Dataset.(raster.Flusher); ok {
		return f.FlushCache(ctx)
	}
	return nil
}
