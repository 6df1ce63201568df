// pkg/vmem/mapping.go

package vmem

import (
	"context"
	"sync"

	"RasterVM/pkg/raster"

	"github.com/pkg/errors"
)

// mapping moves pages between a Space and the dataset region behind a
// layout. Only the in-region part of each line reaches the driver.
type mapping struct {
	ds       raster.Dataset
	region   raster.Region
	dtype    raster.DataType
	layout   Layout
	pageSize int64

	rmw sync.Mutex // serializes read-modify-write of lines split across pages

	closedOnce sync.Once
}

// closed warns once when the dataset was closed behind the Manager's back,
// which leaves the pages of live views with nowhere to go.
func (m *mapping) closed(err error) error {
	if errors.Is(err, raster.ErrClosed) {
		m.closedOnce.Do(func() {
			logger.Warnf("dataset %s was closed while views were open; close it through the Manager", m.ds.Info().Name)
		})
	}
	return err
}

func (m *mapping) request(ln Line, buf []byte) *raster.IORequest {
	return &raster.IORequest{
		Window: raster.Window{
			XOff:  m.region.XOff + ln.X,
			YOff:  m.region.YOff + ln.Y,
			XSize: ln.XSize,
			YSize: 1,
		},
		Bands:      ln.Bands,
		BufType:    m.dtype,
		Buf:        buf,
		PixelSpace: ln.PixelSpace,
		LineSpace:  m.layout.LineBytes(),
		BandSpace:  ln.BandSpace,
	}
}

// lines calls fn for every non padding line touching [start, start+n).
// lo and hi bound the part of the line inside the page, relative to the line.
func (m *mapping) lines(start, n int64, fn func(k int64, ln Line, lo, hi int64) error) error {
	lb := m.layout.LineBytes()
	end := start + n
	for k := start / lb; k < m.layout.LineCount() && k*lb < end; k++ {
		ln := m.layout.Line(k)
		if ln.XSize == 0 {
			continue
		}
		lo := max(start-k*lb, 0)
		hi := min(end-k*lb, lb)
		if err := fn(k, ln, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func (m *mapping) LoadPage(ctx context.Context, index int64, data []byte) error {
	start := index * m.pageSize
	lb := m.layout.LineBytes()
	var tmp []byte
	return m.closed(m.lines(start, int64(len(data)), func(k int64, ln Line, lo, hi int64) error {
		dst := data[k*lb+lo-start : k*lb+hi-start]
		if lo == 0 && hi == lb {
			return m.ds.RawRead(ctx, m.request(ln, dst))
		}
		if tmp == nil {
			tmp = make([]byte, lb)
		} else {
			clear(tmp)
		}
		if err := m.ds.RawRead(ctx, m.request(ln, tmp)); err != nil {
			return err
		}
		copy(dst, tmp[lo:hi])
		return nil
	}))
}

func (m *mapping) StorePage(ctx context.Context, index int64, data []byte) error {
	start := index * m.pageSize
	lb := m.layout.LineBytes()
	return m.closed(m.lines(start, int64(len(data)), func(k int64, ln Line, lo, hi int64) error {
		src := data[k*lb+lo-start : k*lb+hi-start]
		if lo == 0 && hi == lb {
			return m.ds.RawWrite(ctx, m.request(ln, src))
		}
		m.rmw.Lock()
		defer m.rmw.Unlock()
		tmp := make([]byte, lb)
		if err := m.ds.RawRead(ctx, m.request(ln, tmp)); err != nil {
			return errors.Wrapf(err, "read back line %d", k)
		}
		copy(tmp[lo:hi], src)
		return m.ds.RawWrite(ctx, m.request(ln, tmp))
	}))
}
