// pkg/raster/transfer.go

package raster

import (
	"context"
	"sync"
)

// RowIO moves one native, packed row segment of a band. Drivers implement
// it and hand the request shaping to ServeRead and ServeWrite.
type RowIO interface {
	ReadRow(ctx context.Context, band, y, x, n int, dst []byte) error
	WriteRow(ctx context.Context, band, y, x, n int, src []byte) error
}

var rowPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 64<<10)
		return &b
	},
}

func getRow(size int) *[]byte {
	p := rowPool.Get().(*[]byte)
	if cap(*p) < size {
		*p = make([]byte, size)
	}
	*p = (*p)[:size]
	return p
}

// ServeRead fills req from rio one band row at a time, converting from the
// native data type of info to req.BufType.
func ServeRead(ctx context.Context, info Info, rio RowIO, req *IORequest) error {
	if err := req.Normalize(info); err != nil {
		return err
	}
	ns := info.DataType.Size()
	row := getRow(req.XSize * ns)
	defer rowPool.Put(row)
	for bi, band := range req.Bands {
		for j := 0; j < req.YSize; j++ {
			if err := rio.ReadRow(ctx, band, req.YOff+j, req.XOff, req.XSize, *row); err != nil {
				return err
			}
			off := int64(bi)*req.BandSpace + int64(j)*req.LineSpace
			CopyWords(*row, info.DataType, ns, req.Buf[off:], req.BufType, int(req.PixelSpace), req.XSize)
		}
	}
	return nil
}

// ServeWrite is the inverse of ServeRead.
func ServeWrite(ctx context.Context, info Info, rio RowIO, req *IORequest) error {
	if err := req.Normalize(info); err != nil {
		return err
	}
	ns := info.DataType.Size()
	row := getRow(req.XSize * ns)
	defer rowPool.Put(row)
	for bi, band := range req.Bands {
		for j := 0; j < req.YSize; j++ {
			off := int64(bi)*req.BandSpace + int64(j)*req.LineSpace
			CopyWords(req.Buf[off:], req.BufType, int(req.PixelSpace), *row, info.DataType, ns, req.XSize)
			if err := rio.WriteRow(ctx, band, req.YOff+j, req.XOff, req.XSize, *row); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadRaster reads a window of bands into a packed band-sequential buffer of
// type t. It is the buffered fallback when a view cannot be mapped.
func ReadRaster(ctx context.Context, ds Dataset, w Window, bands []int, t DataType) ([]byte, error) {
	if t == Unknown {
		t = ds.Info().DataType
	}
	buf := make([]byte, w.XSize*w.YSize*len(bands)*t.Size())
	req := &IORequest{Window: w, Bands: bands, BufType: t, Buf: buf}
	if err := ds.RawRead(ctx, req); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteRaster writes a packed band-sequential buffer of type t.
func WriteRaster(ctx context.Context, ds Dataset, w Window, bands []int, t DataType, buf []byte) error {
	if t == Unknown {
		t = ds.Info().DataType
	}
	return ds.RawWrite(ctx, &IORequest{Window: w, Bands: bands, BufType: t, Buf: buf})
}

// ReadAsArray returns the samples of a window as [band][y][x] float64s.
func ReadAsArray(ctx context.Context, ds Dataset, w Window, bands []int) ([]float64, error) {
	buf, err := ReadRaster(ctx, ds, w, bands, Float64)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = Decode(Float64, buf[i*8:])
	}
	return out, nil
}
