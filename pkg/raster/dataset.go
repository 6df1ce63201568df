// pkg/raster/dataset.go

package raster

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrOutOfRange   = errors.New("out of range")
	ErrClosed       = errors.New("dataset is closed")
	ErrReadOnly     = errors.New("dataset is read-only")
	ErrNotSupported = errors.New("not supported")
)

// Info describes a dataset. All bands share one data type.
type Info struct {
	Name     string
	XSize    int
	YSize    int
	Bands    int
	DataType DataType
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%dx%dx%d %s)", i.Name, i.XSize, i.YSize, i.Bands, i.DataType)
}

// Window is a pixel rectangle in dataset coordinates.
type Window struct {
	XOff, YOff   int
	XSize, YSize int
}

func (w Window) inside(info Info) bool {
	return w.XSize > 0 && w.YSize > 0 && w.XOff >= 0 && w.YOff >= 0 &&
		w.XOff+w.XSize <= info.XSize && w.YOff+w.YSize <= info.YSize
}

// IORequest moves a window of one or more bands between a dataset and a
// caller buffer. Spacings are in bytes; zero values default to a packed
// band-sequential buffer.
type IORequest struct {
	Window
	Bands      []int // 1-based
	BufType    DataType
	Buf        []byte
	PixelSpace int64
	LineSpace  int64
	BandSpace  int64
}

// Normalize fills default spacings and checks the request against info.
func (r *IORequest) Normalize(info Info) error {
	if !r.Window.inside(info) {
		return errors.Wrapf(ErrOutOfRange, "window %+v outside %dx%d", r.Window, info.XSize, info.YSize)
	}
	if len(r.Bands) == 0 {
		return errors.Wrap(ErrOutOfRange, "empty band list")
	}
	for _, b := range r.Bands {
		if b < 1 || b > info.Bands {
			return errors.Wrapf(ErrOutOfRange, "band %d not in [1,%d]", b, info.Bands)
		}
	}
	if r.BufType == Unknown {
		r.BufType = info.DataType
	}
	s := int64(r.BufType.Size())
	if r.PixelSpace == 0 {
		r.PixelSpace = s
	}
	if r.LineSpace == 0 {
		r.LineSpace = r.PixelSpace * int64(r.XSize)
	}
	if r.BandSpace == 0 {
		r.BandSpace = r.LineSpace * int64(r.YSize)
	}
	need := int64(len(r.Bands)-1)*r.BandSpace + int64(r.YSize-1)*r.LineSpace + int64(r.XSize-1)*r.PixelSpace + s
	if need > int64(len(r.Buf)) {
		return errors.Errorf("buffer too short: %d < %d", len(r.Buf), need)
	}
	return nil
}

// Dataset is the contract a format driver fulfils.
type Dataset interface {
	Info() Info
	RawRead(ctx context.Context, req *IORequest) error
	RawWrite(ctx context.Context, req *IORequest) error
	Close() error
}

// Interleave is the native sample organisation of a driver.
type Interleave int

const (
	InterleaveBand Interleave = iota
	InterleaveLine
	InterleavePixel
)

func (i Interleave) String() string {
	switch i {
	case InterleaveLine:
		return "LINE"
	case InterleavePixel:
		return "PIXEL"
	}
	return "BAND"
}

// BlockGeometry is the block layout a driver reads and writes most cheaply.
type BlockGeometry struct {
	XSize      int
	YSize      int
	Tiled      bool
	Interleave Interleave
}

// Mappable is implemented by drivers that can serve page-granular access.
type Mappable interface {
	SupportsMemoryMapping() bool
	NativeBlockGeometry() BlockGeometry
}

// Flusher is implemented by drivers buffering writes of their own.
type Flusher interface {
	FlushCache(ctx context.Context) error
}

// Region is the rectangle and band selection covered by a view.
type Region struct {
	XOff, YOff   int
	XSize, YSize int
	Bands        []int // 1-based, order defines interleave order
}

// FullRegion covers every pixel of every band of info.
func FullRegion(info Info) Region {
	r := Region{XSize: info.XSize, YSize: info.YSize}
	for b := 1; b <= info.Bands; b++ {
		r.Bands = append(r.Bands, b)
	}
	return r
}

func (r Region) Window() Window {
	return Window{r.XOff, r.YOff, r.XSize, r.YSize}
}

// Validate rejects regions that fall outside info.
func (r Region) Validate(info Info) error {
	if r.XSize <= 0 || r.YSize <= 0 {
		return errors.Wrapf(ErrOutOfRange, "region size %dx%d", r.XSize, r.YSize)
	}
	if !r.Window().inside(info) {
		return errors.Wrapf(ErrOutOfRange, "region %+v outside %dx%d", r.Window(), info.XSize, info.YSize)
	}
	if len(r.Bands) == 0 {
		return errors.Wrap(ErrOutOfRange, "region has no band")
	}
	for _, b := range r.Bands {
		if b < 1 || b > info.Bands {
			return errors.Wrapf(ErrOutOfRange, "band %d not in [1,%d]", b, info.Bands)
		}
	}
	return nil
}
