// pkg/vmem/layout.go

package vmem

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Interleave selects the organisation of a linear view.
type Interleave int

const (
	LinearBSQ Interleave = iota // [band][y][x]
	LinearBIP                   // [y][x][band]
)

func (i Interleave) String() string {
	if i == LinearBIP {
		return "BIP"
	}
	return "BSQ"
}

// TileOrder selects the organisation of a tiled view.
type TileOrder int

const (
	TileTIP TileOrder = iota // [tileRow][tileCol][y][x][band]
	TileBIT                  // [tileRow][tileCol][band][y][x]
	TileBSQ                  // [band][tileRow][tileCol][y][x]
)

func (o TileOrder) String() string {
	switch o {
	case TileBIT:
		return "BIT"
	case TileBSQ:
		return "BSQ"
	}
	return "TIP"
}

type TileGeometry struct {
	TileXSize int
	TileYSize int
	Order     TileOrder
}

// Line is one contiguous run of a layout that maps to a single raw I/O
// request: XSize pixels of one row for the listed bands. Coordinates are
// relative to the view region. A zero XSize marks a run made of padding only.
type Line struct {
	Bands      []int // dataset band numbers
	X, Y       int
	XSize      int
	PixelSpace int64
	BandSpace  int64
}

// Layout maps view coordinates to byte offsets of the address space. The
// space is a sequence of LineCount lines of LineBytes bytes each.
type Layout interface {
	Name() string
	Size() int64
	Shape() []int
	LineBytes() int64
	LineCount() int64
	Line(k int64) Line
	// AddressOf locates sample (band position, y, x) of the region.
	AddressOf(band, y, x int) int64
	// Offset locates an index in Shape order; pad reports a padding cell.
	Offset(idx []int) (off int64, pad bool, err error)
}

// tileLayout is implemented by tiled layouts.
type tileLayout interface {
	Layout
	TileOffset(tileRow, tileCol, band, y, x int) (off int64, pad bool, err error)
	Geometry() TileGeometry
}

// grid is what every layout knows about its region.
type grid struct {
	xsize, ysize int
	bands        []int
	elem         int64
	bandDim      bool
}

func (g grid) nb() int {
	return len(g.bands)
}

func checkIndex(shape, idx []int) error {
	if len(idx) != len(shape) {
		return errors.Wrapf(ErrOutOfRange, "%d indices for %d dimensions", len(idx), len(shape))
	}
	for i, v := range idx {
		if v < 0 || v >= shape[i] {
			return errors.Wrapf(ErrOutOfRange, "index %d is %d, dimension is %d", i, v, shape[i])
		}
	}
	return nil
}

// mul multiplies positive sizes, failing on overflow.
func mul(vals ...int64) (int64, error) {
	r := int64(1)
	for _, v := range vals {
		if v <= 0 {
			return 0, errors.Errorf("non positive size %d", v)
		}
		if r > math.MaxInt64/v {
			return 0, errors.Wrapf(ErrResourceExhausted, "size overflow: %v", vals)
		}
		r *= v
	}
	return r, nil
}

type bsqLayout struct {
	grid
}

func (l *bsqLayout) Name() string { return "linear-BSQ" }

func (l *bsqLayout) Size() int64 {
	return int64(l.nb()) * int64(l.ysize) * int64(l.xsize) * l.elem
}

func (l *bsqLayout) Shape() []int {
	if l.bandDim {
		return []int{l.nb(), l.ysize, l.xsize}
	}
	return []int{l.ysize, l.xsize}
}

func (l *bsqLayout) LineBytes() int64 { return int64(l.xsize) * l.elem }

func (l *bsqLayout) LineCount() int64 { return int64(l.nb()) * int64(l.ysize) }

func (l *bsqLayout) Line(k int64) Line {
	b := int(k / int64(l.ysize))
	return Line{
		Bands:      l.bands[b : b+1],
		Y:          int(k % int64(l.ysize)),
		XSize:      l.xsize,
		PixelSpace: l.elem,
	}
}

func (l *bsqLayout) AddressOf(band, y, x int) int64 {
	return ((int64(band)*int64(l.ysize)+int64(y))*int64(l.xsize) + int64(x)) * l.elem
}

func (l *bsqLayout) Offset(idx []int) (int64, bool, error) {
	if err := checkIndex(l.Shape(), idx); err != nil {
		return 0, false, err
	}
	if !l.bandDim {
		return l.AddressOf(0, idx[0], idx[1]), false, nil
	}
	return l.AddressOf(idx[0], idx[1], idx[2]), false, nil
}

type bipLayout struct {
	grid
}

func (l *bipLayout) Name() string { return "linear-BIP" }

func (l *bipLayout) Size() int64 {
	return int64(l.nb()) * int64(l.ysize) * int64(l.xsize) * l.elem
}

func (l *bipLayout) Shape() []int {
	if l.bandDim {
		return []int{l.ysize, l.xsize, l.nb()}
	}
	return []int{l.ysize, l.xsize}
}

func (l *bipLayout) LineBytes() int64 { return int64(l.xsize) * int64(l.nb()) * l.elem }

func (l *bipLayout) LineCount() int64 { return int64(l.ysize) }

func (l *bipLayout) Line(k int64) Line {
	return Line{
		Bands:      l.bands,
		Y:          int(k),
		XSize:      l.xsize,
		PixelSpace: int64(l.nb()) * l.elem,
		BandSpace:  l.elem,
	}
}

func (l *bipLayout) AddressOf(band, y, x int) int64 {
	return ((int64(y)*int64(l.xsize)+int64(x))*int64(l.nb()) + int64(band)) * l.elem
}

func (l *bipLayout) Offset(idx []int) (int64, bool, error) {
	if err := checkIndex(l.Shape(), idx); err != nil {
		return 0, false, err
	}
	if !l.bandDim {
		return l.AddressOf(0, idx[0], idx[1]), false, nil
	}
	return l.AddressOf(idx[2], idx[0], idx[1]), false, nil
}

func newLinearLayout(g grid, interleave Interleave) Layout {
	if interleave == LinearBIP {
		return &bipLayout{g}
	}
	return &bsqLayout{g}
}

func (g grid) String() string {
	return fmt.Sprintf("%dx%dx%d", g.xsize, g.ysize, g.nb())
}
