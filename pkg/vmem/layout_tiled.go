// pkg/vmem/layout_tiled.go

package vmem

import (
	"github.com/pkg/errors"
)

// tiles is the part shared by the tiled layouts. Edge tiles keep their full
// size in the address space; the cells outside the region are padding.
type tiles struct {
	grid
	tx, ty   int
	ntx, nty int
}

func newTiles(g grid, tx, ty int) tiles {
	return tiles{
		grid: g,
		tx:   tx,
		ty:   ty,
		ntx:  (g.xsize + tx - 1) / tx,
		nty:  (g.ysize + ty - 1) / ty,
	}
}

func (t *tiles) Size() int64 {
	return int64(t.ntx) * int64(t.nty) * int64(t.tx) * int64(t.ty) * int64(t.nb()) * t.elem
}

// tileLine describes row yin of tile (tr, tc).
func (t *tiles) tileLine(tr, tc, yin int, bands []int, pixelSpace, bandSpace int64) Line {
	ln := Line{
		Bands:      bands,
		X:          tc * t.tx,
		Y:          tr*t.ty + yin,
		PixelSpace: pixelSpace,
		BandSpace:  bandSpace,
	}
	if ln.Y < t.ysize {
		ln.XSize = min(t.tx, t.xsize-ln.X)
	}
	return ln
}

func (t *tiles) padding(tr, tc, y, x int) bool {
	return tr*t.ty+y >= t.ysize || tc*t.tx+x >= t.xsize
}

func (t *tiles) split(y, x int) (tr, tc, yin, xin int) {
	return y / t.ty, x / t.tx, y % t.ty, x % t.tx
}

func (t *tiles) checkTile(tr, tc, band, y, x int) error {
	return checkIndex([]int{t.nty, t.ntx, t.nb(), t.ty, t.tx}, []int{tr, tc, band, y, x})
}

// tileShape is the band-level shape shared by every order.
func (t *tiles) tileShape() []int {
	return []int{t.nty, t.ntx, t.ty, t.tx}
}

type tipLayout struct {
	tiles
}

func (l *tipLayout) Name() string { return "tiled-TIP" }

func (l *tipLayout) Geometry() TileGeometry { return TileGeometry{l.tx, l.ty, TileTIP} }

func (l *tipLayout) Shape() []int {
	if !l.bandDim {
		return l.tileShape()
	}
	return []int{l.nty, l.ntx, l.ty, l.tx, l.nb()}
}

func (l *tipLayout) LineBytes() int64 { return int64(l.tx) * int64(l.nb()) * l.elem }

func (l *tipLayout) LineCount() int64 { return int64(l.ntx) * int64(l.nty) * int64(l.ty) }

func (l *tipLayout) Line(k int64) Line {
	tile := int(k / int64(l.ty))
	return l.tileLine(tile/l.ntx, tile%l.ntx, int(k%int64(l.ty)), l.bands, int64(l.nb())*l.elem, l.elem)
}

func (l *tipLayout) address(tr, tc, band, y, x int) int64 {
	tile := int64(tr)*int64(l.ntx) + int64(tc)
	return (((tile*int64(l.ty)+int64(y))*int64(l.tx)+int64(x))*int64(l.nb()) + int64(band)) * l.elem
}

func (l *tipLayout) AddressOf(band, y, x int) int64 {
	tr, tc, yin, xin := l.split(y, x)
	return l.address(tr, tc, band, yin, xin)
}

func (l *tipLayout) TileOffset(tr, tc, band, y, x int) (int64, bool, error) {
	if err := l.checkTile(tr, tc, band, y, x); err != nil {
		return 0, false, err
	}
	return l.address(tr, tc, band, y, x), l.padding(tr, tc, y, x), nil
}

func (l *tipLayout) Offset(idx []int) (int64, bool, error) {
	if err := checkIndex(l.Shape(), idx); err != nil {
		return 0, false, err
	}
	band := 0
	if l.bandDim {
		band = idx[4]
	}
	return l.TileOffset(idx[0], idx[1], band, idx[2], idx[3])
}

type bitLayout struct {
	tiles
}

func (l *bitLayout) Name() string { return "tiled-BIT" }

func (l *bitLayout) Geometry() TileGeometry { return TileGeometry{l.tx, l.ty, TileBIT} }

func (l *bitLayout) Shape() []int {
	if !l.bandDim {
		return l.tileShape()
	}
	return []int{l.nty, l.ntx, l.nb(), l.ty, l.tx}
}

func (l *bitLayout) LineBytes() int64 { return int64(l.tx) * l.elem }

func (l *bitLayout) LineCount() int64 {
	return int64(l.ntx) * int64(l.nty) * int64(l.nb()) * int64(l.ty)
}

func (l *bitLayout) Line(k int64) Line {
	per := int64(l.nb()) * int64(l.ty)
	tile := int(k / per)
	r := int(k % per)
	b := r / l.ty
	return l.tileLine(tile/l.ntx, tile%l.ntx, r%l.ty, l.bands[b:b+1], l.elem, 0)
}

func (l *bitLayout) address(tr, tc, band, y, x int) int64 {
	tile := int64(tr)*int64(l.ntx) + int64(tc)
	return (((tile*int64(l.nb())+int64(band))*int64(l.ty)+int64(y))*int64(l.tx) + int64(x)) * l.elem
}

func (l *bitLayout) AddressOf(band, y, x int) int64 {
	tr, tc, yin, xin := l.split(y, x)
	return l.address(tr, tc, band, yin, xin)
}

func (l *bitLayout) TileOffset(tr, tc, band, y, x int) (int64, bool, error) {
	if err := l.checkTile(tr, tc, band, y, x); err != nil {
		return 0, false, err
	}
	return l.address(tr, tc, band, y, x), l.padding(tr, tc, y, x), nil
}

func (l *bitLayout) Offset(idx []int) (int64, bool, error) {
	if err := checkIndex(l.Shape(), idx); err != nil {
		return 0, false, err
	}
	if !l.bandDim {
		return l.TileOffset(idx[0], idx[1], 0, idx[2], idx[3])
	}
	return l.TileOffset(idx[0], idx[1], idx[2], idx[3], idx[4])
}

type tileBSQLayout struct {
	tiles
}

func (l *tileBSQLayout) Name() string { return "tiled-BSQ" }

func (l *tileBSQLayout) Geometry() TileGeometry { return TileGeometry{l.tx, l.ty, TileBSQ} }

func (l *tileBSQLayout) Shape() []int {
	if !l.bandDim {
		return l.tileShape()
	}
	return []int{l.nb(), l.nty, l.ntx, l.ty, l.tx}
}

func (l *tileBSQLayout) LineBytes() int64 { return int64(l.tx) * l.elem }

func (l *tileBSQLayout) LineCount() int64 {
	return int64(l.ntx) * int64(l.nty) * int64(l.nb()) * int64(l.ty)
}

func (l *tileBSQLayout) Line(k int64) Line {
	yin := int(k % int64(l.ty))
	t := k / int64(l.ty)
	tc := int(t % int64(l.ntx))
	t /= int64(l.ntx)
	tr := int(t % int64(l.nty))
	b := int(t / int64(l.nty))
	return l.tileLine(tr, tc, yin, l.bands[b:b+1], l.elem, 0)
}

func (l *tileBSQLayout) address(tr, tc, band, y, x int) int64 {
	t := (int64(band)*int64(l.nty)+int64(tr))*int64(l.ntx) + int64(tc)
	return ((t*int64(l.ty)+int64(y))*int64(l.tx) + int64(x)) * l.elem
}

func (l *tileBSQLayout) AddressOf(band, y, x int) int64 {
	tr, tc, yin, xin := l.split(y, x)
	return l.address(tr, tc, band, yin, xin)
}

func (l *tileBSQLayout) TileOffset(tr, tc, band, y, x int) (int64, bool, error) {
	if err := l.checkTile(tr, tc, band, y, x); err != nil {
		return 0, false, err
	}
	return l.address(tr, tc, band, y, x), l.padding(tr, tc, y, x), nil
}

func (l *tileBSQLayout) Offset(idx []int) (int64, bool, error) {
	if err := checkIndex(l.Shape(), idx); err != nil {
		return 0, false, err
	}
	if !l.bandDim {
		return l.TileOffset(idx[0], idx[1], 0, idx[2], idx[3])
	}
	return l.TileOffset(idx[1], idx[2], idx[0], idx[3], idx[4])
}

func newTiledLayout(g grid, geom TileGeometry) (tileLayout, error) {
	if geom.TileXSize <= 0 || geom.TileYSize <= 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "tile size %dx%d", geom.TileXSize, geom.TileYSize)
	}
	t := newTiles(g, geom.TileXSize, geom.TileYSize)
	switch geom.Order {
	case TileTIP:
		return &tipLayout{t}, nil
	case TileBIT:
		return &bitLayout{t}, nil
	case TileBSQ:
		return &tileBSQLayout{t}, nil
	}
	return nil, errors.Errorf("unknown tile order %d", geom.Order)
}
