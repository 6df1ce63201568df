// pkg/vmem/layout_test.go

package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid(bandDim bool) grid {
	return grid{xsize: 10, ysize: 7, bands: []int{1, 2, 3}, elem: 2, bandDim: bandDim}
}

func TestLinearLayouts(t *testing.T) {
	bsq := newLinearLayout(testGrid(true), LinearBSQ)
	assert.Equal(t, []int{3, 7, 10}, bsq.Shape())
	assert.Equal(t, int64(3*7*10*2), bsq.Size())
	assert.Equal(t, int64(((2*7+4)*10+5)*2), bsq.AddressOf(2, 4, 5))
	off, pad, err := bsq.Offset([]int{2, 4, 5})
	require.NoError(t, err)
	assert.False(t, pad)
	assert.Equal(t, bsq.AddressOf(2, 4, 5), off)

	bip := newLinearLayout(testGrid(true), LinearBIP)
	assert.Equal(t, []int{7, 10, 3}, bip.Shape())
	assert.Equal(t, int64(((4*10+5)*3+2)*2), bip.AddressOf(2, 4, 5))
	off, _, err = bip.Offset([]int{4, 5, 2})
	require.NoError(t, err)
	assert.Equal(t, bip.AddressOf(2, 4, 5), off)

	band := newLinearLayout(testGrid(false), LinearBSQ)
	assert.Equal(t, []int{7, 10}, band.Shape())

	_, _, err = bsq.Offset([]int{3, 0, 0})
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, _, err = bsq.Offset([]int{0, 0})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestTiledShapes(t *testing.T) {
	cases := []struct {
		order TileOrder
		shape []int
	}{
		{TileTIP, []int{2, 3, 4, 4, 3}},
		{TileBIT, []int{2, 3, 3, 4, 4}},
		{TileBSQ, []int{3, 2, 3, 4, 4}},
	}
	for _, c := range cases {
		l, err := newTiledLayout(testGrid(true), TileGeometry{4, 4, c.order})
		require.NoError(t, err)
		assert.Equal(t, c.shape, l.Shape(), c.order.String())
		assert.Equal(t, int64(2*3*4*4*3*2), l.Size())
		assert.Equal(t, l.Size(), l.LineCount()*l.LineBytes(), c.order.String())

		band, err := newTiledLayout(grid{xsize: 10, ysize: 7, bands: []int{2}, elem: 1}, TileGeometry{4, 4, c.order})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 4, 4}, band.Shape())
	}
	_, err := newTiledLayout(testGrid(true), TileGeometry{0, 4, TileTIP})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

// Every sample of the region has one address and every address reached by
// the lines of a layout maps back to the sample it holds.
func TestTiledLinesCoverRegion(t *testing.T) {
	for _, order := range []TileOrder{TileTIP, TileBIT, TileBSQ} {
		l, err := newTiledLayout(testGrid(true), TileGeometry{4, 3, order})
		require.NoError(t, err)
		seen := make(map[int64]bool)
		for b := 0; b < 3; b++ {
			for y := 0; y < 7; y++ {
				for x := 0; x < 10; x++ {
					off := l.AddressOf(b, y, x)
					require.False(t, seen[off], "%s: duplicated address %d", order, off)
					seen[off] = true
				}
			}
		}
		lb := l.LineBytes()
		var samples int
		for k := int64(0); k < l.LineCount(); k++ {
			ln := l.Line(k)
			for j, band := range ln.Bands {
				for x := 0; x < ln.XSize; x++ {
					off := k*lb + int64(j)*ln.BandSpace + int64(x)*ln.PixelSpace
					require.Equal(t, l.AddressOf(band-1, ln.Y, ln.X+x), off, "%s line %d", order, k)
					samples++
				}
			}
		}
		assert.Equal(t, 3*7*10, samples, order.String())
	}
}

func TestTilePadding(t *testing.T) {
	l, err := newTiledLayout(testGrid(true), TileGeometry{4, 4, TileTIP})
	require.NoError(t, err)
	// last tile column covers x 8..11 of a 10 pixel wide region
	_, pad, err := l.TileOffset(0, 2, 0, 0, 1)
	require.NoError(t, err)
	assert.False(t, pad)
	_, pad, err = l.TileOffset(0, 2, 0, 0, 2)
	require.NoError(t, err)
	assert.True(t, pad)
	// last tile row covers y 4..7 of 7 rows
	_, pad, err = l.TileOffset(1, 0, 0, 3, 0)
	require.NoError(t, err)
	assert.True(t, pad)

	ln := l.Line(int64((1*3+2)*4 + 3))
	assert.Equal(t, 0, ln.XSize)
	ln = l.Line(int64((1*3 + 2) * 4))
	assert.Equal(t, 2, ln.XSize)
	assert.Equal(t, 8, ln.X)
	assert.Equal(t, 4, ln.Y)
}

func TestPageSizeHelpers(t *testing.T) {
	assert.Equal(t, int64(1), nextPow2(1))
	assert.Equal(t, int64(4096), nextPow2(4000))
	assert.Equal(t, int64(8192), nextPow2(4097))
	assert.Equal(t, int64(0), nextPow2(1<<62+1))

	_, err := mul(1<<40, 1<<30)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	v, err := mul(3, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(60), v)
}
