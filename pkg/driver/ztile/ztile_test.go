// pkg/driver/ztile/ztile_test.go

package ztile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"

	"github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTilesRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, algr := range []string{"lz4", "zstd", "none"} {
		t.Run(algr, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "scene")
			ds, err := Create(dir, &driver.Options{
				XSize: 70, YSize: 45, Bands: 2, DataType: raster.UInt16, BlockXSize: 32, BlockYSize: 16, Compress: algr,
			})
			require.NoError(t, err)
			w := raster.Window{XOff: 33, YOff: 17, XSize: 37, YSize: 28}
			buf := make([]byte, w.XSize*w.YSize*2)
			for i := 0; i < w.XSize*w.YSize; i++ {
				raster.Encode(raster.UInt16, buf[i*2:], float64(i))
			}
			require.NoError(t, raster.WriteRaster(ctx, ds, w, []int{2}, raster.UInt16, buf))
			require.NoError(t, ds.Close())

			// tile (0,0) of band 2 was never touched
			assert.NoFileExists(t, filepath.Join(dir, "b2", "0_0.tile"))
			assert.FileExists(t, filepath.Join(dir, "b2", "2_2.tile"))
			assert.NoDirExists(t, filepath.Join(dir, "b1"))

			ds, err = Open(dir, &driver.Options{ReadOnly: true})
			require.NoError(t, err)
			defer ds.Close()
			got, err := raster.ReadRaster(ctx, ds, w, []int{2}, raster.UInt16)
			require.NoError(t, err)
			assert.Equal(t, buf, got)
			zero, err := raster.ReadAsArray(ctx, ds, raster.Window{XSize: 20, YSize: 10}, []int{1, 2})
			require.NoError(t, err)
			assert.Equal(t, make([]float64, 400), zero)

			err = raster.WriteRaster(ctx, ds, w, []int{2}, raster.UInt16, buf)
			assert.ErrorIs(t, err, raster.ErrReadOnly)
		})
	}
}

func TestManyTiles(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "big")
	ds, err := Create(dir, &driver.Options{XSize: 160, YSize: 160, Bands: 1, DataType: raster.Byte, BlockXSize: 16, BlockYSize: 16})
	require.NoError(t, err)
	// 100 tiles overflow the tile cache
	buf := make([]byte, 160*160)
	for i := range buf {
		buf[i] = byte(i % 13)
	}
	w := raster.Window{XSize: 160, YSize: 160}
	require.NoError(t, raster.WriteRaster(ctx, ds, w, []int{1}, raster.Byte, buf))
	got, err := raster.ReadRaster(ctx, ds, w, []int{1}, raster.Byte)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
	require.NoError(t, ds.FlushCache(ctx))
	require.NoError(t, ds.Close())
	_, err = raster.ReadRaster(ctx, ds, w, []int{1}, raster.Byte)
	assert.ErrorIs(t, err, raster.ErrClosed)
}

func TestMetadata(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meta")
	ds, err := Create(dir, &driver.Options{XSize: 10, YSize: 20, Bands: 3, DataType: raster.Float32})
	require.NoError(t, err)
	assert.False(t, ds.SupportsMemoryMapping())
	assert.Equal(t, raster.BlockGeometry{XSize: 256, YSize: 256, Tiled: true}, ds.NativeBlockGeometry())
	require.NoError(t, ds.Close())

	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	require.NoError(t, err)
	var m meta
	require.NoError(t, toml.Unmarshal(data, &m))
	assert.Equal(t, "Float32", m.DataType)
	assert.Equal(t, "lz4", m.Compressor)

	_, err = Create(filepath.Join(t.TempDir(), "bad"), &driver.Options{XSize: 1, YSize: 1, Bands: 1, DataType: raster.Byte, Compress: "brotli"})
	assert.Error(t, err)
}
