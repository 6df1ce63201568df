// pkg/driver/rediskv/rediskv_test.go

package rediskv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPath(t *testing.T) {
	rdb, name, err := newClient("127.0.0.1:6379/2/scene", 3)
	require.NoError(t, err)
	defer rdb.Close()
	assert.Equal(t, "scene", name)
	opt := rdb.Options()
	assert.Equal(t, "127.0.0.1:6379", opt.Addr)
	assert.Equal(t, 2, opt.DB)
	assert.Equal(t, 3, opt.MaxRetries)

	for _, p := range []string{"scene", "127.0.0.1:6379/2/", "/scene"} {
		_, _, err = newClient(p, 0)
		assert.Error(t, err, p)
	}
}

// RASTERVM_REDIS_ADDR names a scratch server, e.g. "127.0.0.1:6379/15".
func TestBlocks(t *testing.T) {
	addr := os.Getenv("RASTERVM_REDIS_ADDR")
	if addr == "" {
		t.Skip("RASTERVM_REDIS_ADDR is not set")
	}
	ctx := context.Background()
	path := fmt.Sprintf("%s/test%d", addr, time.Now().UnixNano())
	ds, err := Create(path, &driver.Options{XSize: 40, YSize: 30, Bands: 2, DataType: raster.Int16, BlockXSize: 16, BlockYSize: 8})
	require.NoError(t, err)
	defer Delete(path)
	assert.Equal(t, raster.BlockGeometry{XSize: 16, YSize: 8, Tiled: true}, ds.NativeBlockGeometry())

	w := raster.Window{XOff: 5, YOff: 3, XSize: 30, YSize: 20}
	buf := make([]byte, w.XSize*w.YSize*2)
	for i := 0; i < w.XSize*w.YSize; i++ {
		raster.Encode(raster.Int16, buf[i*2:], float64(i-300))
	}
	require.NoError(t, raster.WriteRaster(ctx, ds, w, []int{2}, raster.Int16, buf))
	require.NoError(t, ds.Close())

	ds, err = Open(path, &driver.Options{})
	require.NoError(t, err)
	defer ds.Close()
	got, err := raster.ReadRaster(ctx, ds, w, []int{2}, raster.Int16)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
	zero, err := raster.ReadAsArray(ctx, ds, raster.Window{XSize: 5, YSize: 3}, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 30), zero)
}
