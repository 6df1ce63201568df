// cmd/fill.go

package main

import (
	"context"

	"RasterVM/pkg/cache"
	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"
	"RasterVM/pkg/vmem"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
)

// openBandView opens a view of one band of the kind named by --view.
func openBandView(ctx context.Context, c *cli.Context, m *vmem.Manager, ds raster.Dataset, band int, mode cache.Mode) (*vmem.View, error) {
	info := ds.Info()
	opts := &vmem.Options{}
	switch c.String("view") {
	case "auto":
		return m.OpenAuto(ctx, ds, band, mode, opts)
	case "linear":
		return m.OpenBandLinear(ctx, ds, band, mode, 0, 0, info.XSize, info.YSize, opts)
	case "tiled":
		t := c.Int("tile-size")
		return m.OpenBandTiled(ctx, ds, band, mode, 0, 0, info.XSize, info.YSize, t, t, opts)
	}
	logger.Fatalf("invalid view: %s, only auto, linear and tiled are allowed", c.String("view"))
	return nil, nil
}

func selectBands(c *cli.Context, info raster.Info) []int {
	if b := c.Int("band"); b > 0 {
		if b > info.Bands {
			logger.Fatalf("band %d not in [1,%d]", b, info.Bands)
		}
		return []int{b}
	}
	return raster.FullRegion(info).Bands
}

// fillBuffered is the fallback for datasets that cannot be mapped.
func fillBuffered(ctx context.Context, ds raster.Dataset, band int, value float64, bar *mpb.Bar) error {
	info := ds.Info()
	row := make([]byte, info.XSize*8)
	for x := 0; x < info.XSize; x++ {
		raster.Encode(raster.Float64, row[x*8:], value)
	}
	for y := 0; y < info.YSize; y++ {
		w := raster.Window{YOff: y, XSize: info.XSize, YSize: 1}
		if err := raster.WriteRaster(ctx, ds, w, []int{band}, raster.Float64, row); err != nil {
			return err
		}
		bar.Increment()
	}
	return nil
}

func fillView(v *vmem.View, value float64, bar *mpb.Bar) error {
	region := v.Region()
	for y := 0; y < region.YSize; y++ {
		for x := 0; x < region.XSize; x++ {
			if err := v.SetSample(1, y, x, value); err != nil {
				return err
			}
		}
		bar.Increment()
	}
	return nil
}

func fill(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("dataset URL is needed")
	}
	url := c.Args().Get(0)
	ds, err := driver.Open(url, &driver.Options{Mmap: c.Bool("mmap")})
	if err != nil {
		logger.Fatalf("%s", err)
	}
	ctx := c.Context
	m := newManager(c)
	info := ds.Info()
	value := c.Float64("value")
	bands := selectBands(c, info)

	progress, bar := utils.NewProgressBar("filled rows:", int64(len(bands)*info.YSize), c.Bool("quiet"))
	for _, b := range bands {
		v, err := openBandView(ctx, c, m, ds, b, cache.WriteOnly)
		if errors.Is(err, vmem.ErrUnsupportedMapping) {
			logger.Infof("band %d of %s cannot be mapped, using buffered I/O", b, url)
			if err = fillBuffered(ctx, ds, b, value, bar); err != nil {
				logger.Fatalf("fill band %d: %s", b, err)
			}
			continue
		}
		if err != nil {
			logger.Fatalf("open view on band %d: %s", b, err)
		}
		if err = fillView(v, value, bar); err != nil {
			logger.Fatalf("fill band %d: %s", b, err)
		}
		if err = v.Release(ctx); err != nil {
			logger.Fatalf("release view on band %d: %s", b, err)
		}
	}
	progress.Wait()
	if err = m.CloseDataset(ctx, ds); err != nil {
		logger.Fatalf("close %s: %s", url, err)
	}
	logger.Infof("filled %d bands of %s with %g", len(bands), url, value)
	return nil
}

func viewFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "band",
			Usage: "band number, 0 for every band",
		},
		&cli.StringFlag{
			Name:  "view",
			Value: "auto",
			Usage: "kind of view (auto, linear, tiled)",
		},
		&cli.IntFlag{
			Name:  "tile-size",
			Value: 256,
			Usage: "tile edge of tiled views",
		},
		&cli.BoolFlag{
			Name:  "mmap",
			Usage: "map raw files instead of pread/pwrite",
		},
	}
}

func fillFlags() *cli.Command {
	return &cli.Command{
		Name:      "fill",
		Usage:     "fill bands with a value through write views",
		ArgsUsage: "URL",
		Action:    fill,
		Flags: append(viewFlags(),
			&cli.Float64Flag{
				Name:  "value",
				Usage: "value to write",
			},
		),
	}
}
