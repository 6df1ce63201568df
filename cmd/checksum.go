// cmd/checksum.go

package main

import (
	"fmt"

	"RasterVM/pkg/cache"
	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/vmem"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func viewChecksum(v *vmem.View) (int, error) {
	region := v.Region()
	w := raster.Window{XSize: region.XSize, YSize: region.YSize}
	return raster.ChecksumLines(w, func(y int, vals []float64) error {
		for x := range vals {
			s, err := v.Sample(1, y, x)
			if err != nil {
				return err
			}
			vals[x] = s
		}
		return nil
	})
}

func checksum(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		return fmt.Errorf("dataset URL is needed")
	}
	url := c.Args().Get(0)
	ds, err := driver.Open(url, &driver.Options{ReadOnly: true, Mmap: c.Bool("mmap")})
	if err != nil {
		logger.Fatalf("%s", err)
	}
	ctx := c.Context
	m := newManager(c)
	result := make(map[int]int)
	for _, b := range selectBands(c, ds.Info()) {
		var sum int
		v, err := openBandView(ctx, c, m, ds, b, cache.ReadOnly)
		switch {
		case c.Bool("bulk") || errors.Is(err, vmem.ErrUnsupportedMapping):
			if v != nil {
				_ = v.Release(ctx)
			}
			sum, err = raster.Checksum(ctx, ds, b, raster.Window{})
		case err == nil:
			sum, err = viewChecksum(v)
			if e := v.Release(ctx); err == nil {
				err = e
			}
		}
		if err != nil {
			logger.Fatalf("checksum of band %d: %s", b, err)
		}
		result[b] = sum
	}
	if err = m.CloseDataset(ctx, ds); err != nil {
		logger.Warnf("close %s: %s", url, err)
	}
	printJson(result)
	return nil
}

func checksumFlags() *cli.Command {
	return &cli.Command{
		Name:      "checksum",
		Usage:     "compute the 16 bit checksum of bands",
		ArgsUsage: "URL",
		Action:    checksum,
		Flags: append(viewFlags(),
			&cli.BoolFlag{
				Name:  "bulk",
				Usage: "read with buffered I/O instead of a view",
			},
		),
	}
}
