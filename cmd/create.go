// cmd/create.go

package main

import (
	"strings"

	"RasterVM/pkg/compress"
	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/urfave/cli/v2"
)

// fixBlockSize rounds a block edge down to a power of two in [16, 4096].
func fixBlockSize(s int) int {
	const nim, xam = 16, 4096
	if s <= 0 {
		return 0
	}
	var bits uint
	for s > 1 {
		bits++
		s >>= 1
	}
	s = s << bits
	if s < nim {
		s = nim
	} else if s > xam {
		s = xam
	}
	return s
}

func parseInterleave(s string) raster.Interleave {
	switch strings.ToUpper(s) {
	case "BSQ", "BAND":
		return raster.InterleaveBand
	case "BIL", "LINE":
		return raster.InterleaveLine
	case "BIP", "PIXEL":
		return raster.InterleavePixel
	}
	logger.Fatalf("invalid interleave: %s, only BSQ, BIL and BIP are allowed", s)
	return 0
}

func create(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("dataset URL is required")
	}
	url := c.Args().Get(0)
	dt, err := raster.ParseDataType(c.String("type"))
	if err != nil {
		logger.Fatalf("%s", err)
	}
	if compress.NewCompressor(c.String("compress")) == nil {
		logger.Fatalf("unsupported compress algorithm: %s", c.String("compress"))
	}
	if !strings.Contains(url, "://") && utils.Exists(url) && !c.Bool("force") {
		logger.Fatalf("%s exists, use --force to overwrite it", url)
	}
	opts := &driver.Options{
		XSize:      c.Int("xsize"),
		YSize:      c.Int("ysize"),
		Bands:      c.Int("bands"),
		DataType:   dt,
		BlockXSize: fixBlockSize(c.Int("block-size")),
		BlockYSize: fixBlockSize(c.Int("block-size")),
		Interleave: parseInterleave(c.String("interleave")),
		Compress:   c.String("compress"),
		Retries:    2,
	}
	ds, err := driver.Create(url, opts)
	if err != nil {
		logger.Fatalf("%s", err)
	}
	logger.Infof("dataset is created as %s", ds.Info())
	return ds.Close()
}

func createFlags() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "create a zero-filled dataset",
		ArgsUsage: "URL (raw file path, ztile://DIR, redis://HOST:PORT/DB/NAME)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "xsize",
				Usage:    "width in pixels",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "ysize",
				Usage:    "height in pixels",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "bands",
				Value: 1,
				Usage: "number of bands",
			},
			&cli.StringFlag{
				Name:  "type",
				Value: "Byte",
				Usage: "data type (Byte, UInt16, Int16, UInt32, Int32, Float32, Float64)",
			},
			&cli.StringFlag{
				Name:  "interleave",
				Value: "BSQ",
				Usage: "sample organisation of raw files (BSQ, BIL, BIP)",
			},
			&cli.IntFlag{
				Name:  "block-size",
				Value: 256,
				Usage: "edge of tiles and blocks in pixels",
			},
			&cli.StringFlag{
				Name:  "compress",
				Value: "lz4",
				Usage: "compression algorithm of tiles (lz4, zstd, none)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite an existing file",
			},
		},
		Action: create,
	}
}
