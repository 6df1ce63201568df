// cmd/info.go

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/urfave/cli/v2"
)

type datasetInfo struct {
	URL        string
	Info       raster.Info
	Size       string
	Mappable   bool
	Geometry   *raster.BlockGeometry `json:",omitempty"`
	Interleave string                `json:",omitempty"`
	UUID       string                `json:",omitempty"`
	Files      []string              `json:",omitempty"`
	LastAccess *time.Time            `json:",omitempty"`
	Checksums  []int                 `json:",omitempty"`
}

func printJson(v interface{}) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("json: %s", err)
	}
	fmt.Println(string(output))
}

func describe(c *cli.Context, url string, ds raster.Dataset) *datasetInfo {
	info := ds.Info()
	di := &datasetInfo{
		URL:  url,
		Info: info,
		Size: utils.FormatBytes(int64(info.XSize) * int64(info.YSize) * int64(info.Bands) * int64(info.DataType.Size())),
	}
	if m, ok := ds.(raster.Mappable); ok {
		g := m.NativeBlockGeometry()
		di.Mappable = m.SupportsMemoryMapping()
		di.Geometry = &g
		di.Interleave = g.Interleave.String()
	}
	if d, ok := ds.(interface{ UUID() string }); ok {
		di.UUID = d.UUID()
	}
	if d, ok := ds.(interface{ Files() []string }); ok {
		di.Files = d.Files()
	}
	if d, ok := ds.(interface{ AccessTime() time.Time }); ok {
		if t := d.AccessTime(); !t.IsZero() {
			di.LastAccess = &t
		}
	}
	if c.Bool("checksum") {
		for b := 1; b <= info.Bands; b++ {
			sum, err := raster.Checksum(c.Context, ds, b, raster.Window{})
			if err != nil {
				logger.Fatalf("checksum of band %d: %s", b, err)
			}
			di.Checksums = append(di.Checksums, sum)
		}
	}
	return di
}

func info(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Infof("dataset URL is needed")
		return nil
	}
	for i := 0; i < c.Args().Len(); i++ {
		url := c.Args().Get(i)
		ds, err := driver.Open(url, &driver.Options{ReadOnly: true})
		if err != nil {
			logger.Errorf("%s", err)
			continue
		}
		printJson(describe(c, url, ds))
		_ = ds.Close()
	}
	return nil
}

func infoFlags() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "show the description of datasets",
		ArgsUsage: "URL ...",
		Action:    info,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "checksum",
				Usage: "add the checksum of every band",
			},
		},
	}
}
