// cmd/bench.go

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"RasterVM/pkg/cache"
	"RasterVM/pkg/driver"
	"RasterVM/pkg/driver/limited"
	"RasterVM/pkg/metrics"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"
	"RasterVM/pkg/vmem"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func parseOrder(s string) vmem.TileOrder {
	switch strings.ToUpper(s) {
	case "TIP":
		return vmem.TileTIP
	case "BIT":
		return vmem.TileBIT
	case "BSQ":
		return vmem.TileBSQ
	}
	logger.Fatalf("invalid tile order: %s, only TIP, BIT and BSQ are allowed", s)
	return 0
}

// drainAccessLog copies the page access log into path until done is closed.
func drainAccessLog(path string, done chan struct{}) chan struct{} {
	finished := make(chan struct{})
	f, err := os.Create(path)
	if err != nil {
		logger.Fatalf("create %s: %s", path, err)
	}
	log := cache.SubscribeAccessLog()
	go func() {
		defer close(finished)
		defer f.Close()
		defer log.Close()
		buf := make([]byte, 64<<10)
		for {
			n := log.Read(context.Background(), buf)
			if n > 0 {
				_, _ = f.Write(buf[:n])
				continue
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()
	return finished
}

func printMetrics(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		logger.Warnf("gather metrics: %s", err)
		return
	}
	for _, mf := range mfs {
		for _, mt := range mf.GetMetric() {
			var labels []string
			for _, l := range mt.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			switch {
			case mt.GetCounter() != nil:
				fmt.Printf("%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), mt.GetCounter().GetValue())
			case mt.GetHistogram() != nil:
				h := mt.GetHistogram()
				fmt.Printf("%s{%s} count=%d sum=%g\n", mf.GetName(), strings.Join(labels, ","), h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
}

func bench(c *cli.Context) error {
	setLoggerLevel(c)
	if c.Args().Len() < 1 {
		logger.Fatalf("dataset URL is needed")
	}
	url := c.Args().Get(0)
	var ds raster.Dataset
	ds, err := driver.Open(url, &driver.Options{ReadOnly: true, Mmap: c.Bool("mmap")})
	if err != nil {
		logger.Fatalf("%s", err)
	}
	if limit := c.Int64("bwlimit"); limit > 0 {
		ds = limited.NewLimited(ds, 0, limit<<20)
	}
	ctx := c.Context
	m := newManager(c)
	reg := prometheus.NewRegistry()
	m.SetMetrics(metrics.NewCacheMetrics(reg))

	var done chan struct{}
	var finished chan struct{}
	if path := c.String("access-log"); path != "" {
		done = make(chan struct{})
		finished = drainAccessLog(path, done)
	}

	info := ds.Info()
	t := c.Int("tile-size")
	geom := vmem.TileGeometry{TileXSize: t, TileYSize: t, Order: parseOrder(c.String("order"))}
	v, err := m.OpenTiled(ctx, ds, cache.ReadOnly, raster.FullRegion(info), geom, nil)
	if err != nil {
		logger.Fatalf("open tiled view: %s", err)
	}
	ru := utils.GetRusage()
	start := time.Now()
	if c.Bool("prefetch") {
		n, err := v.Prefetch(ctx, c.Int("workers"))
		if err != nil {
			logger.Fatalf("prefetch: %s", err)
		}
		logger.Infof("prefetched %d pages in %s", n, time.Since(start))
	}
	var sum float64
	for b := 1; b <= info.Bands; b++ {
		for y := 0; y < info.YSize; y++ {
			for x := 0; x < info.XSize; x++ {
				s, err := v.Sample(b, y, x)
				if err != nil {
					logger.Fatalf("read sample (%d,%d,%d): %s", b, y, x, err)
				}
				sum += s
			}
		}
	}
	used := time.Since(start)
	utime, stime := utils.GetRusage().Since(ru)
	stats := v.Stats()
	if err = v.Release(ctx); err != nil {
		logger.Fatalf("release: %s", err)
	}
	if err = m.CloseDataset(ctx, ds); err != nil {
		logger.Warnf("close %s: %s", url, err)
	}
	if done != nil {
		close(done)
		<-finished
	}

	size := int64(info.XSize) * int64(info.YSize) * int64(info.Bands) * int64(info.DataType.Size())
	fmt.Printf("read %s in %s (%.1f MiB/s), mean %.3f\n", utils.FormatBytes(size), used,
		float64(size)/(1<<20)/used.Seconds(), sum/float64(int64(info.XSize)*int64(info.YSize)*int64(info.Bands)))
	fmt.Printf("cache: %s\n", stats)
	fmt.Printf("cpu: user %.3fs, sys %.3fs\n", utime, stime)
	if c.Bool("metrics") {
		printMetrics(reg)
	}
	return nil
}

func benchFlags() *cli.Command {
	return &cli.Command{
		Name:      "bench",
		Usage:     "read a whole dataset through a tiled view",
		ArgsUsage: "URL",
		Action:    bench,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "tile-size",
				Value: 256,
				Usage: "tile edge in pixels",
			},
			&cli.StringFlag{
				Name:  "order",
				Value: "TIP",
				Usage: "tile order (TIP, BIT, BSQ)",
			},
			&cli.BoolFlag{
				Name:  "prefetch",
				Usage: "warm up the cache before reading",
			},
			&cli.IntFlag{
				Name:  "workers",
				Value: 4,
				Usage: "number of prefetch workers",
			},
			&cli.Int64Flag{
				Name:  "bwlimit",
				Usage: "limit read bandwidth in MiB/s",
			},
			&cli.StringFlag{
				Name:  "access-log",
				Usage: "write the page access log to a file",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "print the page cache metrics",
			},
			&cli.BoolFlag{
				Name:  "mmap",
				Usage: "map raw files instead of pread/pwrite",
			},
		},
	}
}
