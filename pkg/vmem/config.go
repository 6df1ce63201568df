// pkg/vmem/config.go

package vmem

import (
	"time"

	"RasterVM/pkg/raster"
)

const (
	DefaultCacheSize   = 16 << 20
	DefaultMinPageSize = 4096
)

// Config holds the settings of a Manager.
type Config struct {
	CacheSize       int64         `toml:"cache_size"`
	MinPageSize     int           `toml:"min_page_size"`
	SkipVirtualMem  bool          `toml:"skip_virtualmem"`
	StrictClose     bool          `toml:"strict_close"`
	SlowOpThreshold time.Duration `toml:"-"`
	PrefetchWorkers int           `toml:"prefetch_workers"`
}

func DefaultConfig() *Config {
	return &Config{
		CacheSize:       DefaultCacheSize,
		MinPageSize:     DefaultMinPageSize,
		SlowOpThreshold: time.Second,
		PrefetchWorkers: 4,
	}
}

// OrDefault returns a copy of c with zero fields set to their defaults.
func (c *Config) OrDefault() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	r := *c
	if r.CacheSize <= 0 {
		r.CacheSize = d.CacheSize
	}
	if r.MinPageSize <= 0 {
		r.MinPageSize = d.MinPageSize
	}
	r.MinPageSize = int(nextPow2(int64(r.MinPageSize)))
	if r.PrefetchWorkers <= 0 {
		r.PrefetchWorkers = d.PrefetchWorkers
	}
	return &r
}

// Options override the Manager settings for one view.
type Options struct {
	CacheSize int64
	DataType  raster.DataType // defaults to the dataset type
	PageSize  int
	Prefetch  bool // load pages up to the cache capacity before returning
}

func (o *Options) cacheSize(c *Config) int64 {
	if o != nil && o.CacheSize > 0 {
		return o.CacheSize
	}
	return c.CacheSize
}

func (o *Options) dataType(info raster.Info) raster.DataType {
	if o != nil && o.DataType != raster.Unknown {
		return o.DataType
	}
	return info.DataType
}

func (o *Options) pageSize() int64 {
	if o != nil && o.PageSize > 0 {
		return int64(o.PageSize)
	}
	return 0
}

// nextPow2 returns the smallest power of two >= v, or 0 past 1<<62.
func nextPow2(v int64) int64 {
	p := int64(1)
	for p < v {
		if p >= 1<<62 {
			return 0
		}
		p <<= 1
	}
	return p
}
