// pkg/driver/driver.go

package driver

import (
	"sort"
	"strings"
	"sync"

	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/pkg/errors"
)

var logger = utils.GetLogger("rastervm")

var ErrUnknownDriver = errors.New("unknown driver")

// Options describe a dataset to create or how to open one. Drivers ignore
// the fields they have no use for.
type Options struct {
	XSize      int
	YSize      int
	Bands      int
	DataType   raster.DataType
	BlockXSize int
	BlockYSize int
	Interleave raster.Interleave
	Compress   string
	ReadOnly   bool
	Mmap       bool
	Retries    int
}

// Validate checks the creation fields.
func (o *Options) Validate() error {
	if o.XSize <= 0 || o.YSize <= 0 || o.Bands <= 0 {
		return errors.Errorf("invalid size %dx%dx%d", o.XSize, o.YSize, o.Bands)
	}
	if o.DataType.Size() == 0 {
		return errors.Errorf("invalid data type %s", o.DataType)
	}
	return nil
}

// Driver is a named set of constructors. Delete may be nil.
type Driver struct {
	Name   string
	Create func(path string, opts *Options) (raster.Dataset, error)
	Open   func(path string, opts *Options) (raster.Dataset, error)
	Delete func(path string) error
}

var (
	mu      sync.Mutex
	drivers = make(map[string]*Driver)
)

func Register(d *Driver) {
	mu.Lock()
	defer mu.Unlock()
	drivers[d.Name] = d
}

// Drivers returns the registered driver names.
func Drivers() []string {
	mu.Lock()
	defer mu.Unlock()
	var names []string
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// parse splits a dataset URL of the form driver://path. A URL without a
// scheme names a raw file.
func parse(url string) (*Driver, string, error) {
	name, path := "raw", url
	if p := strings.Index(url, "://"); p > 0 {
		name, path = strings.ToLower(url[:p]), url[p+3:]
	}
	mu.Lock()
	d, ok := drivers[name]
	mu.Unlock()
	if !ok {
		return nil, "", errors.Wrapf(ErrUnknownDriver, "%q (known: %s)", name, strings.Join(Drivers(), ", "))
	}
	return d, path, nil
}

func Create(url string, opts *Options) (raster.Dataset, error) {
	d, path, err := parse(url)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ds, err := d.Create(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", url)
	}
	logger.Debugf("created %s", ds.Info())
	return ds, nil
}

func Open(url string, opts *Options) (raster.Dataset, error) {
	d, path, err := parse(url)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	ds, err := d.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", url)
	}
	return ds, nil
}

func Delete(url string) error {
	d, path, err := parse(url)
	if err != nil {
		return err
	}
	if d.Delete == nil {
		return errors.Wrapf(raster.ErrNotSupported, "delete with driver %s", d.Name)
	}
	return d.Delete(path)
}
