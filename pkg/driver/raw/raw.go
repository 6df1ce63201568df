// pkg/driver/raw/raw.go

package raw

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"RasterVM/pkg/driver"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

var logger = utils.GetLogger("rastervm")

const section = "raster"

func init() {
	driver.Register(&driver.Driver{
		Name:   "raw",
		Create: func(path string, opts *driver.Options) (raster.Dataset, error) { return Create(path, opts) },
		Open:   func(path string, opts *driver.Options) (raster.Dataset, error) { return Open(path, opts) },
		Delete: Delete,
	})
}

// header is the content of the .hdr sidecar.
type header struct {
	raster.Info
	Interleave raster.Interleave
	UUID       string
}

func hdrPath(path string) string {
	return path + ".hdr"
}

func interleaveName(i raster.Interleave) string {
	switch i {
	case raster.InterleaveLine:
		return "BIL"
	case raster.InterleavePixel:
		return "BIP"
	}
	return "BSQ"
}

func parseInterleave(s string) (raster.Interleave, error) {
	switch strings.ToUpper(s) {
	case "BSQ", "BAND", "":
		return raster.InterleaveBand, nil
	case "BIL", "LINE":
		return raster.InterleaveLine, nil
	case "BIP", "PIXEL":
		return raster.InterleavePixel, nil
	}
	return 0, errors.Errorf("unknown interleave %q", s)
}

func (h *header) save(path string) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection(section)
	if err != nil {
		return err
	}
	for k, v := range map[string]string{
		"uuid":       h.UUID,
		"xsize":      fmt.Sprint(h.XSize),
		"ysize":      fmt.Sprint(h.YSize),
		"bands":      fmt.Sprint(h.Bands),
		"datatype":   h.DataType.String(),
		"interleave": interleaveName(h.Interleave),
		"byteorder":  "little",
	} {
		if _, err := sec.NewKey(k, v); err != nil {
			return err
		}
	}
	return cfg.SaveTo(hdrPath(path))
}

func loadHeader(path string) (*header, error) {
	cfg, err := ini.Load(hdrPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "load header of %s", path)
	}
	sec := cfg.Section(section)
	h := &header{UUID: sec.Key("uuid").String()}
	h.Name = path
	h.XSize = sec.Key("xsize").MustInt(0)
	h.YSize = sec.Key("ysize").MustInt(0)
	h.Bands = sec.Key("bands").MustInt(1)
	if h.DataType, err = raster.ParseDataType(sec.Key("datatype").MustString("Byte")); err != nil {
		return nil, err
	}
	if h.Interleave, err = parseInterleave(sec.Key("interleave").String()); err != nil {
		return nil, err
	}
	if bo := sec.Key("byteorder").MustString("little"); bo != "little" {
		return nil, errors.Wrapf(raster.ErrNotSupported, "byte order %s", bo)
	}
	if h.XSize <= 0 || h.YSize <= 0 || h.Bands <= 0 {
		return nil, errors.Errorf("bad header of %s: %dx%dx%d", path, h.XSize, h.YSize, h.Bands)
	}
	return h, nil
}

// store is the byte level access to the image file.
type store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

type fileStore struct {
	*os.File
}

func (f fileStore) Sync() error {
	return fdatasync(f.File)
}

type mmapStore struct {
	f *os.File
	m mmap.MMap
}

func (s *mmapStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.m)) {
		return 0, errors.Errorf("read of %d bytes at %d beyond %d", len(p), off, len(s.m))
	}
	return copy(p, s.m[off:]), nil
}

func (s *mmapStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.m)) {
		return 0, errors.Errorf("write of %d bytes at %d beyond %d", len(p), off, len(s.m))
	}
	return copy(s.m[off:], p), nil
}

func (s *mmapStore) Sync() error {
	return s.m.Flush()
}

func (s *mmapStore) Close() error {
	err := s.m.Unmap()
	if e := s.f.Close(); err == nil {
		err = e
	}
	return err
}

// Dataset is a headered raw image: samples of one data type, little endian,
// in BSQ, BIL or BIP order.
type Dataset struct {
	sync.RWMutex
	hdr      *header
	path     string
	readOnly bool
	st       store
}

func Create(path string, opts *driver.Options) (*Dataset, error) {
	h := &header{
		Info: raster.Info{
			Name: path, XSize: opts.XSize, YSize: opts.YSize, Bands: opts.Bands, DataType: opts.DataType,
		},
		Interleave: opts.Interleave,
		UUID:       uuid.New().String(),
	}
	size := int64(h.XSize) * int64(h.YSize) * int64(h.Bands) * int64(h.DataType.Size())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err = f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, err
	}
	_ = f.Close()
	if err = h.save(path); err != nil {
		return nil, err
	}
	logger.Infof("created raw dataset %s (%s, %s)", path, h.Info, interleaveName(h.Interleave))
	return Open(path, &driver.Options{Mmap: opts.Mmap})
}

func Open(path string, opts *driver.Options) (*Dataset, error) {
	h, err := loadHeader(path)
	if err != nil {
		return nil, err
	}
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	need := int64(h.XSize) * int64(h.YSize) * int64(h.Bands) * int64(h.DataType.Size())
	if fi.Size() < need {
		_ = f.Close()
		return nil, errors.Errorf("%s has %d bytes, header needs %d", path, fi.Size(), need)
	}
	d := &Dataset{hdr: h, path: path, readOnly: opts.ReadOnly, st: fileStore{f}}
	if opts.Mmap {
		prot := mmap.RDWR
		if opts.ReadOnly {
			prot = mmap.RDONLY
		}
		m, err := mmap.Map(f, prot, 0)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "mmap %s", path)
		}
		d.st = &mmapStore{f, m}
	}
	return d, nil
}

func Delete(path string) error {
	err := os.Remove(path)
	if e := os.Remove(hdrPath(path)); err == nil {
		err = e
	}
	return err
}

func (d *Dataset) Info() raster.Info {
	return d.hdr.Info
}

func (d *Dataset) Interleave() raster.Interleave {
	return d.hdr.Interleave
}

func (d *Dataset) UUID() string {
	return d.hdr.UUID
}

// AccessTime is the last access time of the image file.
func (d *Dataset) AccessTime() time.Time {
	fi, err := os.Stat(d.path)
	if err != nil {
		return time.Time{}
	}
	return accessTime(fi)
}

func (d *Dataset) Files() []string {
	return []string{d.path, hdrPath(d.path)}
}

// offset returns where sample (band, y, x) starts and the distance between
// consecutive samples of a row.
func (d *Dataset) offset(band, y, x int) (int64, int64) {
	s := int64(d.hdr.DataType.Size())
	xs, ys, nb := int64(d.hdr.XSize), int64(d.hdr.YSize), int64(d.hdr.Bands)
	b := int64(band - 1)
	switch d.hdr.Interleave {
	case raster.InterleaveLine:
		return ((int64(y)*nb+b)*xs + int64(x)) * s, s
	case raster.InterleavePixel:
		return ((int64(y)*xs+int64(x))*nb + b) * s, nb * s
	}
	return ((b*ys+int64(y))*xs + int64(x)) * s, s
}

func (d *Dataset) ReadRow(ctx context.Context, band, y, x, n int, dst []byte) error {
	s := d.hdr.DataType.Size()
	off, stride := d.offset(band, y, x)
	if stride == int64(s) {
		_, err := d.st.ReadAt(dst[:n*s], off)
		return err
	}
	run := make([]byte, int64(n-1)*stride+int64(s))
	if _, err := d.st.ReadAt(run, off); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		copy(dst[i*s:(i+1)*s], run[int64(i)*stride:])
	}
	return nil
}

func (d *Dataset) WriteRow(ctx context.Context, band, y, x, n int, src []byte) error {
	s := d.hdr.DataType.Size()
	off, stride := d.offset(band, y, x)
	if stride == int64(s) {
		_, err := d.st.WriteAt(src[:n*s], off)
		return err
	}
	run := make([]byte, int64(n-1)*stride+int64(s))
	if _, err := d.st.ReadAt(run, off); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		copy(run[int64(i)*stride:], src[i*s:(i+1)*s])
	}
	_, err := d.st.WriteAt(run, off)
	return err
}

func (d *Dataset) RawRead(ctx context.Context, req *raster.IORequest) error {
	d.RLock()
	defer d.RUnlock()
	if d.st == nil {
		return raster.ErrClosed
	}
	return raster.ServeRead(ctx, d.hdr.Info, d, req)
}

func (d *Dataset) RawWrite(ctx context.Context, req *raster.IORequest) error {
	if d.readOnly {
		return errors.Wrapf(raster.ErrReadOnly, "%s", d.path)
	}
	// pixel interleaved rows are read back and merged
	if d.hdr.Interleave == raster.InterleavePixel {
		d.Lock()
		defer d.Unlock()
	} else {
		d.RLock()
		defer d.RUnlock()
	}
	if d.st == nil {
		return raster.ErrClosed
	}
	return raster.ServeWrite(ctx, d.hdr.Info, d, req)
}

func (d *Dataset) SupportsMemoryMapping() bool {
	return true
}

func (d *Dataset) NativeBlockGeometry() raster.BlockGeometry {
	return raster.BlockGeometry{XSize: d.hdr.XSize, YSize: 1, Interleave: d.hdr.Interleave}
}

func (d *Dataset) FlushCache(ctx context.Context) error {
	d.RLock()
	defer d.RUnlock()
	if d.st == nil || d.readOnly {
		return nil
	}
	return d.st.Sync()
}

func (d *Dataset) Close() error {
	d.Lock()
	defer d.Unlock()
	if d.st == nil {
		return nil
	}
	var err error
	if !d.readOnly {
		err = d.st.Sync()
	}
	if e := d.st.Close(); err == nil {
		err = e
	}
	d.st = nil
	return err
}
