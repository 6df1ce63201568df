// pkg/vmem/manager.go

package vmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"RasterVM/pkg/cache"
	"RasterVM/pkg/raster"
	"RasterVM/pkg/utils"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var logger = utils.GetLogger("rastervm")

// maxPageSize bounds a single page.
const maxPageSize = 1 << 30

type sharedKey struct {
	ds     raster.Dataset
	band   int // 0 for the whole dataset
	dtype  raster.DataType
	layout string
}

// sharedSpace is the backing store common to the auto views of one band.
type sharedSpace struct {
	key    sharedKey
	space  *cache.Space
	layout Layout
	refs   int
}

// Manager opens views, tracks them per dataset and guards dataset close.
type Manager struct {
	sync.Mutex
	conf    *Config
	metrics cache.Metrics
	views   map[raster.Dataset]map[*View]struct{}
	shared  map[sharedKey]*sharedSpace
	cond    *utils.Cond
}

func NewManager(conf *Config) *Manager {
	m := &Manager{
		conf:   conf.OrDefault(),
		views:  make(map[raster.Dataset]map[*View]struct{}),
		shared: make(map[sharedKey]*sharedSpace),
	}
	m.cond = utils.NewCond(&m.Mutex)
	return m
}

// SetMetrics installs the collector used by views opened afterwards.
func (m *Manager) SetMetrics(metrics cache.Metrics) {
	m.Lock()
	m.metrics = metrics
	m.Unlock()
}

func (m *Manager) Config() Config {
	return *m.conf
}

func (m *Manager) spaceConfig(name string, size, pageSize, cacheSize int64, mode cache.Mode) cache.Config {
	m.Lock()
	metrics := m.metrics
	m.Unlock()
	return cache.Config{
		Name:      name,
		Size:      size,
		PageSize:  int(pageSize),
		CacheSize: cacheSize / pageSize * pageSize,
		Mode:      mode,
		Metrics:   metrics,
		SlowOp:    m.conf.SlowOpThreshold,
	}
}

func (m *Manager) newView(ds raster.Dataset, kind Kind, mode cache.Mode, region raster.Region, dtype raster.DataType, layout Layout) *View {
	return &View{
		id:     uuid.New().String(),
		kind:   kind,
		mgr:    m,
		ds:     ds,
		mode:   mode,
		region: region,
		dtype:  dtype,
		layout: layout,
		opened: time.Now(),
	}
}

func (m *Manager) register(v *View) {
	m.Lock()
	defer m.Unlock()
	vs, ok := m.views[v.ds]
	if !ok {
		vs = make(map[*View]struct{})
		m.views[v.ds] = vs
	}
	vs[v] = struct{}{}
	logger.Debugf("opened %s: shape %v, %d pages of %d bytes", v, v.Shape(), v.space.NumPages(), v.space.PageSize())
}

func (m *Manager) unregister(v *View) {
	m.Lock()
	defer m.Unlock()
	if vs, ok := m.views[v.ds]; ok {
		delete(vs, v)
		if len(vs) == 0 {
			delete(m.views, v.ds)
		}
	}
	m.cond.Broadcast()
}

func (m *Manager) prepare(ctx context.Context, ds raster.Dataset, region raster.Region, opts *Options) (raster.DataType, error) {
	if err := ctx.Err(); err != nil {
		return raster.Unknown, err
	}
	if m.conf.SkipVirtualMem {
		return raster.Unknown, errors.Wrap(ErrUnsupportedMapping, "virtual memory is disabled")
	}
	info := ds.Info()
	if mp, ok := ds.(raster.Mappable); ok && !mp.SupportsMemoryMapping() {
		return raster.Unknown, errors.Wrapf(ErrUnsupportedMapping, "dataset %s", info.Name)
	}
	if err := region.Validate(info); err != nil {
		return raster.Unknown, err
	}
	dtype := opts.dataType(info)
	if dtype.Size() == 0 {
		return raster.Unknown, errors.Errorf("unsupported data type %s", dtype)
	}
	return dtype, nil
}

// linearPageSize sizes pages in whole blocks and keeps at least four of
// them in the cache when the minimum page size allows it. A page never
// splits a sample.
func (m *Manager) linearPageSize(blockBytes, elem, cacheSize int64, opts *Options) (int64, error) {
	want := max(blockBytes, int64(m.conf.MinPageSize), opts.pageSize())
	if want > maxPageSize {
		return 0, errors.Wrapf(ErrResourceExhausted, "block of %d bytes", blockBytes)
	}
	floor := max(int64(m.conf.MinPageSize), nextPow2(elem))
	ps := nextPow2(want)
	for ps > floor && ps*4 > cacheSize {
		ps >>= 1
	}
	if ps > cacheSize {
		return 0, errors.Wrapf(ErrResourceExhausted, "cache of %d bytes cannot hold a page of %d", cacheSize, ps)
	}
	return ps, nil
}

// OpenLinear maps region as a linear array in BSQ or BIP order. Pages hold
// whole blocks of blockXSize x blockYSize pixels; a non positive block size
// means one row.
func (m *Manager) OpenLinear(ctx context.Context, ds raster.Dataset, mode cache.Mode, region raster.Region,
	blockXSize, blockYSize int, interleave Interleave, opts *Options) (*View, error) {
	return m.openLinear(ctx, ds, mode, region, blockXSize, blockYSize, interleave, true, opts)
}

// OpenBandLinear maps a window of one band as a [y][x] array.
func (m *Manager) OpenBandLinear(ctx context.Context, ds raster.Dataset, band int, mode cache.Mode,
	xoff, yoff, xsize, ysize int, opts *Options) (*View, error) {
	region := raster.Region{XOff: xoff, YOff: yoff, XSize: xsize, YSize: ysize, Bands: []int{band}}
	return m.openLinear(ctx, ds, mode, region, xsize, 1, LinearBSQ, false, opts)
}

func (m *Manager) openLinear(ctx context.Context, ds raster.Dataset, mode cache.Mode, region raster.Region,
	blockXSize, blockYSize int, interleave Interleave, bandDim bool, opts *Options) (*View, error) {
	dtype, err := m.prepare(ctx, ds, region, opts)
	if err != nil {
		return nil, err
	}
	layout, ps, err := m.linearLayout(region, dtype, blockXSize, blockYSize, interleave, bandDim, opts)
	if err != nil {
		return nil, err
	}
	v := m.newView(ds, KindLinear, mode, region, dtype, layout)
	if err := m.attach(v, ps, opts.cacheSize(m.conf)); err != nil {
		return nil, err
	}
	return m.warm(ctx, v, opts)
}

func (m *Manager) linearLayout(region raster.Region, dtype raster.DataType, blockXSize, blockYSize int,
	interleave Interleave, bandDim bool, opts *Options) (Layout, int64, error) {
	s := int64(dtype.Size())
	if blockXSize <= 0 || blockYSize <= 0 {
		blockXSize, blockYSize = region.XSize, 1
	}
	nb := int64(1)
	if interleave == LinearBIP {
		nb = int64(len(region.Bands))
	}
	blockBytes, err := mul(int64(blockXSize), int64(blockYSize), s, nb)
	if err != nil {
		return nil, 0, err
	}
	if _, err := mul(int64(region.XSize), int64(region.YSize), int64(len(region.Bands)), s); err != nil {
		return nil, 0, err
	}
	ps, err := m.linearPageSize(blockBytes, s, opts.cacheSize(m.conf), opts)
	if err != nil {
		return nil, 0, err
	}
	g := grid{xsize: region.XSize, ysize: region.YSize, bands: region.Bands, elem: s, bandDim: bandDim}
	return newLinearLayout(g, interleave), ps, nil
}

// OpenTiled maps region as an array of tiles in TIP, BIT or BSQ order.
func (m *Manager) OpenTiled(ctx context.Context, ds raster.Dataset, mode cache.Mode, region raster.Region,
	geom TileGeometry, opts *Options) (*View, error) {
	return m.openTiled(ctx, ds, mode, region, geom, true, opts)
}

// OpenBandTiled maps a window of one band as a [tileRow][tileCol][y][x] array.
func (m *Manager) OpenBandTiled(ctx context.Context, ds raster.Dataset, band int, mode cache.Mode,
	xoff, yoff, xsize, ysize, tileXSize, tileYSize int, opts *Options) (*View, error) {
	region := raster.Region{XOff: xoff, YOff: yoff, XSize: xsize, YSize: ysize, Bands: []int{band}}
	return m.openTiled(ctx, ds, mode, region, TileGeometry{TileXSize: tileXSize, TileYSize: tileYSize}, false, opts)
}

func (m *Manager) openTiled(ctx context.Context, ds raster.Dataset, mode cache.Mode, region raster.Region, geom TileGeometry,
	bandDim bool, opts *Options) (*View, error) {
	dtype, err := m.prepare(ctx, ds, region, opts)
	if err != nil {
		return nil, err
	}
	layout, ps, err := m.tiledLayout(region, dtype, geom, bandDim, opts)
	if err != nil {
		return nil, err
	}
	v := m.newView(ds, KindTiled, mode, region, dtype, layout)
	if err := m.attach(v, ps, opts.cacheSize(m.conf)); err != nil {
		return nil, err
	}
	return m.warm(ctx, v, opts)
}

func (m *Manager) tiledLayout(region raster.Region, dtype raster.DataType, geom TileGeometry, bandDim bool,
	opts *Options) (Layout, int64, error) {
	s := int64(dtype.Size())
	nb := int64(len(region.Bands))
	if geom.Order == TileBSQ {
		nb = 1
	}
	if geom.TileXSize <= 0 || geom.TileYSize <= 0 {
		return nil, 0, errors.Wrapf(ErrOutOfRange, "tile size %dx%d", geom.TileXSize, geom.TileYSize)
	}
	tileBytes, err := mul(int64(geom.TileXSize), int64(geom.TileYSize), s, nb)
	if err != nil {
		return nil, 0, err
	}
	g := grid{xsize: region.XSize, ysize: region.YSize, bands: region.Bands, elem: s, bandDim: bandDim}
	layout, err := newTiledLayout(g, geom)
	if err != nil {
		return nil, 0, err
	}
	ntx := int64((region.XSize + geom.TileXSize - 1) / geom.TileXSize)
	nty := int64((region.YSize + geom.TileYSize - 1) / geom.TileYSize)
	if _, err := mul(ntx, nty, int64(geom.TileXSize), int64(geom.TileYSize), int64(len(region.Bands)), s); err != nil {
		return nil, 0, err
	}
	want := max(tileBytes, int64(m.conf.MinPageSize), opts.pageSize())
	if want > maxPageSize {
		return nil, 0, errors.Wrapf(ErrResourceExhausted, "tile of %d bytes", tileBytes)
	}
	ps := nextPow2(want)
	if cs := opts.cacheSize(m.conf); ps > cs {
		return nil, 0, errors.Wrapf(ErrResourceExhausted, "cache of %d bytes cannot hold a page of %d", cs, ps)
	}
	return layout, ps, nil
}

// attach gives v a private Space and registers it.
func (m *Manager) attach(v *View, pageSize, cacheSize int64) error {
	mp := &mapping{ds: v.ds, region: v.region, dtype: v.dtype, layout: v.layout, pageSize: pageSize}
	conf := m.spaceConfig(v.id[:8], v.layout.Size(), pageSize, cacheSize, v.mode)
	space, err := cache.NewSpace(conf, mp)
	if err != nil {
		return errors.Wrapf(ErrResourceExhausted, "%s", err)
	}
	v.space = space
	m.register(v)
	return nil
}

func (m *Manager) nativeGeometry(ds raster.Dataset) (raster.BlockGeometry, error) {
	if m.conf.SkipVirtualMem {
		return raster.BlockGeometry{}, errors.Wrap(ErrUnsupportedMapping, "virtual memory is disabled")
	}
	mp, ok := ds.(raster.Mappable)
	if !ok || !mp.SupportsMemoryMapping() {
		return raster.BlockGeometry{}, errors.Wrapf(ErrUnsupportedMapping, "dataset %s", ds.Info().Name)
	}
	return mp.NativeBlockGeometry(), nil
}

// OpenAuto maps a whole band following the native block layout of the
// driver. Auto views of the same band share their pages, so writes of one
// are seen by the others before release.
func (m *Manager) OpenAuto(ctx context.Context, ds raster.Dataset, band int, mode cache.Mode, opts *Options) (*View, error) {
	geom, err := m.nativeGeometry(ds)
	if err != nil {
		return nil, err
	}
	info := ds.Info()
	region := raster.FullRegion(info)
	region.Bands = []int{band}
	return m.openAuto(ctx, ds, band, mode, region, geom, false, opts)
}

// OpenAutoDataset maps every band of ds. Pixel interleaved drivers get a BIP
// (or TIP) view, the others a BSQ one.
func (m *Manager) OpenAutoDataset(ctx context.Context, ds raster.Dataset, mode cache.Mode, opts *Options) (*View, error) {
	geom, err := m.nativeGeometry(ds)
	if err != nil {
		return nil, err
	}
	return m.openAuto(ctx, ds, 0, mode, raster.FullRegion(ds.Info()), geom, true, opts)
}

func (m *Manager) openAuto(ctx context.Context, ds raster.Dataset, band int, mode cache.Mode, region raster.Region,
	geom raster.BlockGeometry, bandDim bool, opts *Options) (*View, error) {
	dtype, err := m.prepare(ctx, ds, region, opts)
	if err != nil {
		return nil, err
	}
	var layout Layout
	var ps int64
	if geom.Tiled && geom.XSize > 0 && geom.YSize > 0 {
		order := TileBSQ
		if geom.Interleave == raster.InterleavePixel {
			order = TileTIP
		}
		layout, ps, err = m.tiledLayout(region, dtype, TileGeometry{geom.XSize, geom.YSize, order}, bandDim, opts)
	} else {
		interleave := LinearBSQ
		if bandDim && geom.Interleave == raster.InterleavePixel {
			interleave = LinearBIP
		}
		layout, ps, err = m.linearLayout(region, dtype, geom.XSize, geom.YSize, interleave, bandDim, opts)
	}
	if err != nil {
		return nil, err
	}

	key := sharedKey{ds: ds, band: band, dtype: dtype, layout: layout.Name()}
	m.Lock()
	sh, ok := m.shared[key]
	if !ok {
		mp := &mapping{ds: ds, region: region, dtype: dtype, layout: layout, pageSize: ps}
		m.Unlock()
		conf := m.spaceConfig(fmt.Sprintf("auto:%s:%d", ds.Info().Name, band), layout.Size(), ps, opts.cacheSize(m.conf), cache.ReadWrite)
		space, err := cache.NewSpace(conf, mp)
		if err != nil {
			return nil, errors.Wrapf(ErrResourceExhausted, "%s", err)
		}
		m.Lock()
		if sh, ok = m.shared[key]; !ok {
			sh = &sharedSpace{key: key, space: space, layout: layout}
			m.shared[key] = sh
		}
	}
	sh.refs++
	m.Unlock()

	v := m.newView(ds, KindAuto, mode, region, dtype, sh.layout)
	v.space = sh.space
	v.shared = sh
	m.register(v)
	return m.warm(ctx, v, opts)
}

// warm loads the pages of a new view when the options ask for it. The view
// is released again if that fails.
func (m *Manager) warm(ctx context.Context, v *View, opts *Options) (*View, error) {
	if opts == nil || !opts.Prefetch {
		return v, nil
	}
	if _, err := v.Prefetch(ctx, 0); err != nil {
		logger.Warnf("prefetch %s: %s", v, err)
		_ = v.Release(context.Background())
		return nil, err
	}
	return v, nil
}

// releaseShared flushes a shared Space and frees it with its last view.
func (m *Manager) releaseShared(ctx context.Context, sh *sharedSpace) error {
	m.Lock()
	sh.refs--
	last := sh.refs == 0
	if last {
		delete(m.shared, sh.key)
		defer m.Unlock()
		return sh.space.Close(ctx)
	}
	m.Unlock()
	return sh.space.FlushAll(ctx)
}

// OpenViews returns the number of live views on ds.
func (m *Manager) OpenViews(ds raster.Dataset) int {
	m.Lock()
	defer m.Unlock()
	return len(m.views[ds])
}

// WaitReleased waits until every view of ds is released. It returns false
// on timeout.
func (m *Manager) WaitReleased(ds raster.Dataset, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	m.Lock()
	defer m.Unlock()
	for len(m.views[ds]) > 0 {
		if m.cond.Wait(ctx) != nil {
			return false
		}
	}
	return true
}

// CloseDataset closes ds once its views are gone. Views still open are
// flushed and released on the caller's behalf, unless the manager is strict,
// in which case ErrViewsOpen is returned and ds stays open.
func (m *Manager) CloseDataset(ctx context.Context, ds raster.Dataset) error {
	m.Lock()
	var open []*View
	for v := range m.views[ds] {
		open = append(open, v)
	}
	m.Unlock()
	if len(open) > 0 {
		if m.conf.StrictClose {
			return errors.Wrapf(ErrViewsOpen, "%d views on %s", len(open), ds.Info().Name)
		}
		logger.Warnf("closing %s with %d views open, releasing them", ds.Info().Name, len(open))
	}
	var errs error
	for _, v := range open {
		errs = multierr.Append(errs, v.Release(ctx))
	}
	return multierr.Append(errs, ds.Close())
}
