package provider

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/glog"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Transient contention in the raster reader's worker pool. Retried in place
// with the same selection, never surfaced as a command failure.
var ErrWorkerPoolContention = errors.New("raster worker pool contention")

const cogMaxContentionRetries = 8

// Destination tile pixel budget
const cogTileBudget = 256

// Read only view over a remote raster pyramid, produced by the (external)
// GeoTIFF decoding collaborator.
type RasterSource interface {
	// Number of overview levels, level 0 being the full resolution image
	LevelCount() int

	// Pixel dimensions of the given level
	LevelSize(level int) (width, height int)

	// Map units per pixel along each axis at the given level
	Resolution(level int) (rx, ry float64)

	// Map coordinates of the top left corner of pixel (0, 0)
	Origin() (x, y float64)

	BandCount() int
	NoData() (value float64, ok bool)
	Extent() *geometry.Extent

	// Reads a pixel window of one level into band arrays
	ReadWindow(ctx context.Context, level int, w PixelWindow) (*RasterBands, error)
}

type RasterOpener func(ctx context.Context, url string, opts layer.NetworkOptions) (RasterSource, error)

// Pixel rectangle inside one overview level
type PixelWindow struct {
	X0, Y0 int
	X1, Y1 int // exclusive
}

func (w PixelWindow) Width() int  { return w.X1 - w.X0 }
func (w PixelWindow) Height() int { return w.Y1 - w.Y0 }

// Decoded raster window, one float64 slice per band, row major
type RasterBands struct {
	Width  int
	Height int
	Bands  [][]float64
}

type cogMeta struct {
	source RasterSource

	// global min/max of the first band, computed once from the coarsest
	// overview; used to normalize single band rasters into a displayable range
	min, max   float64
	normalized bool
}

// Serves Cloud Optimized GeoTIFF pyramids: picks the overview level matching
// the destination pixel budget, reads the pixel window covering the requested
// extent and normalizes single band data into a displayable texture.
type COGProvider struct {
	deps Deps
}

func NewCOGProvider(deps Deps) *COGProvider {
	return &COGProvider{deps: deps}
}

func (p *COGProvider) Kind() layer.Kind {
	return layer.KindCOG
}

type OverviewSelection struct {
	Level      int
	Window     PixelWindow
	SrcExtent  *geometry.Extent
	DestExtent *geometry.Extent
}

func (s OverviewSelection) Key() string {
	return fmt.Sprintf("cog/%d/%d_%d_%d_%d", s.Level, s.Window.X0, s.Window.Y0, s.Window.X1, s.Window.Y1)
}

func (p *COGProvider) Preprocess(ctx context.Context, l *layer.Layer) error {
	if p.deps.OpenRaster == nil {
		return fmt.Errorf("cog: layer %s has no raster opener collaborator", l.Id)
	}
	source, err := p.deps.OpenRaster(ctx, l.URL, l.NetworkOptions)
	if err != nil {
		return fmt.Errorf("cog: open of layer %s failed: %w", l.Id, err)
	}
	if source.LevelCount() == 0 {
		return fmt.Errorf("cog: layer %s has an empty image pyramid", l.Id)
	}

	meta := &cogMeta{source: source}
	if source.BandCount() == 1 {
		// min/max from the coarsest overview: orders of magnitude cheaper than
		// scanning the full resolution image and close enough for display
		if err := p.computeMinMax(ctx, meta); err != nil {
			return fmt.Errorf("cog: min/max scan of layer %s failed: %w", l.Id, err)
		}
	}

	l.Meta = meta
	l.ComputedExtent = source.Extent().Clone()
	l.Attached = true
	return nil
}

func (p *COGProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	return l.ComputedExtent != nil && extent.Intersects(l.ComputedExtent)
}

func (p *COGProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State) {
	meta, ok := l.Meta.(*cogMeta)
	if !ok {
		return nil, StateNotAvailableYet
	}
	if !p.TileInsideLimit(extent, 0, l) {
		return nil, StateUnavailable
	}

	level := selectOverviewLevel(meta.source, extent, cogTileBudget, cogTileBudget)
	if current.Loaded && current.Level <= level {
		// levels decrease towards full resolution; displayed data is already
		// at least as fine as what the budget asks for
		return nil, StateAlreadyLoaded
	}

	window, srcExtent, err := pixelWindow(meta.source, level, extent)
	if err != nil || window.Width() <= 0 || window.Height() <= 0 {
		return nil, StateUnavailable
	}
	return OverviewSelection{Level: level, Window: window, SrcExtent: srcExtent, DestExtent: extent.Clone()}, StatePending
}

func (p *COGProvider) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	sel, ok := cmd.Selection.(OverviewSelection)
	if !ok {
		return nil, fmt.Errorf("cog: unexpected selection %T", cmd.Selection)
	}
	meta, ok := cmd.Layer.Meta.(*cogMeta)
	if !ok {
		return nil, fmt.Errorf("cog: layer %s not preprocessed", cmd.Layer.Id)
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	bands, err := p.readWindowRetrying(ctx, meta.source, sel.Level, sel.Window)
	if err != nil {
		return nil, err
	}

	if requesterGone(cmd) {
		return nil, nil
	}

	texture := p.compose(meta, bands)

	pitch := geometry.FullPitch()
	if sel.DestExtent != nil && sel.SrcExtent != nil {
		if offset, err := sel.DestExtent.OffsetToParent(sel.SrcExtent); err == nil {
			pitch = offset
		}
	}
	return &Result{Texture: texture, Pitch: pitch, Extent: sel.SrcExtent}, nil
}

// Reads the window, retrying in place when the reader reports worker pool
// contention. That condition is benign resource pressure, not a fetch failure,
// so it must not clear the dedup entry.
func (p *COGProvider) readWindowRetrying(ctx context.Context, source RasterSource, level int, window PixelWindow) (*RasterBands, error) {
	var lastErr error
	for attempt := 0; attempt < cogMaxContentionRetries; attempt++ {
		bands, err := source.ReadWindow(ctx, level, window)
		if err == nil {
			return bands, nil
		}
		if !errors.Is(err, ErrWorkerPoolContention) {
			return nil, err
		}
		lastErr = err
		glog.V(1).Infof("cog: worker pool contention on level %d window %+v, retrying (%d)", level, window, attempt+1)
	}
	return nil, fmt.Errorf("cog: contention retries exhausted: %w", lastErr)
}

// Turns decoded band arrays into an RGBA texture. Single band data is
// normalized by the precomputed global min/max; the nodata sentinel becomes
// fully transparent.
func (p *COGProvider) compose(meta *cogMeta, bands *RasterBands) *Texture {
	width, height := bands.Width, bands.Height
	texture := &Texture{Width: width, Height: height, Data: make([]byte, width*height*4)}
	nodata, hasNodata := meta.source.NoData()

	single := len(bands.Bands) == 1
	span := meta.max - meta.min
	if span <= 0 {
		span = 1
	}

	for i := 0; i < width*height; i++ {
		var r, g, b float64
		if single {
			v := bands.Bands[0][i]
			if hasNodata && v == nodata {
				continue // alpha stays zero
			}
			n := (v - meta.min) / span * 255
			r, g, b = n, n, n
		} else {
			r = bands.Bands[0][i]
			g = bands.Bands[1][i]
			b = bands.Bands[2][i]
			if hasNodata && r == nodata && g == nodata && b == nodata {
				continue
			}
		}
		texture.Data[i*4] = clampByte(r)
		texture.Data[i*4+1] = clampByte(g)
		texture.Data[i*4+2] = clampByte(b)
		texture.Data[i*4+3] = 255
	}
	return texture
}

func (p *COGProvider) computeMinMax(ctx context.Context, meta *cogMeta) error {
	source := meta.source
	coarsest := source.LevelCount() - 1
	width, height := source.LevelSize(coarsest)
	bands, err := p.readWindowRetrying(ctx, source, coarsest, PixelWindow{X0: 0, Y0: 0, X1: width, Y1: height})
	if err != nil {
		return err
	}

	nodata, hasNodata := source.NoData()
	meta.min, meta.max = math.Inf(1), math.Inf(-1)
	for _, v := range bands.Bands[0] {
		if hasNodata && v == nodata {
			continue
		}
		meta.min = math.Min(meta.min, v)
		meta.max = math.Max(meta.max, v)
	}
	if math.IsInf(meta.min, 1) {
		meta.min, meta.max = 0, 1
	}
	meta.normalized = true
	return nil
}

// Walks the pyramid from coarsest to finest and returns the first level whose
// pixel density over the requested extent meets the destination budget in both
// axes, falling back to the finest level when none qualifies.
func selectOverviewLevel(source RasterSource, extent *geometry.Extent, budgetW, budgetH int) int {
	for level := source.LevelCount() - 1; level >= 0; level-- {
		w, h := windowSize(source, level, extent)
		if w >= budgetW && h >= budgetH {
			return level
		}
	}
	return 0
}

func windowSize(source RasterSource, level int, extent *geometry.Extent) (int, int) {
	rx, ry := source.Resolution(level)
	width, height := extent.Dimensions()
	return int(width / rx), int(height / ry)
}

// Maps a geographic extent onto a pixel rectangle of the given level using the
// affine transform derived from the raster origin and per level resolution.
// The window is clamped to the level bounds; the clamped geographic extent is
// returned alongside for UV placement.
func pixelWindow(source RasterSource, level int, extent *geometry.Extent) (PixelWindow, *geometry.Extent, error) {
	originX, originY := source.Origin()
	rx, ry := source.Resolution(level)
	levelW, levelH := source.LevelSize(level)

	// raster rows grow southwards from the origin
	x0 := int(math.Floor((extent.West - originX) / rx))
	x1 := int(math.Ceil((extent.East - originX) / rx))
	y0 := int(math.Floor((originY - extent.North) / ry))
	y1 := int(math.Ceil((originY - extent.South) / ry))

	window := PixelWindow{
		X0: clampInt(x0, 0, levelW),
		Y0: clampInt(y0, 0, levelH),
		X1: clampInt(x1, 0, levelW),
		Y1: clampInt(y1, 0, levelH),
	}

	srcExtent, err := geometry.NewExtent(extent.CRS,
		originX+float64(window.X0)*rx,
		originX+float64(window.X1)*rx,
		originY-float64(window.Y1)*ry,
		originY-float64(window.Y0)*ry,
	)
	if err != nil {
		return window, nil, err
	}
	return window, srcExtent, nil
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
