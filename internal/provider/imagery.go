package provider

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Pyramid ceiling applied when the layer leaves Zoom.Max unset
const defaultMaxZoom = 18

// Serves tiled imagery pyramids addressed by {z}/{x}/{y} URL templates. Tiles
// at level z divide the layer extent into a 2^z by 2^z grid.
type ImageryProvider struct {
	deps Deps
}

func NewImageryProvider(deps Deps) *ImageryProvider {
	return &ImageryProvider{deps: deps}
}

func (p *ImageryProvider) Kind() layer.Kind {
	return layer.KindImagery
}

// Identifies one tile of the layer pyramid plus the extent of the requesting
// tile, so that execution can compute the UV placement of the fetched texture.
type TileSelection struct {
	Z          int
	X          int
	Y          int
	TileExtent *geometry.Extent
	DestExtent *geometry.Extent
}

func (s TileSelection) Key() string {
	return fmt.Sprintf("tile/%d/%d/%d", s.Z, s.X, s.Y)
}

func (p *ImageryProvider) Preprocess(ctx context.Context, l *layer.Layer) error {
	if !strings.Contains(l.URL, "{z}") || !strings.Contains(l.URL, "{x}") ||
		(!strings.Contains(l.URL, "{y}") && !strings.Contains(l.URL, "{-y}")) {
		return fmt.Errorf("imagery: layer %s url %q misses {z}/{x}/{y} placeholders", l.Id, l.URL)
	}
	if l.Extent == nil {
		return fmt.Errorf("imagery: layer %s misses extent", l.Id)
	}
	if l.Zoom.Max == 0 {
		l.Zoom.Max = defaultMaxZoom
	}
	l.ComputedExtent = l.Extent.Clone()
	l.Attached = true
	return nil
}

func (p *ImageryProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	if l.ComputedExtent == nil || !extent.Intersects(l.ComputedExtent) {
		return false
	}
	return level >= l.Zoom.Min && level <= l.Zoom.Max
}

func (p *ImageryProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State) {
	if err := validatePreprocessed(l); err != nil {
		return nil, StateNotAvailableYet
	}

	ideal := p.idealLevel(l, extent)
	if ideal > l.Zoom.Max {
		ideal = l.Zoom.Max
	}
	if ideal < l.Zoom.Min {
		ideal = l.Zoom.Min
	}
	if !p.TileInsideLimit(extent, ideal, l) {
		return nil, StateUnavailable
	}
	if current.Loaded && current.Level >= ideal {
		return nil, StateAlreadyLoaded
	}

	from := current.Level
	if !current.Loaded {
		from = l.Zoom.Min - 1
		if from < -1 {
			from = -1
		}
	}
	next := l.UpdateStrategy.NextLevel(from, ideal)
	if next < l.Zoom.Min {
		next = l.Zoom.Min
	}

	z, x, y := p.tileAt(l, extent, next)
	tileExtent, err := p.tileExtent(l, z, x, y)
	if err != nil {
		return nil, StateUnavailable
	}
	return TileSelection{Z: z, X: x, Y: y, TileExtent: tileExtent, DestExtent: extent.Clone()}, StatePending
}

func (p *ImageryProvider) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	sel, ok := cmd.Selection.(TileSelection)
	if !ok {
		return nil, fmt.Errorf("imagery: unexpected selection %T", cmd.Selection)
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	url := expandTileURL(cmd.Layer.URL, sel.Z, sel.X, sel.Y)
	data, err := p.deps.Fetcher.Fetch(ctx, url, cmd.Layer.NetworkOptions)
	if err != nil {
		return nil, err
	}

	texture, err := p.deps.DecodeTexture(data)
	if err != nil {
		return nil, fmt.Errorf("imagery: decode of %s failed: %w", url, err)
	}

	if requesterGone(cmd) {
		return nil, nil
	}

	// a tile coarser than the destination is reused by UV remapping the
	// destination sub rectangle of the fetched texture
	pitch := geometry.FullPitch()
	if sel.DestExtent != nil {
		if offset, err := sel.DestExtent.OffsetToParent(sel.TileExtent); err == nil {
			pitch = offset
		}
	}

	return &Result{Texture: texture, Pitch: pitch, Extent: sel.TileExtent}, nil
}

// Level at which one tile of the layer pyramid roughly matches the width of
// the requested extent
func (p *ImageryProvider) idealLevel(l *layer.Layer, extent *geometry.Extent) int {
	layerWidth, _ := l.ComputedExtent.Dimensions()
	width, _ := extent.Dimensions()
	if width <= 0 {
		return l.Zoom.Max
	}
	return int(math.Round(math.Log2(layerWidth / width)))
}

// Tile coordinates containing the center of extent at the given level
func (p *ImageryProvider) tileAt(l *layer.Layer, extent *geometry.Extent, level int) (z, x, y int) {
	n := 1 << uint(level)
	layerWidth, layerHeight := l.ComputedExtent.Dimensions()
	cx, cy := extent.Center()
	x = int(float64(n) * (cx - l.ComputedExtent.West) / layerWidth)
	// tile rows grow southwards, matching texture space
	y = int(float64(n) * (l.ComputedExtent.North - cy) / layerHeight)
	x = clampInt(x, 0, n-1)
	y = clampInt(y, 0, n-1)
	return level, x, y
}

func (p *ImageryProvider) tileExtent(l *layer.Layer, z, x, y int) (*geometry.Extent, error) {
	n := float64(int(1) << uint(z))
	layerWidth, layerHeight := l.ComputedExtent.Dimensions()
	dx := layerWidth / n
	dy := layerHeight / n
	west := l.ComputedExtent.West + float64(x)*dx
	north := l.ComputedExtent.North - float64(y)*dy
	return geometry.NewExtent(l.ComputedExtent.CRS, west, west+dx, north-dy, north)
}

// Expands {z}, {x}, {y} and the TMS style {-y} placeholders of a tile URL
func expandTileURL(template string, z, x, y int) string {
	url := template
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(z))
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(x))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(y))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa(int(1<<uint(z))-1-y))
	return url
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
