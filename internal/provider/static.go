package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Serves a fixed set of georeferenced source images described by a JSON
// manifest. Selection picks the best image for an extent: the smallest image
// fully containing it, falling back to the image with the greatest
// intersection area, tie-broken by smallest image.
type StaticProvider struct {
	deps Deps
}

func NewStaticProvider(deps Deps) *StaticProvider {
	return &StaticProvider{deps: deps}
}

func (p *StaticProvider) Kind() layer.Kind {
	return layer.KindStatic
}

type staticManifest struct {
	CRS    string `json:"crs"`
	Images []struct {
		URL    string     `json:"url"`
		Extent [4]float64 `json:"extent"` // west, east, south, north
	} `json:"images"`
}

type sourceImage struct {
	url    string
	extent *geometry.Extent
	bound  orb.Bound
	area   float64
}

// Spatial index over the source images, sorted by ascending area so that the
// first full-containment hit is also the smallest candidate.
type staticIndex struct {
	images []sourceImage
}

type ImageSelection struct {
	URL        string
	SrcExtent  *geometry.Extent
	DestExtent *geometry.Extent
}

func (s ImageSelection) Key() string {
	return "static/" + s.URL
}

func (p *StaticProvider) Preprocess(ctx context.Context, l *layer.Layer) error {
	data, err := p.deps.Fetcher.Fetch(ctx, l.URL, l.NetworkOptions)
	if err != nil {
		return fmt.Errorf("static: manifest fetch of layer %s failed: %w", l.Id, err)
	}

	var manifest staticManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("static: malformed manifest of layer %s: %w", l.Id, err)
	}
	if len(manifest.Images) == 0 {
		return fmt.Errorf("static: layer %s manifest lists no images", l.Id)
	}
	crs := manifest.CRS
	if crs == "" {
		crs = l.CRS
	}

	index := &staticIndex{images: make([]sourceImage, 0, len(manifest.Images))}
	var computed *geometry.Extent
	for i, img := range manifest.Images {
		if img.URL == "" {
			return fmt.Errorf("static: layer %s image %d misses url", l.Id, i)
		}
		extent, err := geometry.NewExtent(crs, img.Extent[0], img.Extent[1], img.Extent[2], img.Extent[3])
		if err != nil {
			return fmt.Errorf("static: layer %s image %d: %w", l.Id, i, err)
		}
		bound := orb.Bound{
			Min: orb.Point{extent.West, extent.South},
			Max: orb.Point{extent.East, extent.North},
		}
		index.images = append(index.images, sourceImage{
			url:    img.URL,
			extent: extent,
			bound:  bound,
			area:   planar.Area(bound),
		})
		if computed == nil {
			computed = extent.Clone()
		} else if err := computed.UnionWith(extent); err != nil {
			return err
		}
	}
	index.sortByArea()

	l.Meta = index
	l.ComputedExtent = computed
	l.Attached = true
	return nil
}

func (p *StaticProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	return l.ComputedExtent != nil && extent.Intersects(l.ComputedExtent)
}

func (p *StaticProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State) {
	index, ok := l.Meta.(*staticIndex)
	if !ok {
		return nil, StateNotAvailableYet
	}

	best := index.bestFor(extent)
	if best == nil {
		return nil, StateUnavailable
	}
	if current.Loaded && current.Extent != nil && current.Extent.Fingerprint() == best.extent.Fingerprint() {
		return nil, StateAlreadyLoaded
	}
	return ImageSelection{URL: best.url, SrcExtent: best.extent.Clone(), DestExtent: extent.Clone()}, StatePending
}

func (p *StaticProvider) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	sel, ok := cmd.Selection.(ImageSelection)
	if !ok {
		return nil, fmt.Errorf("static: unexpected selection %T", cmd.Selection)
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	data, err := p.deps.Fetcher.Fetch(ctx, sel.URL, cmd.Layer.NetworkOptions)
	if err != nil {
		return nil, err
	}
	texture, err := p.deps.DecodeTexture(data)
	if err != nil {
		return nil, fmt.Errorf("static: decode of %s failed: %w", sel.URL, err)
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	pitch := geometry.FullPitch()
	if offset, err := sel.DestExtent.OffsetToParent(sel.SrcExtent); err == nil {
		pitch = offset
	}
	return &Result{Texture: texture, Pitch: pitch, Extent: sel.SrcExtent}, nil
}

func (idx *staticIndex) sortByArea() {
	// insertion sort keeps the tiny manifest case allocation free
	for i := 1; i < len(idx.images); i++ {
		for j := i; j > 0 && idx.images[j].area < idx.images[j-1].area; j-- {
			idx.images[j], idx.images[j-1] = idx.images[j-1], idx.images[j]
		}
	}
}

// Returns the best source image for the extent, or nil when no image overlaps
func (idx *staticIndex) bestFor(extent *geometry.Extent) *sourceImage {
	query := orb.Bound{
		Min: orb.Point{extent.West, extent.South},
		Max: orb.Point{extent.East, extent.North},
	}

	var fallback *sourceImage
	fallbackOverlap := 0.0
	for i := range idx.images {
		img := &idx.images[i]
		if !img.bound.Intersects(query) {
			continue
		}
		if containsBound(img.bound, query) {
			// ascending area order: first containment hit is the smallest
			return img
		}
		overlap := intersectionArea(img.bound, query)
		if overlap > fallbackOverlap || (overlap == fallbackOverlap && fallback != nil && img.area < fallback.area) {
			fallback = img
			fallbackOverlap = overlap
		}
	}
	return fallback
}

func containsBound(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && outer.Min[1] <= inner.Min[1] &&
		outer.Max[0] >= inner.Max[0] && outer.Max[1] >= inner.Max[1]
}

func intersectionArea(a, b orb.Bound) float64 {
	w := math.Min(a.Max[0], b.Max[0]) - math.Max(a.Min[0], b.Min[0])
	h := math.Min(a.Max[1], b.Max[1]) - math.Max(a.Min[1], b.Min[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}
