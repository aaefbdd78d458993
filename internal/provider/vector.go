package provider

import (
	"context"
	"fmt"
	"math"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Pixel size of rasterized vector tiles
const vectorTileSize = 256

// Source tiles are built on a fixed grid coarser than destination tiles, so
// one tessellation serves several overlapping destinations.
const vectorSourceGridLevel = 3

// Rasterizes vector features from a FlatGeobuf source into tile textures.
// Tessellation and style resolution happen once per source tile (builder);
// the compiled display list is replayed against each destination transform
// (executor) through the shared cache.
type VectorProvider struct {
	deps Deps
}

func NewVectorProvider(deps Deps) *VectorProvider {
	return &VectorProvider{deps: deps}
}

func (p *VectorProvider) Kind() layer.Kind {
	return layer.KindVector
}

type vectorMeta struct {
	fgb *flatgeobuf.FlatGeoBuf
}

type VectorSelection struct {
	SrcExtent  *geometry.Extent
	DestExtent *geometry.Extent
	Level      int
}

func (s VectorSelection) Key() string {
	return "vector/" + s.DestExtent.Fingerprint()
}

func (p *VectorProvider) Preprocess(ctx context.Context, l *layer.Layer) error {
	data, err := p.deps.Fetcher.Fetch(ctx, l.URL, l.NetworkOptions)
	if err != nil {
		return fmt.Errorf("vector: source fetch of layer %s failed: %w", l.Id, err)
	}

	fgb, err := flatgeobuf.NewWithData(data)
	if err != nil {
		return fmt.Errorf("vector: malformed flatgeobuf source of layer %s: %w", l.Id, err)
	}
	header := fgb.Header()
	if header == nil {
		return fmt.Errorf("vector: layer %s source has no header", l.Id)
	}
	if header.IndexNodeSize() == 0 {
		return fmt.Errorf("vector: layer %s source has no spatial index", l.Id)
	}
	if header.EnvelopeLength() < 4 {
		return fmt.Errorf("vector: layer %s source has no envelope", l.Id)
	}

	crs := l.CRS
	var headerCrs flattypes.Crs
	if header.Crs(&headerCrs) != nil && headerCrs.Code() != 0 {
		crs = fmt.Sprintf("EPSG:%d", headerCrs.Code())
	}

	computed, err := geometry.NewExtent(crs,
		header.Envelope(0), header.Envelope(2), header.Envelope(1), header.Envelope(3))
	if err != nil {
		return fmt.Errorf("vector: layer %s envelope: %w", l.Id, err)
	}

	l.Meta = &vectorMeta{fgb: fgb}
	l.ComputedExtent = computed
	l.Attached = true
	return nil
}

func (p *VectorProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	if l.ComputedExtent == nil || !extent.Intersects(l.ComputedExtent) {
		return false
	}
	if l.Zoom.Max != 0 && level > l.Zoom.Max {
		return false
	}
	return level >= l.Zoom.Min
}

func (p *VectorProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State) {
	if _, ok := l.Meta.(*vectorMeta); !ok {
		return nil, StateNotAvailableYet
	}
	if !extent.Intersects(l.ComputedExtent) {
		return nil, StateUnavailable
	}
	if current.Loaded && current.Extent != nil && current.Extent.Fingerprint() == extent.Fingerprint() {
		return nil, StateAlreadyLoaded
	}

	src, err := p.sourceTileFor(l, extent)
	if err != nil {
		return nil, StateUnavailable
	}
	return VectorSelection{SrcExtent: src, DestExtent: extent.Clone()}, StatePending
}

func (p *VectorProvider) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	sel, ok := cmd.Selection.(VectorSelection)
	if !ok {
		return nil, fmt.Errorf("vector: unexpected selection %T", cmd.Selection)
	}
	meta, ok := cmd.Layer.Meta.(*vectorMeta)
	if !ok {
		return nil, fmt.Errorf("vector: layer %s not preprocessed", cmd.Layer.Id)
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	list, err := p.displayListFor(ctx, cmd.Layer, meta, sel.SrcExtent)
	if err != nil {
		return nil, err
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	texture := list.Replay(sel.DestExtent, vectorTileSize, vectorTileSize)
	return &Result{Texture: texture, Pitch: geometry.FullPitch(), Extent: sel.DestExtent}, nil
}

// Returns the compiled display list of the source tile, building it at most
// once per tile through the shared cache.
func (p *VectorProvider) displayListFor(ctx context.Context, l *layer.Layer, meta *vectorMeta, src *geometry.Extent) (*DisplayList, error) {
	key := l.KeyPrefix() + "dlist/" + src.Fingerprint()

	value, found, pending, owner := p.deps.Cache.GetOrBegin(key, cache.PolicyDefault)
	if found {
		return value.(*DisplayList), nil
	}
	if !owner {
		settled, err := pending.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return settled.(*DisplayList), nil
	}

	geometries, err := p.search(meta, src)
	if err != nil {
		pending.Reject(err)
		return nil, err
	}
	list := buildDisplayList(src, geometries, l.Style)
	pending.Resolve(list)
	return list, nil
}

func (p *VectorProvider) search(meta *vectorMeta, extent *geometry.Extent) ([]orb.Geometry, error) {
	features, err := meta.fgb.Search(extent.West, extent.South, extent.East, extent.North)
	if err != nil {
		return nil, fmt.Errorf("vector: index search failed: %w", err)
	}

	geometries := make([]orb.Geometry, 0, len(features))
	for _, feature := range features {
		var geomObj flattypes.Geometry
		fgbGeom := feature.Geometry(&geomObj)
		if fgbGeom == nil {
			continue
		}
		if g := orbGeometryFromFGB(fgbGeom); g != nil {
			geometries = append(geometries, g)
		}
	}
	return geometries, nil
}

// Snaps an extent to the fixed source tile grid over the layer extent
func (p *VectorProvider) sourceTileFor(l *layer.Layer, extent *geometry.Extent) (*geometry.Extent, error) {
	n := float64(int(1) << uint(vectorSourceGridLevel))
	layerW, layerH := l.ComputedExtent.Dimensions()
	cx, cy := extent.Center()
	i := math.Floor(n * (cx - l.ComputedExtent.West) / layerW)
	j := math.Floor(n * (l.ComputedExtent.North - cy) / layerH)
	i = math.Max(0, math.Min(n-1, i))
	j = math.Max(0, math.Min(n-1, j))

	dx := layerW / n
	dy := layerH / n
	west := l.ComputedExtent.West + i*dx
	north := l.ComputedExtent.North - j*dy
	return geometry.NewExtent(l.ComputedExtent.CRS, west, west+dx, north-dy, north)
}

// Conversion from FlatGeobuf geometry records to orb geometries. Only 2D
// coordinates are read, Z/M columns are ignored.
func orbGeometryFromFGB(fgbGeom *flattypes.Geometry) orb.Geometry {
	switch fgbGeom.Type() {
	case flattypes.GeometryTypePoint:
		if fgbGeom.XyLength() < 2 {
			return nil
		}
		return orb.Point{fgbGeom.Xy(0), fgbGeom.Xy(1)}

	case flattypes.GeometryTypeMultiPoint:
		return orb.MultiPoint(pointsFromXY(fgbGeom))

	case flattypes.GeometryTypeLineString:
		return orb.LineString(pointsFromXY(fgbGeom))

	case flattypes.GeometryTypeMultiLineString:
		parts := splitByEnds(fgbGeom)
		mls := make(orb.MultiLineString, 0, len(parts))
		for _, part := range parts {
			mls = append(mls, orb.LineString(part))
		}
		return mls

	case flattypes.GeometryTypePolygon:
		parts := splitByEnds(fgbGeom)
		poly := make(orb.Polygon, 0, len(parts))
		for _, part := range parts {
			poly = append(poly, orb.Ring(part))
		}
		return poly

	case flattypes.GeometryTypeMultiPolygon:
		partsLen := fgbGeom.PartsLength()
		mp := make(orb.MultiPolygon, 0, partsLen)
		for i := 0; i < partsLen; i++ {
			var part flattypes.Geometry
			if fgbGeom.Parts(&part, i) {
				if poly, ok := orbGeometryFromFGB(&part).(orb.Polygon); ok {
					mp = append(mp, poly)
				}
			}
		}
		return mp
	}
	return nil
}

func pointsFromXY(fgbGeom *flattypes.Geometry) []orb.Point {
	xyLen := fgbGeom.XyLength()
	points := make([]orb.Point, 0, xyLen/2)
	for i := 0; i+1 < xyLen; i += 2 {
		points = append(points, orb.Point{fgbGeom.Xy(i), fgbGeom.Xy(i + 1)})
	}
	return points
}

// Splits the flat coordinate array into rings/lines at the end markers. A
// missing ends array means a single part.
func splitByEnds(fgbGeom *flattypes.Geometry) [][]orb.Point {
	points := pointsFromXY(fgbGeom)
	endsLen := fgbGeom.EndsLength()
	if endsLen == 0 {
		return [][]orb.Point{points}
	}

	parts := make([][]orb.Point, 0, endsLen)
	start := uint32(0)
	for i := 0; i < endsLen; i++ {
		end := fgbGeom.Ends(i)
		if int(end) > len(points) {
			end = uint32(len(points))
		}
		parts = append(parts, points[start:end])
		start = end
	}
	return parts
}
