package provider

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

var testStyle = layer.Style{
	FillColor:   0xFF0000FF, // opaque red
	StrokeColor: 0x00FF00FF,
	StrokeWidth: 1,
	PointRadius: 1,
}

func pixelAt(t *Texture, x, y int) [4]byte {
	i := (y*t.Width + x) * 4
	return [4]byte{t.Data[i], t.Data[i+1], t.Data[i+2], t.Data[i+3]}
}

func TestToUnitMapsIntoTextureSpace(t *testing.T) {
	src := mustExtent(t, "EPSG:3857", 0, 100, 0, 100)

	nw := toUnit(src, orb.Point{0, 100})
	assert.Equal(t, unitPoint{x: 0, y: 0}, nw, "north west maps to the texture origin")

	se := toUnit(src, orb.Point{100, 0})
	assert.Equal(t, unitPoint{x: 1, y: 1}, se)

	center := toUnit(src, orb.Point{50, 50})
	assert.Equal(t, unitPoint{x: 0.5, y: 0.5}, center)
}

func TestBuildDisplayListOps(t *testing.T) {
	src := mustExtent(t, "EPSG:3857", 0, 100, 0, 100)

	geometries := []orb.Geometry{
		orb.Point{10, 10},
		orb.MultiPoint{{10, 10}, {20, 20}},
		orb.LineString{{0, 0}, {100, 100}},
		orb.MultiLineString{{{0, 0}, {50, 50}}, {{50, 50}, {100, 100}}},
		orb.Polygon{{{0, 0}, {100, 0}, {100, 100}, {0, 100}, {0, 0}}},
		orb.MultiPolygon{
			{{{0, 0}, {10, 0}, {10, 10}, {0, 0}}},
			{{{20, 20}, {30, 20}, {30, 30}, {20, 20}}},
		},
	}
	list := buildDisplayList(src, geometries, testStyle)

	kinds := make([]drawKind, 0, len(list.Ops))
	for _, op := range list.Ops {
		kinds = append(kinds, op.kind)
	}
	assert.Equal(t, []drawKind{opPoint, opPoint, opStroke, opStroke, opFill, opFill, opFill}, kinds)

	assert.Len(t, list.Ops[3].rings, 2, "multi line keeps one ring per part")
	assert.Equal(t, src.Fingerprint(), list.SrcExtent.Fingerprint())
}

func TestReplayFillsPolygonInterior(t *testing.T) {
	src := mustExtent(t, "EPSG:3857", 0, 100, 0, 100)
	polygon := orb.Polygon{{{0, 0}, {100, 0}, {100, 100}, {0, 100}, {0, 0}}}
	list := buildDisplayList(src, []orb.Geometry{polygon}, testStyle)

	texture := list.Replay(src, 16, 16)
	require.Equal(t, 16, texture.Width)

	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixelAt(texture, 8, 8), "interior takes the fill color")
}

func TestReplayZoomedDestination(t *testing.T) {
	src := mustExtent(t, "EPSG:3857", 0, 100, 0, 100)
	// small polygon in the south west corner
	polygon := orb.Polygon{{{0, 0}, {25, 0}, {25, 25}, {0, 25}, {0, 0}}}
	list := buildDisplayList(src, []orb.Geometry{polygon}, testStyle)

	// destination covering only the south west quarter: the polygon fills the
	// entire texture
	dst := mustExtent(t, "EPSG:3857", 0, 50, 0, 50)
	texture := list.Replay(dst, 16, 16)

	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixelAt(texture, 3, 12), "polygon interior")
	assert.Equal(t, byte(0), pixelAt(texture, 12, 3)[3], "outside the polygon stays transparent")
}

func TestReplayPoint(t *testing.T) {
	src := mustExtent(t, "EPSG:3857", 0, 100, 0, 100)
	list := buildDisplayList(src, []orb.Geometry{orb.Point{50, 50}}, testStyle)

	texture := list.Replay(src, 16, 16)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixelAt(texture, 8, 8))
	assert.Equal(t, byte(0), pixelAt(texture, 1, 1)[3])
}

func TestDisplayListByteSize(t *testing.T) {
	src := mustExtent(t, "EPSG:3857", 0, 100, 0, 100)
	list := buildDisplayList(src, []orb.Geometry{
		orb.LineString{{0, 0}, {50, 50}, {100, 100}},
	}, testStyle)
	assert.Equal(t, int64(3*16), list.ByteSize())
}
