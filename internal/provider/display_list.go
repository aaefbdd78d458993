package provider

import (
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// A compiled display list: style resolution and tessellation of one source
// tile, with coordinates normalized to the tile's unit square. Built once per
// source tile and replayed against any number of destination transforms, so
// overlapping destination tiles never re-tessellate.
type DisplayList struct {
	SrcExtent *geometry.Extent
	Ops       []drawOp
}

type drawKind int

const (
	opFill drawKind = iota
	opStroke
	opPoint
)

type drawOp struct {
	kind  drawKind
	rings [][]unitPoint
	style layer.Style
}

// Coordinate inside the source tile unit square, x growing east, y growing
// south to match texture space
type unitPoint struct {
	x, y float64
}

func (d *DisplayList) ByteSize() int64 {
	var points int
	for _, op := range d.Ops {
		for _, ring := range op.rings {
			points += len(ring)
		}
	}
	return int64(points * 16)
}

// Builds the display list for the given features against the source extent
func buildDisplayList(src *geometry.Extent, geometries []orb.Geometry, style layer.Style) *DisplayList {
	list := &DisplayList{SrcExtent: src.Clone()}
	for _, g := range geometries {
		appendGeometry(list, src, g, style)
	}
	return list
}

func appendGeometry(list *DisplayList, src *geometry.Extent, g orb.Geometry, style layer.Style) {
	switch v := g.(type) {
	case orb.Point:
		list.Ops = append(list.Ops, drawOp{
			kind:  opPoint,
			rings: [][]unitPoint{{toUnit(src, v)}},
			style: style,
		})
	case orb.MultiPoint:
		ring := make([]unitPoint, 0, len(v))
		for _, pt := range v {
			ring = append(ring, toUnit(src, pt))
		}
		list.Ops = append(list.Ops, drawOp{kind: opPoint, rings: [][]unitPoint{ring}, style: style})
	case orb.LineString:
		list.Ops = append(list.Ops, drawOp{kind: opStroke, rings: [][]unitPoint{toUnitLine(src, v)}, style: style})
	case orb.MultiLineString:
		rings := make([][]unitPoint, 0, len(v))
		for _, ls := range v {
			rings = append(rings, toUnitLine(src, ls))
		}
		list.Ops = append(list.Ops, drawOp{kind: opStroke, rings: rings, style: style})
	case orb.Ring:
		list.Ops = append(list.Ops, drawOp{kind: opFill, rings: [][]unitPoint{toUnitLine(src, orb.LineString(v))}, style: style})
	case orb.Polygon:
		rings := make([][]unitPoint, 0, len(v))
		for _, ring := range v {
			rings = append(rings, toUnitLine(src, orb.LineString(ring)))
		}
		list.Ops = append(list.Ops, drawOp{kind: opFill, rings: rings, style: style})
	case orb.MultiPolygon:
		for _, poly := range v {
			appendGeometry(list, src, poly, style)
		}
	case orb.Collection:
		for _, child := range v {
			appendGeometry(list, src, child, style)
		}
	}
}

func toUnit(src *geometry.Extent, pt orb.Point) unitPoint {
	w, h := src.Dimensions()
	return unitPoint{
		x: (pt[0] - src.West) / w,
		y: (src.North - pt[1]) / h,
	}
}

func toUnitLine(src *geometry.Extent, ls orb.LineString) []unitPoint {
	out := make([]unitPoint, 0, len(ls))
	for _, pt := range ls {
		out = append(out, toUnit(src, pt))
	}
	return out
}

// Replays the display list against a destination transform, rasterizing into
// a width by height RGBA texture covering dst.
func (d *DisplayList) Replay(dst *geometry.Extent, width, height int) *Texture {
	texture := &Texture{Width: width, Height: height, Data: make([]byte, width*height*4)}

	// affine from source unit square to destination pixels
	pitch, err := d.SrcExtent.OffsetToParent(dst)
	if err != nil {
		return texture
	}
	toPixel := func(p unitPoint) (float64, float64) {
		return (pitch.X + p.x*pitch.ScaleX) * float64(width),
			(pitch.Y + p.y*pitch.ScaleY) * float64(height)
	}

	for _, op := range d.Ops {
		switch op.kind {
		case opFill:
			fillRings(texture, op.rings, toPixel, op.style.FillColor)
			for _, ring := range op.rings {
				strokeLine(texture, ring, toPixel, op.style.StrokeColor, op.style.StrokeWidth)
			}
		case opStroke:
			for _, ring := range op.rings {
				strokeLine(texture, ring, toPixel, op.style.StrokeColor, op.style.StrokeWidth)
			}
		case opPoint:
			for _, ring := range op.rings {
				for _, pt := range ring {
					x, y := toPixel(pt)
					fillSquare(texture, x, y, op.style.PointRadius, op.style.FillColor)
				}
			}
		}
	}
	return texture
}

// Even-odd scanline fill over all rings of one polygon
func fillRings(t *Texture, rings [][]unitPoint, toPixel func(unitPoint) (float64, float64), rgba uint32) {
	type edge struct{ x0, y0, x1, y1 float64 }
	var edges []edge
	for _, ring := range rings {
		for i := 0; i < len(ring); i++ {
			x0, y0 := toPixel(ring[i])
			x1, y1 := toPixel(ring[(i+1)%len(ring)])
			if y0 != y1 {
				edges = append(edges, edge{x0, y0, x1, y1})
			}
		}
	}

	for py := 0; py < t.Height; py++ {
		scanY := float64(py) + 0.5
		var crossings []float64
		for _, e := range edges {
			ymin, ymax := e.y0, e.y1
			if ymin > ymax {
				ymin, ymax = ymax, ymin
			}
			if scanY < ymin || scanY >= ymax {
				continue
			}
			tt := (scanY - e.y0) / (e.y1 - e.y0)
			crossings = append(crossings, e.x0+tt*(e.x1-e.x0))
		}
		sort.Float64s(crossings)
		for i := 0; i+1 < len(crossings); i += 2 {
			x0 := int(math.Ceil(crossings[i] - 0.5))
			x1 := int(math.Floor(crossings[i+1] - 0.5))
			for px := maxInt(x0, 0); px <= minInt(x1, t.Width-1); px++ {
				setPixel(t, px, py, rgba)
			}
		}
	}
}

// DDA stroke with a square brush of the given width
func strokeLine(t *Texture, line []unitPoint, toPixel func(unitPoint) (float64, float64), rgba uint32, width float64) {
	if width <= 0 {
		width = 1
	}
	for i := 0; i+1 < len(line); i++ {
		x0, y0 := toPixel(line[i])
		x1, y1 := toPixel(line[i+1])
		steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))) + 1
		for s := 0; s <= steps; s++ {
			tt := float64(s) / float64(steps)
			fillSquare(t, x0+tt*(x1-x0), y0+tt*(y1-y0), width/2, rgba)
		}
	}
}

func fillSquare(t *Texture, cx, cy, radius float64, rgba uint32) {
	if radius < 0.5 {
		radius = 0.5
	}
	for py := int(cy - radius); py <= int(cy+radius); py++ {
		for px := int(cx - radius); px <= int(cx+radius); px++ {
			if px >= 0 && px < t.Width && py >= 0 && py < t.Height {
				setPixel(t, px, py, rgba)
			}
		}
	}
}

func setPixel(t *Texture, x, y int, rgba uint32) {
	i := (y*t.Width + x) * 4
	t.Data[i] = byte(rgba >> 24)
	t.Data[i+1] = byte(rgba >> 16)
	t.Data[i+2] = byte(rgba >> 8)
	t.Data[i+3] = byte(rgba)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
