package geometry

import "math"

// Models a 3D axis aligned bounding box defined by its extremes along the three axes.
// Mid values are persisted to avoid recomputing them during octant lookups.
type BoundingBox struct {
	Xmin float64
	Xmax float64
	Ymin float64
	Ymax float64
	Zmin float64
	Zmax float64
	Xmid float64
	Ymid float64
	Zmid float64
}

// Instantiates a new BoundingBox computing the mid points of the given extremes
func NewBoundingBox(xmin, xmax, ymin, ymax, zmin, zmax float64) *BoundingBox {
	return &BoundingBox{
		Xmin: xmin,
		Xmax: xmax,
		Ymin: ymin,
		Ymax: ymax,
		Zmin: zmin,
		Zmax: zmax,
		Xmid: (xmin + xmax) / 2,
		Ymid: (ymin + ymax) / 2,
		Zmid: (zmin + zmax) / 2,
	}
}

// Returns the bounding box of the given octant of the parent box. Octants are numbered
// from 0 to 7, bit 0 selecting the X half, bit 1 the Y half and bit 2 the Z half.
// The eight octant boxes exactly partition the parent box.
func NewBoundingBoxFromParent(parent *BoundingBox, octant uint8) *BoundingBox {
	xmin, xmax := parent.Xmin, parent.Xmid
	if octant&1 != 0 {
		xmin, xmax = parent.Xmid, parent.Xmax
	}
	ymin, ymax := parent.Ymin, parent.Ymid
	if octant&2 != 0 {
		ymin, ymax = parent.Ymid, parent.Ymax
	}
	zmin, zmax := parent.Zmin, parent.Zmid
	if octant&4 != 0 {
		zmin, zmax = parent.Zmid, parent.Zmax
	}
	return NewBoundingBox(xmin, xmax, ymin, ymax, zmin, zmax)
}

// Returns the octant index that contains the given coordinate within this box
func (b *BoundingBox) Octant(c *Coordinate) uint8 {
	var result uint8 = 0
	if c.X > b.Xmid {
		result += 1
	}
	if c.Y > b.Ymid {
		result += 2
	}
	if c.Z > b.Zmid {
		result += 4
	}
	return result
}

func (b *BoundingBox) Contains(c *Coordinate) bool {
	return c.X >= b.Xmin && c.X <= b.Xmax &&
		c.Y >= b.Ymin && c.Y <= b.Ymax &&
		c.Z >= b.Zmin && c.Z <= b.Zmax
}

// Returns the box extremes as a [xmin, ymin, zmin, xmax, ymax, zmax] array
func (b *BoundingBox) GetAsArray() []float64 {
	return []float64{b.Xmin, b.Ymin, b.Zmin, b.Xmax, b.Ymax, b.Zmax}
}

// Returns the diagonal of the box, used as the base geometric error of a root node
func (b *BoundingBox) Diagonal() float64 {
	w := b.Xmax - b.Xmin
	l := b.Ymax - b.Ymin
	h := b.Zmax - b.Zmin
	return math.Sqrt(w*w + l*l + h*h)
}

// Grows the box so that it also covers other
func (b *BoundingBox) Merge(other *BoundingBox) *BoundingBox {
	return NewBoundingBox(
		math.Min(b.Xmin, other.Xmin),
		math.Max(b.Xmax, other.Xmax),
		math.Min(b.Ymin, other.Ymin),
		math.Max(b.Ymax, other.Ymax),
		math.Min(b.Zmin, other.Zmin),
		math.Max(b.Zmax, other.Zmax),
	)
}
