package geometry

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Number of decimals kept when serializing extent coordinates into cache keys.
// Sub-nanodegree differences must not produce distinct keys.
const fingerprintPrecision = 9

// Reprojects extents between named coordinate reference systems. Implemented by
// the converters package; kept as a narrow interface here to avoid an import cycle.
type Reprojector interface {
	ReprojectExtent(e *Extent, targetCRS string) (*Extent, error)
}

// Models an axis aligned 2D bounding region in a named coordinate reference system.
// Used as the spatial addressing key throughout the scheduling core.
type Extent struct {
	CRS   string
	West  float64
	East  float64
	South float64
	North float64
}

// Instantiates a new Extent. Malformed or zero-area regions are rejected here so
// that downstream geometry code never has to deal with degenerate rectangles.
func NewExtent(crs string, west, east, south, north float64) (*Extent, error) {
	if crs == "" {
		return nil, fmt.Errorf("extent: missing crs")
	}
	for _, v := range []float64{west, east, south, north} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("extent: non finite bound in (%v, %v, %v, %v)", west, east, south, north)
		}
	}
	if west > east || south > north {
		return nil, fmt.Errorf("extent: inverted bounds (west %v > east %v or south %v > north %v)", west, east, south, north)
	}
	if west == east || south == north {
		return nil, fmt.Errorf("extent: zero area bounds (%v, %v, %v, %v)", west, east, south, north)
	}
	return &Extent{CRS: crs, West: west, East: east, South: south, North: north}, nil
}

func MustNewExtent(crs string, west, east, south, north float64) *Extent {
	e, err := NewExtent(crs, west, east, south, north)
	if err != nil {
		panic(err)
	}
	return e
}

// Returns an independent copy. Extents captured by async closures must be cloned
// to avoid races with mutators running on the scheduling thread.
func (e *Extent) Clone() *Extent {
	clone := *e
	return &clone
}

func (e *Extent) Dimensions() (width, height float64) {
	return e.East - e.West, e.North - e.South
}

func (e *Extent) Center() (x, y float64) {
	return (e.West + e.East) / 2, (e.South + e.North) / 2
}

// True if the two regions overlap. Both extents must share the same CRS.
func (e *Extent) Intersects(other *Extent) bool {
	if other == nil || e.CRS != other.CRS {
		return false
	}
	return e.West < other.East && e.East > other.West &&
		e.South < other.North && e.North > other.South
}

// Returns the overlapping region of the two extents, or an error if they are
// disjoint or in different reference systems.
func (e *Extent) Intersect(other *Extent) (*Extent, error) {
	if other == nil || e.CRS != other.CRS {
		return nil, fmt.Errorf("extent: cannot intersect %q with %q", e.CRS, other.crsOrNil())
	}
	if !e.Intersects(other) {
		return nil, fmt.Errorf("extent: no intersection")
	}
	return NewExtent(e.CRS,
		math.Max(e.West, other.West),
		math.Min(e.East, other.East),
		math.Max(e.South, other.South),
		math.Min(e.North, other.North),
	)
}

// True if this extent is fully contained in other, reprojecting this extent to
// the CRS of other when they differ. An unsupported CRS pair is a hard error.
func (e *Extent) IsInside(other *Extent, r Reprojector) (bool, error) {
	if other == nil {
		return false, fmt.Errorf("extent: nil container")
	}
	self := e
	if e.CRS != other.CRS {
		if r == nil {
			return false, fmt.Errorf("extent: cannot compare %q against %q without a reprojector", e.CRS, other.CRS)
		}
		reprojected, err := r.ReprojectExtent(e, other.CRS)
		if err != nil {
			return false, fmt.Errorf("extent: reprojection to %q failed: %w", other.CRS, err)
		}
		self = reprojected
	}
	const eps = 1e-9
	return self.West >= other.West-eps && self.East <= other.East+eps &&
		self.South >= other.South-eps && self.North <= other.North+eps, nil
}

// Grows this extent in place so that it also covers other
func (e *Extent) UnionWith(other *Extent) error {
	if other == nil || e.CRS != other.CRS {
		return fmt.Errorf("extent: cannot union %q with %q", e.CRS, other.crsOrNil())
	}
	e.West = math.Min(e.West, other.West)
	e.East = math.Max(e.East, other.East)
	e.South = math.Min(e.South, other.South)
	e.North = math.Max(e.North, other.North)
	return nil
}

// Splits this extent into a nx by ny grid of sub extents, west to east then south
// to north. Used to derive the extents of a tile's children.
func (e *Extent) Split(nx, ny int) ([]*Extent, error) {
	if nx < 1 || ny < 1 {
		return nil, fmt.Errorf("extent: invalid split %dx%d", nx, ny)
	}
	width, height := e.Dimensions()
	dx := width / float64(nx)
	dy := height / float64(ny)
	result := make([]*Extent, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			sub, err := NewExtent(e.CRS,
				e.West+float64(i)*dx,
				e.West+float64(i+1)*dx,
				e.South+float64(j)*dy,
				e.South+float64(j+1)*dy,
			)
			if err != nil {
				return nil, err
			}
			result = append(result, sub)
		}
	}
	return result, nil
}

// Describes where a child extent sits inside the unit square of a parent extent.
// Scale factors below one mean the child covers only a fraction of the parent,
// which lets a coarser parent texture be UV remapped onto the child while the
// finer data is still loading.
type Pitch struct {
	X      float64
	Y      float64
	ScaleX float64
	ScaleY float64
}

// Identity pitch, covering the whole destination tile
func FullPitch() Pitch {
	return Pitch{X: 0, Y: 0, ScaleX: 1, ScaleY: 1}
}

// Returns the normalized placement of this extent inside parent. The origin is
// the north west corner of parent, matching texture space.
func (e *Extent) OffsetToParent(parent *Extent) (Pitch, error) {
	if parent == nil || e.CRS != parent.CRS {
		return Pitch{}, fmt.Errorf("extent: cannot compute pitch of %q inside %q", e.CRS, parent.crsOrNil())
	}
	pw, ph := parent.Dimensions()
	w, h := e.Dimensions()
	return Pitch{
		X:      (e.West - parent.West) / pw,
		Y:      (parent.North - e.North) / ph,
		ScaleX: w / pw,
		ScaleY: h / ph,
	}, nil
}

// Returns a stable string form of the extent used as a cache key component.
// Coordinates go through fixed precision decimals so that float formatting
// jitter never produces two keys for the same region.
func (e *Extent) Fingerprint() string {
	return e.CRS + ";" +
		decimal.NewFromFloat(e.West).StringFixed(fingerprintPrecision) + ";" +
		decimal.NewFromFloat(e.East).StringFixed(fingerprintPrecision) + ";" +
		decimal.NewFromFloat(e.South).StringFixed(fingerprintPrecision) + ";" +
		decimal.NewFromFloat(e.North).StringFixed(fingerprintPrecision)
}

func (e *Extent) String() string {
	return fmt.Sprintf("%s [%g, %g, %g, %g]", e.CRS, e.West, e.East, e.South, e.North)
}

func (e *Extent) crsOrNil() string {
	if e == nil {
		return "<nil>"
	}
	return e.CRS
}
