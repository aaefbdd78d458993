package geometry

// Contains the X, Y, Z components of a point in some coordinate reference system
type Coordinate struct {
	X float64
	Y float64
	Z float64
}

func NewCoordinate(x, y, z float64) *Coordinate {
	return &Coordinate{
		X: x,
		Y: y,
		Z: z,
	}
}
