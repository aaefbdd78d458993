package converters

import (
	"github.com/ecopia-map/tile_scheduler/internal/geometry"
)

type CoordinateConverter interface {
	geometry.Reprojector

	// Converts the given coordinate between the two EPSG reference systems
	ConvertCoordinateSrid(sourceSrid int, targetSrid int, coord geometry.Coordinate) (geometry.Coordinate, error)

	// Releases the projection resources held by the converter
	Cleanup()
}
