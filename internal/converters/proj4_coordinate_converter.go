package converters

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	proj "github.com/xeonx/proj4"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
)

const degToRad = math.Pi / 180
const radToDeg = 180 / math.Pi

// Proj4 definitions for the reference systems supported out of the box. Additional
// systems can be added through RegisterSrid before any conversion takes place.
var defaultProjDefinitions = map[int]string{
	4326: "+proj=longlat +datum=WGS84 +no_defs",
	3857: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +nadgrids=@null +wgs84=0,0,0,0,0,0,0 +no_defs",
	3395: "+proj=merc +lon_0=0 +k=1 +x_0=0 +y_0=0 +datum=WGS84 +units=m +no_defs",
}

type Proj4CoordinateConverter struct {
	definitions map[int]string
	projections map[int]*proj.Proj
	sync.Mutex
}

func NewProj4CoordinateConverter() *Proj4CoordinateConverter {
	definitions := make(map[int]string, len(defaultProjDefinitions))
	for srid, def := range defaultProjDefinitions {
		definitions[srid] = def
	}
	return &Proj4CoordinateConverter{
		definitions: definitions,
		projections: make(map[int]*proj.Proj),
	}
}

// Makes the given proj4 definition available under the given EPSG code
func (c *Proj4CoordinateConverter) RegisterSrid(srid int, proj4Definition string) {
	c.Lock()
	defer c.Unlock()
	c.definitions[srid] = proj4Definition
}

func (c *Proj4CoordinateConverter) ConvertCoordinateSrid(sourceSrid int, targetSrid int, coord geometry.Coordinate) (geometry.Coordinate, error) {
	if sourceSrid == targetSrid {
		return coord, nil
	}

	src, err := c.getProjection(sourceSrid)
	if err != nil {
		return coord, err
	}
	dst, err := c.getProjection(targetSrid)
	if err != nil {
		return coord, err
	}

	x := []float64{coord.X}
	y := []float64{coord.Y}
	z := []float64{coord.Z}
	if src.IsLatLong() {
		x[0] *= degToRad
		y[0] *= degToRad
	}

	if err := proj.TransformRaw(src, dst, x, y, z); err != nil {
		return coord, fmt.Errorf("converters: transform from %d to %d failed: %w", sourceSrid, targetSrid, err)
	}

	if dst.IsLatLong() {
		x[0] *= radToDeg
		y[0] *= radToDeg
	}

	return geometry.Coordinate{X: x[0], Y: y[0], Z: z[0]}, nil
}

// Reprojects the extent by transforming its four corners and taking the axis
// aligned hull of the results. The hull over-covers for projections that bend
// the edges, which is acceptable for scheduling decisions.
func (c *Proj4CoordinateConverter) ReprojectExtent(e *geometry.Extent, targetCRS string) (*geometry.Extent, error) {
	sourceSrid, err := SridFromCRS(e.CRS)
	if err != nil {
		return nil, err
	}
	targetSrid, err := SridFromCRS(targetCRS)
	if err != nil {
		return nil, err
	}
	if sourceSrid == targetSrid {
		return e.Clone(), nil
	}

	corners := []geometry.Coordinate{
		{X: e.West, Y: e.South},
		{X: e.East, Y: e.South},
		{X: e.West, Y: e.North},
		{X: e.East, Y: e.North},
	}

	west, south := math.Inf(1), math.Inf(1)
	east, north := math.Inf(-1), math.Inf(-1)
	for _, corner := range corners {
		out, err := c.ConvertCoordinateSrid(sourceSrid, targetSrid, corner)
		if err != nil {
			return nil, err
		}
		west = math.Min(west, out.X)
		east = math.Max(east, out.X)
		south = math.Min(south, out.Y)
		north = math.Max(north, out.Y)
	}

	return geometry.NewExtent(targetCRS, west, east, south, north)
}

func (c *Proj4CoordinateConverter) Cleanup() {
	c.Lock()
	defer c.Unlock()
	for _, projection := range c.projections {
		projection.Close()
	}
	c.projections = make(map[int]*proj.Proj)
}

// Returns the initialized projection for the given srid, initializing it on
// first use. Unknown srids are a hard error, never a silent fallback.
func (c *Proj4CoordinateConverter) getProjection(srid int) (*proj.Proj, error) {
	c.Lock()
	defer c.Unlock()

	if projection, ok := c.projections[srid]; ok {
		return projection, nil
	}

	definition, ok := c.definitions[srid]
	if !ok {
		return nil, fmt.Errorf("converters: unsupported srid %d", srid)
	}

	projection, err := proj.InitPlus(definition)
	if err != nil {
		return nil, fmt.Errorf("converters: init of srid %d failed: %w", srid, err)
	}
	c.projections[srid] = projection

	return projection, nil
}

// Parses CRS names of the form "EPSG:4326" into their numeric srid
func SridFromCRS(crs string) (int, error) {
	name := strings.TrimSpace(strings.ToUpper(crs))
	if !strings.HasPrefix(name, "EPSG:") {
		return 0, fmt.Errorf("converters: unsupported crs %q", crs)
	}
	srid, err := strconv.Atoi(strings.TrimPrefix(name, "EPSG:"))
	if err != nil {
		return 0, fmt.Errorf("converters: malformed crs %q", crs)
	}
	return srid, nil
}
