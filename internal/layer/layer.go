// Package layer holds the data layer configuration surface and the refinement
// strategies driving how aggressively tile resolution is improved per frame.
package layer

import (
	"fmt"
	"strings"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
)

// Kind tags the provider variant serving a layer. Dispatch happens on this
// closed set, never on runtime shape inspection.
type Kind string

const (
	KindImagery    Kind = "IMAGERY"
	KindCOG        Kind = "COG"
	KindStatic     Kind = "STATIC"
	KindVector     Kind = "VECTOR"
	KindTiles3D    Kind = "3DTILES"
	KindPointCloud Kind = "POINTCLOUD"
)

func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(value))) {
	case KindImagery:
		return KindImagery, nil
	case KindCOG:
		return KindCOG, nil
	case KindStatic:
		return KindStatic, nil
	case KindVector:
		return KindVector, nil
	case KindTiles3D:
		return KindTiles3D, nil
	case KindPointCloud:
		return KindPointCloud, nil
	}
	return "", fmt.Errorf("layer: unknown kind %q", value)
}

type RefineMode string

const (
	RefineModeAdd     RefineMode = "ADD"
	RefineModeReplace RefineMode = "REPLACE"
)

func (e RefineMode) String() string {
	if e == RefineModeAdd {
		return "ADD"
	} else if e == RefineModeReplace {
		return "REPLACE"
	}
	return ""
}

func ParseRefineMode(value string) RefineMode {
	normalizedValue := strings.Trim(strings.ToUpper(value), " ")
	if normalizedValue == "ADD" {
		return RefineModeAdd
	} else if normalizedValue == "REPLACE" {
		return RefineModeReplace
	}
	return ""
}

// ZoomRange bounds the levels a layer loads at. A zero Max defers to the
// provider's default ceiling.
type ZoomRange struct {
	Min int
	Max int
}

// Extra options forwarded to the fetch collaborator
type NetworkOptions struct {
	Headers   map[string]string
	UserAgent string
}

// Style options consumed by the vector provider
type Style struct {
	FillColor   uint32 // RGBA
	StrokeColor uint32 // RGBA
	StrokeWidth float64
	PointRadius float64
}

// Contains the user supplied configuration of one data layer plus the fields
// derived once by provider preprocessing. Invalid or missing required keys fail
// layer attachment, they are never silently defaulted.
type Layer struct {
	Id             string
	Kind           Kind
	URL            string
	CRS            string
	Extent         *geometry.Extent
	Zoom           ZoomRange
	UpdateStrategy Strategy
	NetworkOptions NetworkOptions
	Style          Style

	// filled by Preprocess
	ComputedExtent *geometry.Extent
	Attached       bool

	// provider specific metadata built once by Preprocess (image pyramid,
	// tileset index, octree index, spatial index of source images)
	Meta interface{}
}

// Validates the configuration ahead of provider preprocessing. Provider
// variants run their own additional checks on the fields they use.
func (l *Layer) Validate() error {
	if l.Id == "" {
		return fmt.Errorf("layer: missing id")
	}
	if _, err := ParseKind(string(l.Kind)); err != nil {
		return fmt.Errorf("layer %s: %w", l.Id, err)
	}
	if l.URL == "" {
		return fmt.Errorf("layer %s: missing url", l.Id)
	}
	if l.CRS == "" {
		return fmt.Errorf("layer %s: missing projection", l.Id)
	}
	if l.Zoom.Min < 0 || (l.Zoom.Max != 0 && l.Zoom.Max < l.Zoom.Min) {
		return fmt.Errorf("layer %s: invalid zoom range [%d, %d]", l.Id, l.Zoom.Min, l.Zoom.Max)
	}
	if l.UpdateStrategy.Type == "" {
		l.UpdateStrategy.Type = StrategyMinNetworkTraffic
	}
	if _, err := ParseStrategyType(string(l.UpdateStrategy.Type)); err != nil {
		return fmt.Errorf("layer %s: %w", l.Id, err)
	}
	return nil
}

// Prefix of every cache key owned by this layer. DeletePrefix on it purges all
// cached artifacts of the layer on detach.
func (l *Layer) KeyPrefix() string {
	return l.Id + "/"
}
