// Package provider implements the per data-source-type strategies of the
// scheduling core. Every variant implements the same four operation contract:
// one-time layer preprocessing, spatial/zoom domain pruning, the improvement
// decision step and the actual fetch+decode+compose execution. Call sites are
// generic over the variant and dispatch on the layer kind.
package provider

import (
	"context"
	"fmt"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
	"github.com/ecopia-map/tile_scheduler/internal/converters"
	"github.com/ecopia-map/tile_scheduler/internal/fetcher"
	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Outcome of the improvement decision step
type State int

const (
	// A concrete selection was produced and should be scheduled
	StatePending State = iota

	// Displayed data is already the best obtainable for the extent, no-op
	StateAlreadyLoaded

	// No data will ever be available for the extent, stop asking
	StateUnavailable

	// Data may become available later (async metadata still loading), retry
	StateNotAvailableYet
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAlreadyLoaded:
		return "DATA_ALREADY_LOADED"
	case StateUnavailable:
		return "DATA_UNAVAILABLE"
	case StateNotAvailableYet:
		return "DATA_NOT_AVAILABLE_YET"
	}
	return "UNKNOWN"
}

// Provider specific description of what to fetch next. The key uniquely
// identifies the fetch target within a layer and doubles as the dedup key.
type Selection interface {
	Key() string
}

// Describes what is currently displayed for an extent, possibly nothing
type Current struct {
	Loaded bool
	Level  int
	Extent *geometry.Extent

	// 3D-Tiles / octree node currently attached, -1 when none
	NodeId int
}

func Nothing() Current {
	return Current{Loaded: false, Level: -1, NodeId: -1}
}

// The entity on whose behalf a command was issued. Executing code checks
// liveness before doing scene work; a disposed requester voids the command.
type Requester interface {
	Disposed() bool
}

// A scheduling command created when a node determines it needs better data.
// Consumed exactly once by the scheduler.
type Command struct {
	Layer     *layer.Layer
	Requester Requester
	Selection Selection
	Priority  int

	// Extent the requesting node covers, used as a spatial locality hint
	// when ordering equal priority commands
	Extent *geometry.Extent
}

func (c *Command) Key() string {
	return c.Layer.KeyPrefix() + c.Selection.Key()
}

// Renderable texture payload. Width and Height are in pixels, Data is RGBA.
type Texture struct {
	Width  int
	Height int
	Data   []byte
}

func (t *Texture) ByteSize() int64 {
	return int64(len(t.Data))
}

// Decoded mesh payload from a 3D-Tiles binary tile
type Mesh struct {
	Positions  []float32
	Indices    []uint32
	BatchTable map[string]interface{}
}

// Decoded point cloud payload
type PointBatch struct {
	Count     int
	Positions []float32
	Colors    []uint8
}

// Execution result carrying a renderable payload and its placement
type Result struct {
	Texture *Texture
	Mesh    *Mesh
	Points  *PointBatch

	// Where the payload sits inside the requesting tile's unit square
	Pitch  geometry.Pitch
	Extent *geometry.Extent

	// True when execution expanded a lazily fetched sub hierarchy instead of
	// producing a renderable payload
	ExpandedSubtree bool
}

func (r *Result) ByteSize() int64 {
	if r == nil {
		return 0
	}
	var size int64
	if r.Texture != nil {
		size += r.Texture.ByteSize()
	}
	if r.Mesh != nil {
		size += int64(len(r.Mesh.Positions)*4 + len(r.Mesh.Indices)*4)
	}
	if r.Points != nil {
		size += int64(len(r.Points.Positions)*4 + len(r.Points.Colors))
	}
	return size
}

// Format decoder collaborators. Pure functions over raw byte buffers so tests
// substitute them freely.
type (
	TextureDecoder func(data []byte) (*Texture, error)
	MeshDecoder    func(data []byte) (*Mesh, error)
	PointsDecoder  func(data []byte, opts PointsDecodeOptions) (*PointBatch, error)
)

type PointsDecodeOptions struct {
	Box *geometry.BoundingBox
}

// Collaborators shared by all provider variants
type Deps struct {
	Fetcher   fetcher.Fetcher
	Converter converters.CoordinateConverter
	Cache     *cache.Cache

	DecodeTexture TextureDecoder
	DecodeMesh    MeshDecoder
	DecodePoints  PointsDecoder

	// Opens a remote raster pyramid, COG provider only
	OpenRaster RasterOpener
}

type Provider interface {
	Kind() layer.Kind

	// One-time setup run when a data layer is attached. Fetches and parses the
	// root metadata and fills the derived fields of the layer. Failure fails
	// the whole layer attach.
	Preprocess(ctx context.Context, l *layer.Layer) error

	// Pure predicate pruning scheduling work for tiles outside the layer's
	// spatial or zoom domain.
	TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool

	// The decision step: given what is displayed and the extent now desired,
	// either produce a concrete selection or report one of the sentinels.
	Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State)

	// Performs the fetch + decode + compose. Must tolerate the requester being
	// disposed mid-flight and be safe under cache dedup.
	Execute(ctx context.Context, cmd *Command) (*Result, error)
}

// Builds the closed set of provider variants served by the given collaborators
func NewRegistry(deps Deps) map[layer.Kind]Provider {
	return map[layer.Kind]Provider{
		layer.KindImagery:    NewImageryProvider(deps),
		layer.KindCOG:        NewCOGProvider(deps),
		layer.KindStatic:     NewStaticProvider(deps),
		layer.KindVector:     NewVectorProvider(deps),
		layer.KindTiles3D:    NewTiles3DProvider(deps),
		layer.KindPointCloud: NewPointCloudProvider(deps),
	}
}

// Shared guard: a command whose requester is gone must not write into a
// detached scene node. Detected, not an error.
func requesterGone(cmd *Command) bool {
	return cmd.Requester != nil && cmd.Requester.Disposed()
}

func validatePreprocessed(l *layer.Layer) error {
	if !l.Attached {
		return fmt.Errorf("provider: layer %s used before preprocessing", l.Id)
	}
	return nil
}
