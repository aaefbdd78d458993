package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"

	"github.com/golang/glog"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Tileset json wire format
type Tileset struct {
	Asset          Asset   `json:"asset"`
	GeometricError float64 `json:"geometricError"`
	Root           Child   `json:"root"`
}

type Asset struct {
	Version string `json:"version"`
}

type Child struct {
	Content        *Content       `json:"content,omitempty"`
	BoundingVolume BoundingVolume `json:"boundingVolume"`
	GeometricError float64        `json:"geometricError"`
	Refine         string         `json:"refine,omitempty"`
	Transform      []float64      `json:"transform,omitempty"`
	Children       []Child        `json:"children,omitempty"`
}

type Content struct {
	Url string `json:"url,omitempty"`
	Uri string `json:"uri,omitempty"`
}

// Content location, whichever field the tileset version populated
func (c *Content) Location() string {
	if c == nil {
		return ""
	}
	if c.Uri != "" {
		return c.Uri
	}
	return c.Url
}

type BoundingVolume struct {
	Region []float64 `json:"region,omitempty"`
	Box    []float64 `json:"box,omitempty"`
	Sphere []float64 `json:"sphere,omitempty"`
}

// One entry of the flattened tileset index. Ids are stable for the lifetime
// of the layer, sub tileset expansion only ever appends.
type TileEntry struct {
	Id             int
	Parent         int
	Extent         *geometry.Extent
	GeometricError float64
	Refine         layer.RefineMode
	Transform      []float64
	ContentURL     string
	Children       []int

	// Content was sniffed as a nested tileset and spliced in
	Expanded bool
}

type tiles3dMeta struct {
	mu      sync.Mutex
	entries map[int]*TileEntry
	nextId  int
	baseURL *url.URL
}

// Serves Cesium 3D-Tiles tilesets. The hierarchy is kept as a flat int-keyed
// index so scene nodes hold ids instead of pointers into a mutable tree.
// Nested tilesets referenced by content urls are expanded lazily when their
// node is first scheduled.
type Tiles3DProvider struct {
	deps Deps
}

func NewTiles3DProvider(deps Deps) *Tiles3DProvider {
	return &Tiles3DProvider{deps: deps}
}

func (p *Tiles3DProvider) Kind() layer.Kind {
	return layer.KindTiles3D
}

type NodeSelection struct {
	NodeId int
}

func (s NodeSelection) Key() string {
	return "node/" + strconv.Itoa(s.NodeId)
}

func (p *Tiles3DProvider) Preprocess(ctx context.Context, l *layer.Layer) error {
	data, err := p.deps.Fetcher.Fetch(ctx, l.URL, l.NetworkOptions)
	if err != nil {
		return fmt.Errorf("tiles3d: tileset fetch of layer %s failed: %w", l.Id, err)
	}

	var tileset Tileset
	if err := json.Unmarshal(data, &tileset); err != nil {
		return fmt.Errorf("tiles3d: malformed tileset of layer %s: %w", l.Id, err)
	}

	base, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("tiles3d: layer %s url: %w", l.Id, err)
	}

	meta := &tiles3dMeta{entries: make(map[int]*TileEntry), baseURL: base}
	rootId, err := meta.index(&tileset.Root, -1, layer.RefineModeReplace)
	if err != nil {
		return fmt.Errorf("tiles3d: layer %s root: %w", l.Id, err)
	}

	l.Meta = meta
	l.ComputedExtent = meta.entries[rootId].Extent
	l.Attached = true
	return nil
}

func (p *Tiles3DProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	return l.ComputedExtent != nil && extent.Intersects(l.ComputedExtent)
}

func (p *Tiles3DProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State) {
	meta, ok := l.Meta.(*tiles3dMeta)
	if !ok {
		return nil, StateNotAvailableYet
	}

	if !current.Loaded {
		if !extent.Intersects(l.ComputedExtent) {
			return nil, StateUnavailable
		}
		return NodeSelection{NodeId: 0}, StatePending
	}

	meta.mu.Lock()
	entry, found := meta.entries[current.NodeId]
	meta.mu.Unlock()
	if !found {
		return nil, StateUnavailable
	}
	if entry.Expanded || entry.ContentURL == "" {
		return nil, StateAlreadyLoaded
	}
	return NodeSelection{NodeId: entry.Id}, StatePending
}

func (p *Tiles3DProvider) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	sel, ok := cmd.Selection.(NodeSelection)
	if !ok {
		return nil, fmt.Errorf("tiles3d: unexpected selection %T", cmd.Selection)
	}
	meta, ok := cmd.Layer.Meta.(*tiles3dMeta)
	if !ok {
		return nil, fmt.Errorf("tiles3d: layer %s not preprocessed", cmd.Layer.Id)
	}

	meta.mu.Lock()
	entry, found := meta.entries[sel.NodeId]
	meta.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("tiles3d: layer %s has no node %d", cmd.Layer.Id, sel.NodeId)
	}
	if entry.ContentURL == "" {
		return &Result{Extent: entry.Extent}, nil
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	contentURL, err := meta.resolve(entry.ContentURL)
	if err != nil {
		return nil, fmt.Errorf("tiles3d: node %d content url: %w", entry.Id, err)
	}
	data, err := p.deps.Fetcher.Fetch(ctx, contentURL, cmd.Layer.NetworkOptions)
	if err != nil {
		return nil, err
	}

	switch sniffContent(data) {
	case contentTileset:
		if err := meta.expand(entry.Id, data); err != nil {
			return nil, err
		}
		return &Result{ExpandedSubtree: true, Extent: entry.Extent}, nil

	case contentMesh:
		mesh, err := p.deps.DecodeMesh(data)
		if err != nil {
			return nil, fmt.Errorf("tiles3d: node %d mesh decode: %w", entry.Id, err)
		}
		return &Result{Mesh: mesh, Pitch: geometry.FullPitch(), Extent: entry.Extent}, nil

	case contentPoints:
		points, err := p.deps.DecodePoints(data, PointsDecodeOptions{})
		if err != nil {
			return nil, fmt.Errorf("tiles3d: node %d points decode: %w", entry.Id, err)
		}
		return &Result{Points: points, Pitch: geometry.FullPitch(), Extent: entry.Extent}, nil
	}

	return nil, fmt.Errorf("tiles3d: node %d content has unknown format", entry.Id)
}

// EntrySnapshot copies the entry for the given node, used by scene code to
// read children ids after a subtree expansion.
func (p *Tiles3DProvider) EntrySnapshot(l *layer.Layer, id int) (TileEntry, bool) {
	meta, ok := l.Meta.(*tiles3dMeta)
	if !ok {
		return TileEntry{}, false
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	entry, found := meta.entries[id]
	if !found {
		return TileEntry{}, false
	}
	snapshot := *entry
	snapshot.Children = append([]int(nil), entry.Children...)
	return snapshot, true
}

type contentKind int

const (
	contentUnknown contentKind = iota
	contentTileset
	contentMesh
	contentPoints
)

// Classifies a content payload by its leading bytes. Nested tilesets are
// plain json, binary tiles carry a four byte magic.
func sniffContent(data []byte) contentKind {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return contentTileset
	}
	if len(data) >= 4 {
		switch string(data[:4]) {
		case "b3dm", "i3dm", "cmpt":
			return contentMesh
		case "pnts":
			return contentPoints
		}
	}
	return contentUnknown
}

// Flattens a tileset subtree into the index, returning the id assigned to
// its root. Children that fail structural validation are dropped from a
// rebuilt list, the rest of the tileset stays usable.
func (m *tiles3dMeta) index(node *Child, parent int, inherited layer.RefineMode) (int, error) {
	extent, err := extentFromVolume(&node.BoundingVolume)
	if err != nil {
		return -1, err
	}

	refine := inherited
	if parsed := layer.ParseRefineMode(node.Refine); parsed != "" {
		refine = parsed
	}

	id := m.nextId
	m.nextId++
	entry := &TileEntry{
		Id:             id,
		Parent:         parent,
		Extent:         extent,
		GeometricError: node.GeometricError,
		Refine:         refine,
		Transform:      node.Transform,
		ContentURL:     node.Content.Location(),
	}
	m.entries[id] = entry

	for i := range node.Children {
		childId, err := m.index(&node.Children[i], id, refine)
		if err != nil {
			glog.Warningf("dropping malformed tileset child of node %d: %v", id, err)
			continue
		}
		entry.Children = append(entry.Children, childId)
	}
	return id, nil
}

// Splices a nested tileset under the entry that referenced it. The entry
// keeps its id, its content url is consumed and the sub root's children
// become its children.
func (m *tiles3dMeta) expand(id int, data []byte) error {
	var tileset Tileset
	if err := json.Unmarshal(data, &tileset); err != nil {
		return fmt.Errorf("tiles3d: nested tileset of node %d: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found := m.entries[id]
	if !found {
		return fmt.Errorf("tiles3d: node %d vanished during expansion", id)
	}
	if entry.Expanded {
		return nil
	}

	root := &tileset.Root
	children := make([]int, 0, len(root.Children))
	for i := range root.Children {
		childId, err := m.index(&root.Children[i], id, entry.Refine)
		if err != nil {
			glog.Warningf("dropping malformed nested tileset child of node %d: %v", id, err)
			continue
		}
		children = append(children, childId)
	}

	entry.Children = children
	entry.ContentURL = root.Content.Location()
	entry.Expanded = true
	if entry.GeometricError == 0 {
		entry.GeometricError = root.GeometricError
	}
	return nil
}

func (m *tiles3dMeta) resolve(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return m.baseURL.ResolveReference(parsed).String(), nil
}

// Derives a geographic extent from a bounding volume. Regions are given in
// EPSG:4979 radians, boxes and spheres in tileset local cartesian which is
// projected onto its horizontal footprint.
func extentFromVolume(v *BoundingVolume) (*geometry.Extent, error) {
	switch {
	case len(v.Region) >= 4:
		const degPerRad = 180 / math.Pi
		return geometry.NewExtent("EPSG:4326",
			v.Region[0]*degPerRad, v.Region[2]*degPerRad,
			v.Region[1]*degPerRad, v.Region[3]*degPerRad)

	case len(v.Box) >= 12:
		cx, cy := v.Box[0], v.Box[1]
		hx := math.Abs(v.Box[3]) + math.Abs(v.Box[6])
		hy := math.Abs(v.Box[4]) + math.Abs(v.Box[7])
		return geometry.NewExtent("local", cx-hx, cx+hx, cy-hy, cy+hy)

	case len(v.Sphere) >= 4:
		cx, cy, r := v.Sphere[0], v.Sphere[1], v.Sphere[3]
		return geometry.NewExtent("local", cx-r, cx+r, cy-r, cy+r)
	}
	return nil, fmt.Errorf("tiles3d: unsupported bounding volume")
}
