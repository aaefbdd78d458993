package provider

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// Octree metadata wire format, served next to the node payloads
type octreeInfo struct {
	Version     string     `json:"version"`
	BoundingBox [6]float64 `json:"boundingBox"`
	Extent      [4]float64 `json:"extent"`
	CRS         string     `json:"crs"`
	Spacing     float64    `json:"spacing"`

	// Levels grouped into one hierarchy descriptor file
	HierarchyStepSize int `json:"hierarchyStepSize"`

	OctreeDir string `json:"octreeDir"`
}

// One node of the streamed octree. Boxes derive purely from octant geometry,
// the descriptor only carries presence bits and point counts.
type OctreeNode struct {
	Name      string
	Box       *geometry.BoundingBox
	NumPoints uint32
	Children  [8]int
	Parent    int
}

type pointCloudMeta struct {
	mu      sync.Mutex
	info    octreeInfo
	nodes   []*OctreeNode
	byName  map[string]int
	baseURL *url.URL
}

// Streams hierarchical point cloud octrees. The hierarchy comes in compact
// binary descriptors covering hierarchyStepSize levels each, loaded on
// demand as the walk reaches their root nodes.
type PointCloudProvider struct {
	deps Deps
}

func NewPointCloudProvider(deps Deps) *PointCloudProvider {
	return &PointCloudProvider{deps: deps}
}

func (p *PointCloudProvider) Kind() layer.Kind {
	return layer.KindPointCloud
}

type OctreeSelection struct {
	NodeId int
	Name   string

	// Load the node's hierarchy descriptor instead of its points
	Hierarchy bool
}

func (s OctreeSelection) Key() string {
	if s.Hierarchy {
		return "octree/hrc/" + s.Name
	}
	return "octree/" + s.Name
}

func (p *PointCloudProvider) Preprocess(ctx context.Context, l *layer.Layer) error {
	data, err := p.deps.Fetcher.Fetch(ctx, l.URL, l.NetworkOptions)
	if err != nil {
		return fmt.Errorf("pointcloud: metadata fetch of layer %s failed: %w", l.Id, err)
	}

	var info octreeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("pointcloud: malformed metadata of layer %s: %w", l.Id, err)
	}
	if info.HierarchyStepSize <= 0 {
		return fmt.Errorf("pointcloud: layer %s has invalid hierarchy step size %d", l.Id, info.HierarchyStepSize)
	}

	crs := info.CRS
	if crs == "" {
		crs = l.CRS
	}
	computed, err := geometry.NewExtent(crs, info.Extent[0], info.Extent[1], info.Extent[2], info.Extent[3])
	if err != nil {
		return fmt.Errorf("pointcloud: layer %s extent: %w", l.Id, err)
	}

	base, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("pointcloud: layer %s url: %w", l.Id, err)
	}

	bb := info.BoundingBox
	root := &OctreeNode{
		Name:   "r",
		Box:    geometry.NewBoundingBox(bb[0], bb[3], bb[1], bb[4], bb[2], bb[5]),
		Parent: -1,
	}
	for i := range root.Children {
		root.Children[i] = -1
	}

	meta := &pointCloudMeta{
		info:    info,
		nodes:   []*OctreeNode{root},
		byName:  map[string]int{"r": 0},
		baseURL: base,
	}
	l.Meta = meta
	l.ComputedExtent = computed
	l.Attached = true
	return nil
}

func (p *PointCloudProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	return l.ComputedExtent != nil && extent.Intersects(l.ComputedExtent)
}

func (p *PointCloudProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current Current) (Selection, State) {
	meta, ok := l.Meta.(*pointCloudMeta)
	if !ok {
		return nil, StateNotAvailableYet
	}

	if !current.Loaded {
		if !extent.Intersects(l.ComputedExtent) {
			return nil, StateUnavailable
		}
		if !meta.hierarchyLoaded(0) {
			return OctreeSelection{NodeId: 0, Name: "r", Hierarchy: true}, StatePending
		}
		return OctreeSelection{NodeId: 0, Name: "r"}, StatePending
	}

	meta.mu.Lock()
	defer meta.mu.Unlock()
	if current.NodeId < 0 || current.NodeId >= len(meta.nodes) {
		return nil, StateUnavailable
	}
	node := meta.nodes[current.NodeId]

	// A node at a descriptor boundary needs its sub hierarchy before its
	// children can be walked.
	if len(node.Name)-1 >= meta.info.HierarchyStepSize &&
		(len(node.Name)-1)%meta.info.HierarchyStepSize == 0 &&
		!meta.hierarchyLoadedLocked(current.NodeId) {
		return OctreeSelection{NodeId: node.Parent, Name: node.Name, Hierarchy: true}, StatePending
	}
	return nil, StateAlreadyLoaded
}

func (p *PointCloudProvider) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	sel, ok := cmd.Selection.(OctreeSelection)
	if !ok {
		return nil, fmt.Errorf("pointcloud: unexpected selection %T", cmd.Selection)
	}
	meta, ok := cmd.Layer.Meta.(*pointCloudMeta)
	if !ok {
		return nil, fmt.Errorf("pointcloud: layer %s not preprocessed", cmd.Layer.Id)
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	if sel.Hierarchy {
		ref, err := meta.resolve(meta.nodePath(sel.Name) + ".hrc")
		if err != nil {
			return nil, err
		}
		data, err := p.deps.Fetcher.Fetch(ctx, ref, cmd.Layer.NetworkOptions)
		if err != nil {
			return nil, err
		}
		if err := meta.loadHierarchy(sel.Name, data); err != nil {
			return nil, err
		}
		return &Result{ExpandedSubtree: true}, nil
	}

	meta.mu.Lock()
	var box *geometry.BoundingBox
	if id, found := meta.byName[sel.Name]; found {
		box = meta.nodes[id].Box
	}
	meta.mu.Unlock()
	if box == nil {
		return nil, fmt.Errorf("pointcloud: unknown node %s", sel.Name)
	}

	ref, err := meta.resolve(meta.nodePath(sel.Name) + ".bin")
	if err != nil {
		return nil, err
	}
	data, err := p.deps.Fetcher.Fetch(ctx, ref, cmd.Layer.NetworkOptions)
	if err != nil {
		return nil, err
	}
	if requesterGone(cmd) {
		return nil, nil
	}

	points, err := p.deps.DecodePoints(data, PointsDecodeOptions{Box: box})
	if err != nil {
		return nil, fmt.Errorf("pointcloud: node %s decode: %w", sel.Name, err)
	}
	return &Result{Points: points, Pitch: geometry.FullPitch()}, nil
}

// NodeSnapshot copies the octree node with the given name
func (p *PointCloudProvider) NodeSnapshot(l *layer.Layer, name string) (OctreeNode, bool) {
	meta, ok := l.Meta.(*pointCloudMeta)
	if !ok {
		return OctreeNode{}, false
	}
	meta.mu.Lock()
	defer meta.mu.Unlock()
	id, found := meta.byName[name]
	if !found {
		return OctreeNode{}, false
	}
	return *meta.nodes[id], true
}

func (m *pointCloudMeta) hierarchyLoaded(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hierarchyLoadedLocked(id)
}

// A node's sub hierarchy is loaded once any child slot is populated or the
// node is known to be a leaf through a zero point count sentinel.
func (m *pointCloudMeta) hierarchyLoadedLocked(id int) bool {
	if id < 0 || id >= len(m.nodes) {
		return false
	}
	node := m.nodes[id]
	for _, child := range node.Children {
		if child >= 0 {
			return true
		}
	}
	return false
}

// Parses a binary hierarchy descriptor rooted at the named node. The format
// is a breadth-first sequence of records, one per node: a child-presence
// bitmask byte followed by a little-endian uint32 point count, zero meaning
// the count equals the parent's.
func (m *pointCloudMeta) loadHierarchy(rootName string, data []byte) error {
	const recordSize = 5
	if len(data) < recordSize || len(data)%recordSize != 0 {
		return fmt.Errorf("pointcloud: hierarchy descriptor of %s has odd length %d", rootName, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rootId, found := m.byName[rootName]
	if !found {
		return fmt.Errorf("pointcloud: hierarchy descriptor for unknown node %s", rootName)
	}

	queue := []int{rootId}
	for offset := 0; offset+recordSize <= len(data) && len(queue) > 0; offset += recordSize {
		id := queue[0]
		queue = queue[1:]
		node := m.nodes[id]

		mask := data[offset]
		count := binary.LittleEndian.Uint32(data[offset+1 : offset+recordSize])
		if count == 0 && node.Parent >= 0 {
			count = m.nodes[node.Parent].NumPoints
		}
		node.NumPoints = count

		for octant := uint8(0); octant < 8; octant++ {
			if mask&(1<<octant) == 0 {
				continue
			}
			if node.Children[octant] >= 0 {
				queue = append(queue, node.Children[octant])
				continue
			}
			child := &OctreeNode{
				Name:   node.Name + strconv.Itoa(int(octant)),
				Box:    geometry.NewBoundingBoxFromParent(node.Box, octant),
				Parent: id,
			}
			for i := range child.Children {
				child.Children[i] = -1
			}
			childId := len(m.nodes)
			m.nodes = append(m.nodes, child)
			m.byName[child.Name] = childId
			node.Children[octant] = childId
			queue = append(queue, childId)
		}
	}
	return nil
}

// Maps a node name to its payload path under the octree directory, splitting
// long names into hierarchyStepSize sized directory segments the way the
// descriptors are grouped.
func (m *pointCloudMeta) nodePath(name string) string {
	step := m.info.HierarchyStepSize
	dir := m.info.OctreeDir
	if dir == "" {
		dir = "data"
	}
	path := dir
	for start := 1; start < len(name); start += step {
		end := start + step
		if end > len(name) {
			end = len(name)
		}
		path += "/" + name[1:end]
	}
	return path + "/" + name
}

func (m *pointCloudMeta) resolve(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return m.baseURL.ResolveReference(parsed).String(), nil
}
