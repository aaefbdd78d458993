package provider

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

const rootTilesetJSON = `{
	"asset": {"version": "1.0"},
	"geometricError": 500,
	"root": {
		"boundingVolume": {"region": [-1.3197, 0.6988, -1.3196, 0.6989, 0, 20]},
		"geometricError": 100,
		"refine": "ADD",
		"content": {"uri": "root.b3dm"},
		"children": [
			{
				"boundingVolume": {"region": [-1.3197, 0.6988, -1.31965, 0.69885, 0, 20]},
				"geometricError": 50,
				"content": {"url": "sub/tileset.json"}
			},
			{
				"boundingVolume": {"sphere": [0, 0, 0]},
				"geometricError": 50
			}
		]
	}
}`

const nestedTilesetJSON = `{
	"asset": {"version": "0.0"},
	"geometricError": 50,
	"root": {
		"boundingVolume": {"region": [-1.3197, 0.6988, -1.31965, 0.69885, 0, 20]},
		"geometricError": 50,
		"content": {"url": "leaf.pnts"},
		"children": [
			{
				"boundingVolume": {"region": [-1.3197, 0.6988, -1.31968, 0.69882, 0, 20]},
				"geometricError": 10,
				"content": {"url": "deep.b3dm"}
			}
		]
	}
}`

func tiles3dLayer(t *testing.T, fetch *fakeFetcher) *layer.Layer {
	t.Helper()
	fetch.put("http://tiles3d.test/tileset.json", []byte(rootTilesetJSON))
	return &layer.Layer{
		Id:   "city",
		Kind: layer.KindTiles3D,
		URL:  "http://tiles3d.test/tileset.json",
		CRS:  "EPSG:4326",
	}
}

func TestTiles3DPreprocess(t *testing.T) {
	fetch := newFakeFetcher()
	p := NewTiles3DProvider(testDeps(fetch))
	l := tiles3dLayer(t, fetch)

	require.NoError(t, p.Preprocess(context.Background(), l))
	assert.True(t, l.Attached)

	root, found := p.EntrySnapshot(l, 0)
	require.True(t, found)
	assert.Equal(t, -1, root.Parent)
	assert.Equal(t, layer.RefineModeAdd, root.Refine)
	assert.Equal(t, "root.b3dm", root.ContentURL)
	// the malformed sphere child is dropped, the valid one stays
	assert.Equal(t, []int{1}, root.Children)

	child, found := p.EntrySnapshot(l, 1)
	require.True(t, found)
	assert.Equal(t, 0, child.Parent)
	assert.Equal(t, layer.RefineModeAdd, child.Refine, "refine is inherited")
	assert.Equal(t, "sub/tileset.json", child.ContentURL)
}

func TestTiles3DImprovements(t *testing.T) {
	fetch := newFakeFetcher()
	p := NewTiles3DProvider(testDeps(fetch))
	l := tiles3dLayer(t, fetch)
	require.NoError(t, p.Preprocess(context.Background(), l))

	// nothing displayed yet: start at the root
	sel, state := p.Improvements(l, l.ComputedExtent, Nothing())
	require.Equal(t, StatePending, state)
	assert.Equal(t, NodeSelection{NodeId: 0}, sel)

	// node with pending content
	sel, state = p.Improvements(l, l.ComputedExtent, Current{Loaded: true, NodeId: 1})
	require.Equal(t, StatePending, state)
	assert.Equal(t, NodeSelection{NodeId: 1}, sel)

	_, state = p.Improvements(l, l.ComputedExtent, Current{Loaded: true, NodeId: 99})
	assert.Equal(t, StateUnavailable, state)
}

func TestTiles3DExecuteExpandsNestedTileset(t *testing.T) {
	fetch := newFakeFetcher()
	fetch.put("http://tiles3d.test/sub/tileset.json", []byte(nestedTilesetJSON))
	p := NewTiles3DProvider(testDeps(fetch))
	l := tiles3dLayer(t, fetch)
	require.NoError(t, p.Preprocess(context.Background(), l))

	res, err := p.Execute(context.Background(), &Command{Layer: l, Selection: NodeSelection{NodeId: 1}})
	require.NoError(t, err)
	assert.True(t, res.ExpandedSubtree)

	entry, found := p.EntrySnapshot(l, 1)
	require.True(t, found)
	assert.True(t, entry.Expanded)
	assert.Equal(t, "leaf.pnts", entry.ContentURL, "the sub root content replaces the tileset reference")
	require.Len(t, entry.Children, 1)

	spliced, found := p.EntrySnapshot(l, entry.Children[0])
	require.True(t, found)
	assert.Equal(t, 1, spliced.Parent)
	assert.Equal(t, "deep.b3dm", spliced.ContentURL)

	// after expansion the same node resolves to its new binary content
	sel, state := p.Improvements(l, l.ComputedExtent, Current{Loaded: true, NodeId: 1})
	require.Equal(t, StatePending, state)
	assert.Equal(t, NodeSelection{NodeId: 1}, sel)
}

func TestTiles3DExecuteDecodesMesh(t *testing.T) {
	fetch := newFakeFetcher()
	fetch.put("http://tiles3d.test/root.b3dm", append([]byte("b3dm"), make([]byte, 24)...))
	deps := testDeps(fetch)
	deps.DecodeMesh = func(data []byte) (*Mesh, error) {
		return &Mesh{Positions: []float32{0, 0, 0}}, nil
	}
	p := NewTiles3DProvider(deps)
	l := tiles3dLayer(t, fetch)
	require.NoError(t, p.Preprocess(context.Background(), l))

	res, err := p.Execute(context.Background(), &Command{Layer: l, Selection: NodeSelection{NodeId: 0}})
	require.NoError(t, err)
	require.NotNil(t, res.Mesh)
	assert.False(t, res.ExpandedSubtree)
}

func TestTiles3DExecuteDecodesPoints(t *testing.T) {
	fetch := newFakeFetcher()
	fetch.put("http://tiles3d.test/root.b3dm", append([]byte("pnts"), make([]byte, 24)...))
	deps := testDeps(fetch)
	deps.DecodePoints = func(data []byte, opts PointsDecodeOptions) (*PointBatch, error) {
		return &PointBatch{Count: 1, Positions: []float32{0, 0, 0}}, nil
	}
	p := NewTiles3DProvider(deps)
	l := tiles3dLayer(t, fetch)
	require.NoError(t, p.Preprocess(context.Background(), l))

	res, err := p.Execute(context.Background(), &Command{Layer: l, Selection: NodeSelection{NodeId: 0}})
	require.NoError(t, err)
	require.NotNil(t, res.Points)
}

func TestSniffContent(t *testing.T) {
	cases := []struct {
		data []byte
		want contentKind
	}{
		{[]byte(`{"asset": {}}`), contentTileset},
		{[]byte("  \n\t{}"), contentTileset},
		{[]byte("b3dm\x00\x00\x00\x00"), contentMesh},
		{[]byte("i3dm\x00\x00\x00\x00"), contentMesh},
		{[]byte("cmpt\x00\x00\x00\x00"), contentMesh},
		{[]byte("pnts\x00\x00\x00\x00"), contentPoints},
		{[]byte("glTF"), contentUnknown},
		{nil, contentUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sniffContent(tc.data), "%q", tc.data)
	}
}

func TestExtentFromVolume(t *testing.T) {
	region, err := extentFromVolume(&BoundingVolume{
		Region: []float64{-math.Pi / 2, 0, -math.Pi / 4, math.Pi / 4, 0, 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", region.CRS)
	assert.InDelta(t, -90, region.West, 1e-9)
	assert.InDelta(t, -45, region.East, 1e-9)
	assert.InDelta(t, 0, region.South, 1e-9)
	assert.InDelta(t, 45, region.North, 1e-9)

	box, err := extentFromVolume(&BoundingVolume{
		Box: []float64{10, 20, 0, 5, 0, 0, 0, 3, 0, 0, 0, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, box.West)
	assert.Equal(t, 15.0, box.East)
	assert.Equal(t, 17.0, box.South)
	assert.Equal(t, 23.0, box.North)

	sphere, err := extentFromVolume(&BoundingVolume{Sphere: []float64{0, 0, 0, 10}})
	require.NoError(t, err)
	assert.Equal(t, -10.0, sphere.West)
	assert.Equal(t, 10.0, sphere.North)

	_, err = extentFromVolume(&BoundingVolume{})
	assert.Error(t, err)
}
