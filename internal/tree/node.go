// Package tree holds the scene-facing tile hierarchy. Nodes quadtree over a
// layer's extent, refine when their screen space error exceeds the threshold
// and release their cache references when pruned. The per-frame walk asks
// each attached layer's provider for improvements and enqueues the resulting
// commands.
package tree

import (
	"sync"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/provider"
)

// Renderable state attached to a node once a command settles
type Content struct {
	Result *provider.Result

	// Level and node id the content was produced for, fed back into the
	// next improvement decision
	Level  int
	NodeId int
}

type Node struct {
	Extent         *geometry.Extent
	Level          int
	GeometricError float64

	mu       sync.Mutex
	parent   *Node
	children []*Node
	content  *Content
	disposed bool

	// Cache keys this node retained, released on dispose
	retained []string
	releaser func(key string)
}

func NewRoot(extent *geometry.Extent, geometricError float64, releaser func(key string)) *Node {
	return &Node{
		Extent:         extent,
		Level:          0,
		GeometricError: geometricError,
		releaser:       releaser,
	}
}

func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the current child slice, empty until Subdivide
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children
}

func (n *Node) Disposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

func (n *Node) Content() *Content {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.content
}

// SetContent attaches a settled result. No-op on a disposed node, the
// command raced with a prune.
func (n *Node) SetContent(c *Content) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disposed {
		return
	}
	n.content = c
}

// Retain records a cache key whose refcount this node holds
func (n *Node) Retain(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disposed {
		if n.releaser != nil {
			n.releaser(key)
		}
		return
	}
	n.retained = append(n.retained, key)
}

// Subdivide quarters the node's extent into four children one level deeper,
// each with half the geometric error. Idempotent.
func (n *Node) Subdivide() ([]*Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disposed {
		return nil, nil
	}
	if len(n.children) > 0 {
		return n.children, nil
	}

	quarters, err := n.Extent.Split(2, 2)
	if err != nil {
		return nil, err
	}

	children := make([]*Node, 0, len(quarters))
	for _, quarter := range quarters {
		children = append(children, &Node{
			Extent:         quarter,
			Level:          n.Level + 1,
			GeometricError: n.GeometricError / 2,
			parent:         n,
			releaser:       n.releaser,
		})
	}
	n.children = children
	return children, nil
}

// Dispose detaches the subtree rooted here and releases every cache key it
// retained. Safe to call twice.
func (n *Node) Dispose() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	n.disposed = true
	children := n.children
	retained := n.retained
	n.children = nil
	n.content = nil
	n.retained = nil
	releaser := n.releaser
	n.mu.Unlock()

	if releaser != nil {
		for _, key := range retained {
			releaser(key)
		}
	}
	for _, child := range children {
		child.Dispose()
	}
}

// Prune disposes the node's children while keeping the node itself
func (n *Node) Prune() {
	n.mu.Lock()
	children := n.children
	n.children = nil
	n.mu.Unlock()

	for _, child := range children {
		child.Dispose()
	}
}

// Walk visits the subtree depth first, skipping disposed nodes. The visitor
// returning false prunes descent below that node.
func (n *Node) Walk(visit func(*Node) bool) {
	if n.Disposed() {
		return
	}
	if !visit(n) {
		return
	}
	for _, child := range n.Children() {
		child.Walk(visit)
	}
}
