package tree

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
	"github.com/ecopia-map/tile_scheduler/internal/provider"
	"github.com/ecopia-map/tile_scheduler/internal/scheduler"
)

// What the render loop currently looks at. Resolution is in layer units per
// pixel, the refinement driver.
type View struct {
	Extent     *geometry.Extent
	Resolution float64

	// Subdivide while a node's screen space error exceeds this
	SSEThreshold float64

	MaxLevel int
}

// ScreenSpaceError of a node under the given view
func ScreenSpaceError(n *Node, view View) float64 {
	if view.Resolution <= 0 {
		return 0
	}
	return n.GeometricError / view.Resolution
}

// Updater runs the per-frame improvement walk for one layer tree
type Updater struct {
	sched     *scheduler.Scheduler
	providers map[layer.Kind]provider.Provider
}

func NewUpdater(sched *scheduler.Scheduler, providers map[layer.Kind]provider.Provider) *Updater {
	return &Updater{sched: sched, providers: providers}
}

// Update walks the visible part of the tree, asks the layer's provider what
// each node should load next and enqueues the resulting commands. Nodes
// whose error is still too high are subdivided, subtrees that left the view
// are pruned.
func (u *Updater) Update(ctx context.Context, root *Node, l *layer.Layer, view View) error {
	prov, ok := u.providers[l.Kind]
	if !ok {
		return fmt.Errorf("tree: no provider for layer kind %s", l.Kind)
	}

	root.Walk(func(n *Node) bool {
		if view.Extent != nil && !n.Extent.Intersects(view.Extent) {
			n.Prune()
			return false
		}
		if n.Level < l.Zoom.Min {
			// too coarse for the layer's zoom range: descend toward it
			// without fetching
			if l.ComputedExtent == nil || !n.Extent.Intersects(l.ComputedExtent) {
				return false
			}
			if n.Level >= view.MaxLevel {
				return false
			}
			if _, err := n.Subdivide(); err != nil {
				glog.Warningf("subdividing level %d node failed: %v", n.Level, err)
				return false
			}
			return true
		}

		if !prov.TileInsideLimit(n.Extent, n.Level, l) {
			return false
		}

		u.improve(ctx, prov, l, n)

		if ScreenSpaceError(n, view) > view.SSEThreshold && n.Level < view.MaxLevel {
			if _, err := n.Subdivide(); err != nil {
				glog.Warningf("subdividing level %d node failed: %v", n.Level, err)
				return false
			}
			return true
		}
		n.Prune()
		return false
	})
	return nil
}

func (u *Updater) improve(ctx context.Context, prov provider.Provider, l *layer.Layer, n *Node) {
	current := provider.Nothing()
	if c := n.Content(); c != nil {
		current = provider.Current{
			Loaded: true,
			Level:  c.Level,
			Extent: contentExtent(c),
			NodeId: c.NodeId,
		}
	}

	sel, state := prov.Improvements(l, n.Extent, current)
	switch state {
	case provider.StatePending:
		u.sched.Enqueue(ctx, &provider.Command{
			Layer:     l,
			Requester: n,
			Selection: sel,
			Priority:  -n.Level,
			Extent:    n.Extent,
		})
	case provider.StateAlreadyLoaded, provider.StateUnavailable, provider.StateNotAvailableYet:
		// AlreadyLoaded and NotAvailableYet resolve on later frames,
		// Unavailable never will. None enqueue work now.
	}
}

func contentExtent(c *Content) *geometry.Extent {
	if c.Result != nil && c.Result.Extent != nil {
		return c.Result.Extent
	}
	return nil
}
