package pkg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/golang/glog"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
	"github.com/ecopia-map/tile_scheduler/internal/converters"
	"github.com/ecopia-map/tile_scheduler/internal/fetcher"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
	"github.com/ecopia-map/tile_scheduler/internal/provider"
	"github.com/ecopia-map/tile_scheduler/internal/scheduler"
	"github.com/ecopia-map/tile_scheduler/internal/tree"
)

// IStreamer is the facade the embedding application drives. One instance
// owns one cache, one converter and one scheduler, nothing is ambient.
type IStreamer interface {
	Attach(ctx context.Context, l *layer.Layer) error
	Detach(id string) bool
	RunFrame(ctx context.Context, view tree.View) error
	Prefetch(ctx context.Context, layerId string, extent tree.View) error
	Root(layerId string) (*tree.Node, bool)
	Stop()
}

type StreamerOptions struct {
	Workers          int
	TextureByteLimit int64

	// Render loop redraw hook, optional
	NotifyChange func()

	// Overridable collaborators, nil picks the defaults
	Fetcher       fetcher.Fetcher
	Converter     converters.CoordinateConverter
	DecodeTexture provider.TextureDecoder
	DecodeMesh    provider.MeshDecoder
	DecodePoints  provider.PointsDecoder
	OpenRaster    provider.RasterOpener
}

type attachedLayer struct {
	layer *layer.Layer
	root  *tree.Node
}

type Streamer struct {
	store     *cache.Cache
	converter converters.CoordinateConverter
	providers map[layer.Kind]provider.Provider
	sched     *scheduler.Scheduler

	mu     sync.Mutex
	layers map[string]*attachedLayer
}

func NewStreamer(ctx context.Context, opts *StreamerOptions) IStreamer {
	if opts == nil {
		opts = &StreamerOptions{}
	}

	store := cache.New()
	if opts.TextureByteLimit > 0 {
		store = cache.NewWithTextureLimit(opts.TextureByteLimit)
	}

	conv := opts.Converter
	if conv == nil {
		conv = converters.NewProj4CoordinateConverter()
	}
	fetch := opts.Fetcher
	if fetch == nil {
		fetch = fetcher.NewHTTPFetcher()
	}

	providers := provider.NewRegistry(provider.Deps{
		Fetcher:       fetch,
		Converter:     conv,
		Cache:         store,
		DecodeTexture: opts.DecodeTexture,
		DecodeMesh:    opts.DecodeMesh,
		DecodePoints:  opts.DecodePoints,
		OpenRaster:    opts.OpenRaster,
	})

	s := &Streamer{
		store:     store,
		converter: conv,
		providers: providers,
		layers:    make(map[string]*attachedLayer),
	}
	s.sched = scheduler.New(providers, store, s.attachResult, &scheduler.Options{
		Workers:      opts.Workers,
		NotifyChange: opts.NotifyChange,
	})
	s.sched.Start(ctx)
	return s
}

// Attach preprocesses the layer and plants its tree. Preprocessing failure
// fails the attach, the layer stays unknown.
func (s *Streamer) Attach(ctx context.Context, l *layer.Layer) error {
	if err := l.Validate(); err != nil {
		return err
	}
	prov, ok := s.providers[l.Kind]
	if !ok {
		return fmt.Errorf("streamer: no provider for layer kind %s", l.Kind)
	}

	s.mu.Lock()
	_, dup := s.layers[l.Id]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("streamer: layer %s already attached", l.Id)
	}

	if err := prov.Preprocess(ctx, l); err != nil {
		return err
	}
	if l.ComputedExtent == nil {
		return errors.New("streamer: preprocessing left no layer extent")
	}

	w, h := l.ComputedExtent.Dimensions()
	root := tree.NewRoot(l.ComputedExtent, math.Sqrt(w*w+h*h), func(key string) {
		s.store.Release(key)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.layers[l.Id]; dup {
		return fmt.Errorf("streamer: layer %s already attached", l.Id)
	}
	s.layers[l.Id] = &attachedLayer{layer: l, root: root}
	glog.Infof("attached layer %s kind=%s extent=%s", l.Id, l.Kind, l.ComputedExtent)
	return nil
}

// Detach disposes the layer tree and evicts every cache entry under the
// layer's key prefix.
func (s *Streamer) Detach(id string) bool {
	s.mu.Lock()
	attached, found := s.layers[id]
	delete(s.layers, id)
	s.mu.Unlock()
	if !found {
		return false
	}

	attached.root.Dispose()
	removed := s.store.DeletePrefix(attached.layer.KeyPrefix())
	glog.Infof("detached layer %s, %d cache entries dropped", id, removed)
	return true
}

// RunFrame walks every attached layer under the view and flushes the
// resulting command batch to the workers.
func (s *Streamer) RunFrame(ctx context.Context, view tree.View) error {
	s.mu.Lock()
	attached := make([]*attachedLayer, 0, len(s.layers))
	for _, a := range s.layers {
		attached = append(attached, a)
	}
	s.mu.Unlock()

	updater := tree.NewUpdater(s.sched, s.providers)
	for _, a := range attached {
		if err := updater.Update(ctx, a.root, a.layer, view); err != nil {
			return err
		}
	}
	s.sched.Flush()
	return nil
}

// Prefetch synchronously warms the cache for one layer: frames are run with
// the given view until a frame enqueues nothing new, each frame drained
// before the next so lazily expanded hierarchies get walked too.
func (s *Streamer) Prefetch(ctx context.Context, layerId string, view tree.View) error {
	s.mu.Lock()
	attached, found := s.layers[layerId]
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("streamer: layer %s not attached", layerId)
	}

	const maxRounds = 64

	updater := tree.NewUpdater(s.sched, s.providers)
	for round := 0; ; round++ {
		if round >= maxRounds {
			return fmt.Errorf("streamer: prefetch of layer %s did not converge", layerId)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := updater.Update(ctx, attached.root, attached.layer, view); err != nil {
			return err
		}
		queued := s.sched.QueuedLen()
		s.sched.Flush()
		s.sched.Drain()
		if queued == 0 {
			return nil
		}
	}
}

func (s *Streamer) Root(layerId string) (*tree.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attached, found := s.layers[layerId]
	if !found {
		return nil, false
	}
	return attached.root, true
}

func (s *Streamer) Stop() {
	s.sched.Stop()
	s.converter.Cleanup()
}

// attachResult is the scheduler delivery hook. It writes the settled result
// into the requesting node unless the node was pruned while the command was
// in flight.
func (s *Streamer) attachResult(cmd *provider.Command, res *provider.Result, err error) {
	if err != nil || res == nil {
		return
	}
	node, ok := cmd.Requester.(*tree.Node)
	if !ok || node.Disposed() {
		return
	}

	node.SetContent(&tree.Content{
		Result: res,
		Level:  selectionLevel(cmd.Selection),
		NodeId: selectionNodeId(cmd.Selection),
	})
	if err := s.store.Retain(cmd.Key()); err == nil {
		node.Retain(cmd.Key())
	}
}

func selectionLevel(sel provider.Selection) int {
	switch s := sel.(type) {
	case provider.TileSelection:
		return s.Z
	case provider.OverviewSelection:
		return s.Level
	}
	return 0
}

func selectionNodeId(sel provider.Selection) int {
	switch s := sel.(type) {
	case provider.NodeSelection:
		return s.NodeId
	case provider.OctreeSelection:
		return s.NodeId
	}
	return -1
}
