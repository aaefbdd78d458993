// Package scheduler turns per-frame improvement decisions into deduplicated
// asynchronous work. Commands accumulate during a frame walk, get ordered by
// priority and spatial locality at flush time and are executed by a bounded
// pool of worker goroutines. The cache's pending entries are the in-flight
// gate: commands sharing a key share one provider execution.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/google/hilbert"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
	"github.com/ecopia-map/tile_scheduler/internal/provider"
)

const (
	defaultWorkers = 4

	// Grid resolution of the locality curve used to order equal priority
	// commands
	localityOrder = 1 << 10
)

// Called once per command when its shared execution settles. Runs on a
// worker goroutine.
type Delivery func(cmd *provider.Command, res *provider.Result, err error)

type Options struct {
	Workers int

	// Called after every settled execution so a render loop can schedule a
	// redraw. Optional.
	NotifyChange func()
}

func (o *Options) workers() int {
	if o == nil || o.Workers <= 0 {
		return defaultWorkers
	}
	return o.Workers
}

func (o *Options) notify() {
	if o != nil && o.NotifyChange != nil {
		o.NotifyChange()
	}
}

// One queued command together with the pending cache entry it owns
type queuedWork struct {
	cmd     *provider.Command
	pending *cache.Pending
}

type Scheduler struct {
	providers map[layer.Kind]provider.Provider
	store     *cache.Cache
	deliver   Delivery
	opts      *Options
	curve     *hilbert.Hilbert

	mu     sync.Mutex
	queued []queuedWork

	work    chan queuedWork
	wg      sync.WaitGroup
	jobs    sync.WaitGroup
	started bool
}

func New(providers map[layer.Kind]provider.Provider, store *cache.Cache, deliver Delivery, opts *Options) *Scheduler {
	curve, _ := hilbert.NewHilbert(localityOrder)
	return &Scheduler{
		providers: providers,
		store:     store,
		deliver:   deliver,
		opts:      opts,
		curve:     curve,
		work:      make(chan queuedWork, opts.workers()),
	}
}

// Start spawns the worker pool. Workers run until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.opts.workers(); i++ {
		s.wg.Add(1)
		go s.consume(ctx)
	}
}

// Stop closes the work channel and waits for in-flight executions to settle.
// Enqueue must not be called after Stop.
func (s *Scheduler) Stop() {
	close(s.work)
	s.wg.Wait()
}

// Enqueue registers a command for the current frame. A command whose key is
// already settled in the cache is delivered immediately; one whose key is in
// flight joins the pending execution instead of spawning a second one. Only
// the first command for a fresh key reaches a worker.
func (s *Scheduler) Enqueue(ctx context.Context, cmd *provider.Command) {
	key := cmd.Key()
	value, found, pending, owner := s.store.GetOrBegin(key, policyFor(cmd.Layer.Kind))

	if found {
		if res, ok := value.(*provider.Result); ok {
			s.deliver(cmd, res, nil)
		}
		return
	}

	if !owner {
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			settled, err := pending.Wait(ctx)
			if err != nil {
				s.deliver(cmd, nil, err)
				return
			}
			res, _ := settled.(*provider.Result)
			if res == nil {
				// the owner voided the execution, the key is retryable
				return
			}
			s.deliver(cmd, res, nil)
		}()
		return
	}

	s.jobs.Add(1)
	s.mu.Lock()
	s.queued = append(s.queued, queuedWork{cmd: cmd, pending: pending})
	s.mu.Unlock()
}

// Drain blocks until every enqueued command has settled and been delivered.
// Flush must have been called for queued work to make progress.
func (s *Scheduler) Drain() {
	s.jobs.Wait()
}

// Flush orders the frame's accumulated commands and hands them to the
// workers. Blocks while the pool is saturated, which backpressures the frame
// loop instead of growing an unbounded queue.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	batch := s.queued
	s.queued = nil
	s.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i].cmd, batch[j].cmd
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return s.localityCode(a) < s.localityCode(b)
	})

	for _, item := range batch {
		s.work <- item
	}
}

// QueuedLen reports how many commands wait for the next Flush
func (s *Scheduler) QueuedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

func (s *Scheduler) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		item, ok := <-s.work
		if !ok {
			break
		}
		s.execute(ctx, item)
	}
}

func (s *Scheduler) execute(ctx context.Context, item queuedWork) {
	defer s.jobs.Done()
	cmd := item.cmd

	p, ok := s.providers[cmd.Layer.Kind]
	if !ok {
		err := fmt.Errorf("scheduler: no provider for layer kind %s", cmd.Layer.Kind)
		item.pending.Reject(err)
		s.deliver(cmd, nil, err)
		return
	}

	res, err := p.Execute(ctx, cmd)
	if err != nil {
		glog.Warningf("command %s failed: %v", cmd.Key(), err)
		item.pending.Reject(err)
		s.deliver(cmd, nil, err)
		s.opts.notify()
		return
	}
	if res == nil {
		// the requester was disposed mid flight and the provider dropped the
		// command. Void the entry instead of caching a nil so a live node can
		// retry the key on a later frame.
		item.pending.Cancel()
		s.opts.notify()
		return
	}

	item.pending.Resolve(res)
	s.deliver(cmd, res, nil)
	s.opts.notify()
}

// Maps the command's extent center onto a hilbert curve over the layer's
// extent so spatially close commands of equal priority run back to back.
func (s *Scheduler) localityCode(cmd *provider.Command) int {
	domain := cmd.Layer.ComputedExtent
	if domain == nil || cmd.Extent == nil {
		return 0
	}
	w, h := domain.Dimensions()
	if w <= 0 || h <= 0 {
		return 0
	}
	cx, cy := cmd.Extent.Center()
	x := int(float64(localityOrder) * (cx - domain.West) / w)
	y := int(float64(localityOrder) * (domain.North - cy) / h)
	x = clampInt(x, 0, localityOrder-1)
	y = clampInt(y, 0, localityOrder-1)
	d, err := s.curve.MapInverse(x, y)
	if err != nil {
		return 0
	}
	return d
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Texture bearing layer kinds settle under the byte-bounded texture policy,
// hierarchy payloads stay resident until explicitly deleted.
func policyFor(kind layer.Kind) cache.Policy {
	switch kind {
	case layer.KindTiles3D, layer.KindPointCloud:
		return cache.PolicyDefault
	}
	return cache.PolicyTexture
}
