package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
	"github.com/ecopia-map/tile_scheduler/internal/provider"
)

// Scripted provider counting executions per selection key
type scriptedProvider struct {
	mu       sync.Mutex
	executed map[string]int
	order    []string
	fail     map[string]error
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{executed: make(map[string]int), fail: make(map[string]error)}
}

func (p *scriptedProvider) Kind() layer.Kind { return layer.KindImagery }

func (p *scriptedProvider) Preprocess(ctx context.Context, l *layer.Layer) error { return nil }

func (p *scriptedProvider) TileInsideLimit(extent *geometry.Extent, level int, l *layer.Layer) bool {
	return true
}

func (p *scriptedProvider) Improvements(l *layer.Layer, extent *geometry.Extent, current provider.Current) (provider.Selection, provider.State) {
	return nil, provider.StateAlreadyLoaded
}

func (p *scriptedProvider) Execute(ctx context.Context, cmd *provider.Command) (*provider.Result, error) {
	p.mu.Lock()
	key := cmd.Selection.Key()
	p.executed[key]++
	p.order = append(p.order, key)
	err := p.fail[key]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if cmd.Requester != nil && cmd.Requester.Disposed() {
		return nil, nil
	}
	return &provider.Result{Texture: &provider.Texture{Width: 1, Height: 1, Data: []byte{0}}}, nil
}

func (p *scriptedProvider) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executed[key]
}

type keySelection string

func (s keySelection) Key() string { return string(s) }

type staticRequester bool

func (r staticRequester) Disposed() bool { return bool(r) }

type recorder struct {
	mu         sync.Mutex
	deliveries []error
}

func (r *recorder) deliver(cmd *provider.Command, res *provider.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, err)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func testLayer(t *testing.T) *layer.Layer {
	t.Helper()
	extent, err := geometry.NewExtent("EPSG:3857", 0, 100, 0, 100)
	require.NoError(t, err)
	return &layer.Layer{
		Id:             "l",
		Kind:           layer.KindImagery,
		ComputedExtent: extent,
		Attached:       true,
	}
}

func newTestScheduler(t *testing.T, p provider.Provider, deliver Delivery) *Scheduler {
	t.Helper()
	providers := map[layer.Kind]provider.Provider{layer.KindImagery: p}
	s := New(providers, cache.New(), deliver, &Options{Workers: 2})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestEnqueueExecutesAndDelivers(t *testing.T) {
	p := newScriptedProvider()
	rec := &recorder{}
	s := newTestScheduler(t, p, rec.deliver)
	l := testLayer(t)

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("a")})
	assert.Equal(t, 1, s.QueuedLen())
	s.Flush()
	s.Drain()

	assert.Equal(t, 1, p.count("a"))
	assert.Equal(t, 1, rec.count())
	assert.NoError(t, rec.deliveries[0])
}

func TestSiblingDedupSharesOneExecution(t *testing.T) {
	p := newScriptedProvider()
	rec := &recorder{}
	s := newTestScheduler(t, p, rec.deliver)
	l := testLayer(t)

	// three siblings ask for the same key in one frame
	for i := 0; i < 3; i++ {
		s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("shared")})
	}
	assert.Equal(t, 1, s.QueuedLen(), "only the owner command is queued")
	s.Flush()
	s.Drain()

	assert.Equal(t, 1, p.count("shared"), "siblings share one provider execution")
	assert.Equal(t, 3, rec.count(), "every requester still gets its delivery")
}

func TestSettledKeyDeliversImmediately(t *testing.T) {
	p := newScriptedProvider()
	rec := &recorder{}
	s := newTestScheduler(t, p, rec.deliver)
	l := testLayer(t)

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("a")})
	s.Flush()
	s.Drain()

	// a later frame asking again is served from the cache
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("a")})
	assert.Zero(t, s.QueuedLen())
	s.Drain()

	assert.Equal(t, 1, p.count("a"))
	assert.Equal(t, 2, rec.count())
}

func TestFailureClearsDedupForRetry(t *testing.T) {
	p := newScriptedProvider()
	boom := errors.New("fetch failed")
	p.fail["bad"] = boom
	rec := &recorder{}
	s := newTestScheduler(t, p, rec.deliver)
	l := testLayer(t)

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("bad")})
	s.Flush()
	s.Drain()
	require.Equal(t, 1, rec.count())
	assert.ErrorIs(t, rec.deliveries[0], boom)

	// the failed key is retryable on the next frame
	p.mu.Lock()
	delete(p.fail, "bad")
	p.mu.Unlock()

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("bad")})
	assert.Equal(t, 1, s.QueuedLen(), "failure cleared the in-flight entry")
	s.Flush()
	s.Drain()

	assert.Equal(t, 2, p.count("bad"))
	assert.NoError(t, rec.deliveries[1])
}

func TestDisposedRequesterVoidsSharedKey(t *testing.T) {
	p := newScriptedProvider()
	rec := &recorder{}
	s := newTestScheduler(t, p, rec.deliver)
	l := testLayer(t)

	// the owning node was pruned before a worker picked the command up, a
	// live sibling shares the key as a waiter
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Requester: staticRequester(true), Selection: keySelection("k")})
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Requester: staticRequester(false), Selection: keySelection("k")})
	s.Flush()
	s.Drain()

	assert.Equal(t, 1, p.count("k"))
	assert.Zero(t, rec.count(), "a voided execution delivers nothing")

	// the voided key is retryable and is not served from the cache
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Requester: staticRequester(false), Selection: keySelection("k")})
	require.Equal(t, 1, s.QueuedLen(), "the retry owns a fresh entry")
	s.Flush()
	s.Drain()

	assert.Equal(t, 2, p.count("k"))
	require.Equal(t, 1, rec.count())
	assert.NoError(t, rec.deliveries[0])
}

func TestFlushOrdersByPriority(t *testing.T) {
	p := newScriptedProvider()
	rec := &recorder{}

	// single worker so the execution order is the flush order
	providers := map[layer.Kind]provider.Provider{layer.KindImagery: p}
	s := New(providers, cache.New(), rec.deliver, &Options{Workers: 1})
	l := testLayer(t)

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("low"), Priority: -5})
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("high"), Priority: 0})
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("mid"), Priority: -2})

	s.Start(context.Background())
	defer s.Stop()
	s.Flush()
	s.Drain()

	p.mu.Lock()
	order := append([]string(nil), p.order...)
	p.mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestLocalityOrdersEqualPriorities(t *testing.T) {
	p := newScriptedProvider()
	s := New(map[layer.Kind]provider.Provider{layer.KindImagery: p}, cache.New(), func(*provider.Command, *provider.Result, error) {}, nil)
	l := testLayer(t)

	nw, err := geometry.NewExtent("EPSG:3857", 0, 10, 90, 100)
	require.NoError(t, err)
	se, err := geometry.NewExtent("EPSG:3857", 90, 100, 0, 10)
	require.NoError(t, err)

	a := s.localityCode(&provider.Command{Layer: l, Extent: nw})
	b := s.localityCode(&provider.Command{Layer: l, Extent: se})
	assert.NotEqual(t, a, b, "distinct regions map to distinct curve positions")

	assert.Zero(t, s.localityCode(&provider.Command{Layer: l}), "commands without extent sort first")
}

func TestNotifyChangeFiresPerSettledCommand(t *testing.T) {
	p := newScriptedProvider()
	var notifications int32
	providers := map[layer.Kind]provider.Provider{layer.KindImagery: p}
	s := New(providers, cache.New(), func(*provider.Command, *provider.Result, error) {}, &Options{
		Workers:      2,
		NotifyChange: func() { atomic.AddInt32(&notifications, 1) },
	})
	s.Start(context.Background())
	defer s.Stop()
	l := testLayer(t)

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("a")})
	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("b")})
	s.Flush()
	s.Drain()

	assert.Equal(t, int32(2), atomic.LoadInt32(&notifications))
}

func TestUnknownKindRejects(t *testing.T) {
	rec := &recorder{}
	s := New(map[layer.Kind]provider.Provider{}, cache.New(), rec.deliver, &Options{Workers: 1})
	s.Start(context.Background())
	defer s.Stop()
	l := testLayer(t)

	s.Enqueue(context.Background(), &provider.Command{Layer: l, Selection: keySelection("a")})
	s.Flush()
	s.Drain()

	require.Equal(t, 1, rec.count())
	assert.Error(t, rec.deliveries[0])
}
