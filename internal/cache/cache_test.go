package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
)

type sizedValue struct {
	size     int64
	disposed *int32
}

func (v *sizedValue) ByteSize() int64 { return v.size }

func (v *sizedValue) Dispose() {
	if v.disposed != nil {
		atomic.AddInt32(v.disposed, 1)
	}
}

func TestSetReturnsFirstStoredValue(t *testing.T) {
	c := cache.New()

	first := c.Set("k", "one", cache.PolicyDefault)
	second := c.Set("k", "two", cache.PolicyDefault)

	assert.Equal(t, "one", first)
	assert.Equal(t, "one", second, "later Set must return the already stored instance")
}

func TestConcurrentGetOrBeginHasOneOwner(t *testing.T) {
	c := cache.New()

	const goroutines = 32
	var owners int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			value, found, pending, owner := c.GetOrBegin("k", cache.PolicyDefault)
			if owner {
				atomic.AddInt32(&owners, 1)
				pending.Resolve("computed")
				return
			}
			if found {
				assert.Equal(t, "computed", value)
				return
			}
			settled, err := pending.Wait(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "computed", settled)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), owners, "exactly one caller may own the computation")
}

func TestRejectClearsEntryForRetry(t *testing.T) {
	c := cache.New()

	_, _, pending, owner := c.GetOrBegin("k", cache.PolicyDefault)
	require.True(t, owner)

	_, _, waiter, waiterOwner := c.GetOrBegin("k", cache.PolicyDefault)
	require.False(t, waiterOwner)
	waitErr := make(chan error, 1)
	go func() {
		_, err := waiter.Wait(context.Background())
		waitErr <- err
	}()

	boom := errors.New("boom")
	pending.Reject(boom)
	assert.ErrorIs(t, <-waitErr, boom)

	// the failed key is gone, the next frame begins fresh
	_, found := c.Get("k")
	assert.False(t, found)
	_, _, _, owner = c.GetOrBegin("k", cache.PolicyDefault)
	assert.True(t, owner)
}

func TestCancelClearsEntryWithoutValue(t *testing.T) {
	c := cache.New()

	_, _, pending, owner := c.GetOrBegin("k", cache.PolicyDefault)
	require.True(t, owner)

	_, _, waiter, waiterOwner := c.GetOrBegin("k", cache.PolicyDefault)
	require.False(t, waiterOwner)

	pending.Cancel()

	value, err := waiter.Wait(context.Background())
	require.NoError(t, err)
	assert.Nil(t, value, "a voided entry carries no value")

	// the voided key is gone, the next frame begins fresh
	_, found := c.Get("k")
	assert.False(t, found)
	_, _, _, owner = c.GetOrBegin("k", cache.PolicyDefault)
	assert.True(t, owner)
}

func TestWaitHonorsContext(t *testing.T) {
	c := cache.New()

	_, _, _, owner := c.GetOrBegin("k", cache.PolicyDefault)
	require.True(t, owner)

	_, _, waiter, _ := c.GetOrBegin("k", cache.PolicyDefault)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := waiter.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetainReleaseSemantics(t *testing.T) {
	c := cache.New()
	var disposed int32
	c.Set("k", &sizedValue{size: 8, disposed: &disposed}, cache.PolicyDefault)

	const consumers = 5
	for i := 0; i < consumers; i++ {
		require.NoError(t, c.Retain("k"))
	}

	// n-1 releases keep the resource alive
	for i := 0; i < consumers-1; i++ {
		assert.False(t, c.Release("k"))
		assert.Equal(t, int32(0), atomic.LoadInt32(&disposed))
	}

	// the n-th release disposes and purges
	assert.True(t, c.Release("k"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&disposed))
	_, found := c.Get("k")
	assert.False(t, found)

	assert.Error(t, c.Retain("k"), "retaining a purged entry must fail")
}

func TestReleaseWithoutRetainIsRefused(t *testing.T) {
	c := cache.New()
	c.Set("k", "v", cache.PolicyDefault)
	assert.False(t, c.Release("k"))
	_, found := c.Get("k")
	assert.True(t, found)
}

func TestTextureEvictionRespectsLimitAndRefcounts(t *testing.T) {
	c := cache.NewWithTextureLimit(100)

	c.Set("a", &sizedValue{size: 40}, cache.PolicyTexture)
	c.Set("b", &sizedValue{size: 40}, cache.PolicyTexture)
	require.NoError(t, c.Retain("a"))

	// pushes the aggregate over the limit, the unreferenced lru entry goes
	c.Set("c", &sizedValue{size: 40}, cache.PolicyTexture)

	_, foundA := c.Get("a")
	_, foundB := c.Get("b")
	_, foundC := c.Get("c")
	assert.True(t, foundA, "referenced entries are never evicted")
	assert.False(t, foundB)
	assert.True(t, foundC)
}

func TestDefaultPolicyIgnoresTextureLimit(t *testing.T) {
	c := cache.NewWithTextureLimit(10)
	for _, key := range []string{"a", "b", "c"} {
		c.Set(key, &sizedValue{size: 1000}, cache.PolicyDefault)
	}
	assert.Equal(t, 3, c.Len())
}

func TestDeletePrefix(t *testing.T) {
	c := cache.New()
	c.Set("layer-1/tile/1", "v", cache.PolicyDefault)
	c.Set("layer-1/tile/2", "v", cache.PolicyDefault)
	c.Set("layer-2/tile/1", "v", cache.PolicyDefault)

	assert.Equal(t, 2, c.DeletePrefix("layer-1/"))
	assert.Equal(t, 1, c.Len())
	_, found := c.Get("layer-2/tile/1")
	assert.True(t, found)
}
