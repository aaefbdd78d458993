package provider

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecopia-map/tile_scheduler/internal/cache"
	"github.com/ecopia-map/tile_scheduler/internal/fetcher"
	"github.com/ecopia-map/tile_scheduler/internal/geometry"
	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

// In-memory fetcher serving canned payloads, counting fetches per url
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string][]byte), calls: make(map[string]int)}
}

func (f *fakeFetcher) put(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = data
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, opts layer.NetworkOptions) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	data, ok := f.responses[url]
	if !ok {
		return nil, &fetcher.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return data, nil
}

type fakeRequester struct {
	disposed bool
}

func (r *fakeRequester) Disposed() bool { return r.disposed }

// Decoder treating the raw payload as a single opaque pixel
func fakeTextureDecoder(data []byte) (*Texture, error) {
	return &Texture{Width: 1, Height: 1, Data: append([]byte(nil), data...)}, nil
}

func testDeps(f *fakeFetcher) Deps {
	return Deps{
		Fetcher:       f,
		Cache:         cache.New(),
		DecodeTexture: fakeTextureDecoder,
	}
}

func mustExtent(t *testing.T, crs string, west, east, south, north float64) *geometry.Extent {
	t.Helper()
	e, err := geometry.NewExtent(crs, west, east, south, north)
	if err != nil {
		t.Fatalf("extent: %v", err)
	}
	return e
}

func TestResultByteSize(t *testing.T) {
	r := &Result{
		Texture: &Texture{Width: 2, Height: 2, Data: make([]byte, 16)},
		Mesh:    &Mesh{Positions: make([]float32, 9), Indices: make([]uint32, 3)},
		Points:  &PointBatch{Count: 2, Positions: make([]float32, 6), Colors: make([]uint8, 6)},
	}
	assert.Equal(t, int64(16+9*4+3*4+6*4+6), r.ByteSize())
}

func TestRequesterGone(t *testing.T) {
	cmd := &Command{}
	assert.False(t, requesterGone(cmd), "a command without requester is never voided")

	cmd.Requester = &fakeRequester{}
	assert.False(t, requesterGone(cmd))

	cmd.Requester = &fakeRequester{disposed: true}
	assert.True(t, requesterGone(cmd))
}

func TestCommandKeyScopedToLayer(t *testing.T) {
	l := &layer.Layer{Id: "base"}
	cmd := &Command{Layer: l, Selection: TileSelection{Z: 2, X: 1, Y: 3}}
	assert.Equal(t, "base/tile/2/1/3", cmd.Key())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "PENDING", StatePending.String())
	assert.Equal(t, "DATA_ALREADY_LOADED", StateAlreadyLoaded.String())
	assert.Equal(t, "DATA_UNAVAILABLE", StateUnavailable.String())
	assert.Equal(t, "DATA_NOT_AVAILABLE_YET", StateNotAvailableYet.String())
}
