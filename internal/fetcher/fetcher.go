// Package fetcher defines the network collaborator used by every provider.
// Providers never manage retries or timeouts themselves beyond the documented
// COG specific transient retry, they only call Fetch.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ecopia-map/tile_scheduler/internal/layer"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string, opts layer.NetworkOptions) ([]byte, error)
}

// Returned for HTTP statuses outside 2xx so callers can distinguish a missing
// tile from a transport failure.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: %s returned status %d", e.URL, e.StatusCode)
}

// True for statuses meaning the resource does not exist at all, as opposed to
// a transient server side failure.
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusNoContent
}

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts layer.NetworkOptions) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: create request failed: %w", err)
	}

	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: fetch %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetcher: read response of %s failed: %w", url, err)
	}

	return data, nil
}
