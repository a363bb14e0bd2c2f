package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fablehost/fable/pkg/httpclient"
)

// maxPageBytes caps how much of a page is read before extraction.
const maxPageBytes = 4 << 20

// Fetcher pulls pages concurrently and runs the matching extractor on each.
type Fetcher struct {
	client        *httpclient.Client
	registry      *Registry
	maxConcurrent int
	timeout       time.Duration
}

// NewFetcher creates a Fetcher with the given parallelism and per-page
// timeout.
func NewFetcher(registry *Registry, maxConcurrent int, timeout time.Duration) *Fetcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Fetcher{
		client:        httpclient.New(httpclient.WithMaxRetries(1)),
		registry:      registry,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
	}
}

// FetchAll fetches and extracts every URL, bounded by the concurrency
// limit. The result preserves input order; individual failures are
// recorded on the FetchResult rather than aborting the batch.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []FetchResult {
	results := make([]FetchResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.maxConcurrent)

	for i, u := range urls {
		results[i] = FetchResult{URL: u, Weight: WeightFor(u)}
		g.Go(func() error {
			page, err := f.fetchOne(gctx, u)
			results[i].Page = page
			results[i].Err = err
			return nil
		})
	}
	// Workers never return errors; Wait just joins them.
	_ = g.Wait()

	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, pageURL string) (*Page, error) {
	fctx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pageURL, err)
	}

	return f.registry.For(pageURL)(string(body))
}
