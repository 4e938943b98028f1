package navlink

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"
)

// HTTPRouter warms destinations by requesting them the way a router
// prefetch would. Push only records the destination.
type HTTPRouter struct {
	base   *url.URL
	client *http.Client
	onPush func(href string)

	mu         sync.Mutex
	lastPushed string
	prefetches atomic.Int64
}

// NewHTTPRouter builds a router for the deployment at base.
func NewHTTPRouter(base *url.URL, client *http.Client, onPush func(string)) *HTTPRouter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRouter{base: base, client: client, onPush: onPush}
}

// Prefetch implements Router.
func (r *HTTPRouter) Prefetch(ctx context.Context, href string, kind PrefetchKind) error {
	u, err := resolveHref(r.base, href)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", href, err)
	}
	if r.base != nil && !sameOrigin(r.base, href) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", href, err)
	}
	req.Header.Set("Sec-Purpose", "prefetch")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	if kind == PrefetchPartial {
		req.Header.Set("Next-Router-Prefetch", "1")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", href, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	r.prefetches.Add(1)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("prefetch %s: status %d", href, resp.StatusCode)
	}
	return nil
}

// Push implements Router.
func (r *HTTPRouter) Push(href string) {
	r.mu.Lock()
	r.lastPushed = href
	r.mu.Unlock()
	if r.onPush != nil {
		r.onPush(href)
	}
}

// LastPushed returns the most recent navigation target.
func (r *HTTPRouter) LastPushed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPushed
}

// Prefetches returns the number of completed prefetch requests.
func (r *HTTPRouter) Prefetches() int64 { return r.prefetches.Load() }

// PreloadResult is reported for every decoded preload.
type PreloadResult struct {
	URL    string
	Format string
	Width  int
	Height int
	Bytes  int64
}

// HTTPPreloader fetches images and checks that they decode.
type HTTPPreloader struct {
	base     *url.URL
	client   *http.Client
	sem      *semaphore.Weighted
	onResult func(PreloadResult)
}

// NewHTTPPreloader builds a preloader issuing at most limit concurrent fetches.
func NewHTTPPreloader(base *url.URL, client *http.Client, limit int64, onResult func(PreloadResult)) *HTTPPreloader {
	if client == nil {
		client = http.DefaultClient
	}
	if limit <= 0 {
		limit = 4
	}
	return &HTTPPreloader{base: base, client: client, sem: semaphore.NewWeighted(limit), onResult: onResult}
}

// Preload implements Preloader.
func (p *HTTPPreloader) Preload(ctx context.Context, pr PreloadRequest) error {
	src := pr.Image.FirstCandidate()
	if src == "" {
		return errors.New("preload: descriptor has no source")
	}
	u, err := resolveHref(p.base, src)
	if err != nil {
		return fmt.Errorf("preload %s: %w", src, err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("preload %s: %w", src, err)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	if pr.FetchPriority == "low" {
		req.Header.Set("Priority", lowPriority)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("preload %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("preload %s: status %d", src, resp.StatusCode)
	}
	counter := &countingReader{r: resp.Body}
	cfg, format, err := image.DecodeConfig(counter)
	if err != nil {
		return fmt.Errorf("preload %s: decode: %w", src, err)
	}
	_, _ = io.Copy(io.Discard, counter)
	if p.onResult != nil {
		p.onResult(PreloadResult{
			URL:    u.String(),
			Format: format,
			Width:  cfg.Width,
			Height: cfg.Height,
			Bytes:  counter.n,
		})
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
