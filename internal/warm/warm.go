// Package warm drives the link prefetch flow against a live deployment so
// route and image caches are hot before real visitors arrive.
package warm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tidepool/internal/discovery"
	"tidepool/navlink"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
	settlePoll         = 20 * time.Millisecond
)

// Options configures a warm run.
type Options struct {
	// Base is the storefront origin, e.g. https://shop.example.
	Base string
	// DiscoveryBase serves /api/prefetch-images. Defaults to Base.
	DiscoveryBase string
	// From lists seed pages whose same-origin links become targets when
	// Paths is empty. Defaults to "/".
	From        []string
	Paths       []string
	Development bool
	Concurrency int
	Dwell       time.Duration
	Client      *http.Client
	Logger      *zap.Logger
}

// Failure records one step that did not succeed.
type Failure struct {
	Href string
	Step string
	Err  error
}

// Report summarises a warm run.
type Report struct {
	Targets         []string
	RoutePrefetches int64
	Images          map[string]int
	Preloads        []navlink.PreloadResult
	Failures        []Failure
}

// DiscoveredImages is the total number of descriptors found across targets.
func (r *Report) DiscoveredImages() int {
	n := 0
	for _, c := range r.Images {
		n += c
	}
	return n
}

// Run mounts a link for every target, lets each dwell in view, waits for
// image discovery to settle, then hovers every link so eager images preload.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Dwell <= 0 {
		opts.Dwell = navlink.DefaultDwell
	}
	base, err := url.Parse(strings.TrimRight(opts.Base, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("warm: base %q is not an absolute URL", opts.Base)
	}
	discoveryBase := firstNonEmpty(opts.DiscoveryBase, base.String())
	logger := opts.Logger

	report := &Report{Images: map[string]int{}}
	var mu sync.Mutex
	fail := func(href, step string, err error) {
		mu.Lock()
		report.Failures = append(report.Failures, Failure{Href: href, Step: step, Err: err})
		mu.Unlock()
	}

	targets := normalizePaths(opts.Paths)
	if len(targets) == 0 {
		targets, err = collectTargets(ctx, opts.Client, base, opts.From, opts.Concurrency, logger)
		if err != nil {
			return nil, err
		}
	}
	report.Targets = targets
	if len(targets) == 0 {
		return report, nil
	}

	discoverer, err := navlink.NewHTTPDiscoverer(discoveryBase, opts.Client, opts.Development)
	if err != nil {
		return nil, err
	}
	router := navlink.NewHTTPRouter(base, opts.Client, nil)
	preloader := &recordingPreloader{
		next: navlink.NewHTTPPreloader(base, opts.Client, int64(opts.Concurrency), func(r navlink.PreloadResult) {
			mu.Lock()
			report.Preloads = append(report.Preloads, r)
			mu.Unlock()
		}),
		onError: func(src string, err error) { fail(src, "preload", err) },
	}
	view := &viewport{}
	nav := navlink.New(navlink.Config{
		PageURL:     base.ResolveReference(&url.URL{Path: "/"}),
		Router:      router,
		Preloader:   preloader,
		Discoverer:  discoverer,
		Observer:    view,
		Logger:      logger,
		Dwell:       opts.Dwell,
		Development: opts.Development,
		OnError:     func(href string, err error) { fail(href, "discover", err) },
	})
	defer nav.Close()

	links := make([]*navlink.Link, 0, len(targets))
	for _, t := range targets {
		links = append(links, nav.Mount(t))
	}
	defer func() {
		for _, l := range links {
			_ = l.Close()
		}
	}()

	logger.Info("warming", zap.Int("targets", len(targets)), zap.String("base", base.String()))
	view.showAll()
	if err := settle(ctx, view); err != nil {
		return report, err
	}
	nav.Wait()

	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		l.PointerEnter()
	}
	nav.Wait()

	for _, t := range targets {
		if imgs, ok := nav.Cache().Images(t); ok {
			report.Images[t] = len(imgs)
		}
	}
	report.RoutePrefetches = router.Prefetches()
	mu.Lock()
	sort.Slice(report.Preloads, func(i, j int) bool { return report.Preloads[i].URL < report.Preloads[j].URL })
	mu.Unlock()
	logger.Info("warm complete",
		zap.Int("targets", len(targets)),
		zap.Int64("route_prefetches", report.RoutePrefetches),
		zap.Int("images", report.DiscoveredImages()),
		zap.Int("preloads", len(report.Preloads)),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

// settle blocks until every link has fired its dwell and stopped observing.
// Unobserve is the last effect of a dwell, so background discovery is
// already registered with the navigator by then.
func settle(ctx context.Context, view *viewport) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		if view.observing() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// collectTargets fetches the seed pages concurrently and returns their
// distinct same-origin links in seed order.
func collectTargets(ctx context.Context, client *http.Client, base *url.URL, from []string, limit int, logger *zap.Logger) ([]string, error) {
	seeds := normalizePaths(from)
	if len(seeds) == 0 {
		seeds = []string{"/"}
	}
	found := make([][]string, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			page := base.ResolveReference(&url.URL{Path: seed})
			links, err := fetchLinks(gctx, client, page)
			if err != nil {
				return err
			}
			logger.Debug("seed page scanned", zap.String("page", page.String()), zap.Int("links", len(links)))
			found[i] = links
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]struct{}{}
	for _, links := range found {
		for _, l := range links {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out, nil
}

func fetchLinks(ctx context.Context, client *http.Client, page *url.URL) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch seed %s: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch seed %s: status %d", page, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", page, err)
	}
	return discovery.ParseLinks(body, resp.Request.URL)
}

func normalizePaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		out = append(out, p)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// viewport is an Observer for a headless page where every link scrolls into
// view at once.
type viewport struct {
	mu        sync.Mutex
	callbacks []*entry
}

type entry struct {
	mu       sync.Mutex
	onChange func(navlink.IntersectionEntry)
	active   bool
}

func (e *entry) Unobserve()  { e.stop() }
func (e *entry) Disconnect() { e.stop() }

func (e *entry) stop() {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
}

func (v *viewport) Observe(_ navlink.ObserverOptions, onChange func(navlink.IntersectionEntry)) navlink.Observation {
	e := &entry{onChange: onChange, active: true}
	v.mu.Lock()
	v.callbacks = append(v.callbacks, e)
	v.mu.Unlock()
	return e
}

func (v *viewport) observing() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, e := range v.callbacks {
		e.mu.Lock()
		if e.active {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (v *viewport) showAll() {
	v.mu.Lock()
	entries := append([]*entry(nil), v.callbacks...)
	v.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		active := e.active
		e.mu.Unlock()
		if active {
			e.onChange(navlink.IntersectionEntry{IsIntersecting: true, Ratio: 1})
		}
	}
}

// recordingPreloader reports preload failures that the navigator swallows.
type recordingPreloader struct {
	next    navlink.Preloader
	onError func(src string, err error)
}

func (p *recordingPreloader) Preload(ctx context.Context, req navlink.PreloadRequest) error {
	err := p.next.Preload(ctx, req)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.onError(req.Image.FirstCandidate(), err)
	}
	return err
}
