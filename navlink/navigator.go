package navlink

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultDwell        = 300 * time.Millisecond
	DefaultThreshold    = 0.1
	DefaultRootMargin   = "0px"
	DefaultMaxDiscovery = 2
)

// PrefetchKind selects how much route data the router warms.
type PrefetchKind int

const (
	PrefetchFull PrefetchKind = iota
	PrefetchPartial
)

func (k PrefetchKind) String() string {
	if k == PrefetchPartial {
		return "partial"
	}
	return "full"
}

// Router performs client-side route prefetching and navigation.
type Router interface {
	Prefetch(ctx context.Context, href string, kind PrefetchKind) error
	Push(href string)
}

// PreloadRequest is a real image preload.
type PreloadRequest struct {
	Image         ImageDescriptor
	Decoding      string
	FetchPriority string
}

// Preloader issues image preloads.
type Preloader interface {
	Preload(ctx context.Context, req PreloadRequest) error
}

// ObserverOptions configures a visibility observation.
type ObserverOptions struct {
	RootMargin string
	Threshold  float64
}

// Observation is a live visibility subscription for one element.
type Observation interface {
	Unobserve()
	Disconnect()
}

// Observer watches element visibility and reports changes to onChange.
type Observer interface {
	Observe(opts ObserverOptions, onChange func(IntersectionEntry)) Observation
}

// Config wires a Navigator.
type Config struct {
	// PageURL is the current page; hrefs are resolved against it.
	PageURL    *url.URL
	Router     Router
	Preloader  Preloader
	Discoverer Discoverer
	Observer   Observer
	Clock      Clock
	Cache      *Cache
	Logger     *zap.Logger

	Dwell        time.Duration
	Threshold    float64
	RootMargin   string
	MaxDiscovery int64

	// Development surfaces discovery failures at error level.
	Development bool
	// OnError receives discovery failures. Defaults to logging them.
	OnError func(href string, err error)
}

// Navigator owns the caches and capabilities shared by every mounted link.
type Navigator struct {
	cfg    Config
	cache  *Cache
	logger *zap.Logger
	clock  Clock
	sem    *semaphore.Weighted

	mu      sync.RWMutex
	page    *url.URL
	ctx     context.Context
	cancel  context.CancelFunc
	flights *singleflight.Group
	closed  bool
	pending sync.WaitGroup
}

// New builds a Navigator, filling unset fields with defaults.
func New(cfg Config) *Navigator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Dwell <= 0 {
		cfg.Dwell = DefaultDwell
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RootMargin == "" {
		cfg.RootMargin = DefaultRootMargin
	}
	if cfg.MaxDiscovery <= 0 {
		cfg.MaxDiscovery = DefaultMaxDiscovery
	}
	if cfg.Router == nil {
		cfg.Router = nopRouter{}
	}
	if cfg.Preloader == nil {
		cfg.Preloader = nopPreloader{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Navigator{
		cfg:    cfg,
		cache:  cfg.Cache,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		sem:    semaphore.NewWeighted(cfg.MaxDiscovery),
		page:   cfg.PageURL,
		ctx:    ctx,
		cancel: cancel,

		flights: new(singleflight.Group),
	}
	if n.cfg.OnError == nil {
		n.cfg.OnError = n.logDiscoveryError
	}
	return n
}

// Cache exposes the shared image cache.
func (n *Navigator) Cache() *Cache { return n.cache }

// PageURL returns the current page URL.
func (n *Navigator) PageURL() *url.URL {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.page
}

// SetPageURL records a client-side navigation to u.
func (n *Navigator) SetPageURL(u *url.URL) {
	n.mu.Lock()
	n.page = u
	n.mu.Unlock()
}

// Reset cancels in-flight discovery and clears the caches.
func (n *Navigator) Reset() {
	n.mu.Lock()
	n.cancel()
	n.ctx, n.cancel = context.WithCancel(context.Background())
	// Flights started before the reset are cancelled and must not absorb
	// new triggers for the same destination.
	n.flights = new(singleflight.Group)
	n.mu.Unlock()
	n.cache.Reset()
	n.logger.Debug("navigator reset")
}

// Wait blocks until background prefetch work has finished.
func (n *Navigator) Wait() { n.pending.Wait() }

// Close cancels background work and waits for it to stop.
func (n *Navigator) Close() {
	n.mu.Lock()
	n.closed = true
	n.cancel()
	n.mu.Unlock()
	n.pending.Wait()
}

// goBackground runs f on its own goroutine under the navigator's context.
func (n *Navigator) goBackground(f func(ctx context.Context)) {
	n.spawn(func(ctx context.Context, _ *singleflight.Group) { f(ctx) })
}

// spawn is goBackground that also hands f the flight group of the same
// reset generation as ctx.
func (n *Navigator) spawn(f func(ctx context.Context, flights *singleflight.Group)) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	ctx, flights := n.ctx, n.flights
	n.pending.Add(1)
	n.mu.RUnlock()
	go func() {
		defer n.pending.Done()
		f(ctx, flights)
	}()
}

func (n *Navigator) prefetchRoute(href string) {
	n.goBackground(func(ctx context.Context) {
		if err := n.cfg.Router.Prefetch(ctx, href, PrefetchFull); err != nil {
			n.logger.Debug("route prefetch failed", zap.String("href", href), zap.Error(err))
		}
	})
}

func (n *Navigator) discoverImages(href string) {
	if n.cfg.Discoverer == nil {
		return
	}
	n.spawn(func(ctx context.Context, flights *singleflight.Group) {
		_, _, _ = flights.Do(href, func() (interface{}, error) {
			if n.cache.Has(href) {
				return nil, nil
			}
			if err := n.sem.Acquire(ctx, 1); err != nil {
				return nil, nil
			}
			defer n.sem.Release(1)
			imgs, err := n.cfg.Discoverer.Discover(ctx, href)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return nil, nil
			case errors.Is(err, ErrDiscoveryUnavailable):
				// Not cached, so the next view or hover retries.
				n.logger.Debug("image discovery unavailable", zap.String("href", href), zap.Error(err))
				return nil, nil
			default:
				n.cfg.OnError(href, err)
				return nil, nil
			}
			if ctx.Err() != nil {
				return nil, nil
			}
			n.cache.Store(href, imgs)
			n.logger.Debug("images discovered", zap.String("href", href), zap.Int("count", len(imgs)))
			return nil, nil
		})
	})
}

func (n *Navigator) preloadImage(href string, img ImageDescriptor) {
	if !n.cache.MarkSeen(img) {
		return
	}
	req := PreloadRequest{Image: img, Decoding: "async", FetchPriority: "low"}
	n.goBackground(func(ctx context.Context) {
		if err := n.cfg.Preloader.Preload(ctx, req); err != nil {
			n.logger.Debug("image preload failed", zap.String("href", href), zap.String("src", img.Src), zap.Error(err))
		}
	})
}

func (n *Navigator) logDiscoveryError(href string, err error) {
	if n.cfg.Development {
		n.logger.Error("image discovery failed", zap.String("href", href), zap.Error(err))
		return
	}
	n.logger.Debug("image discovery failed", zap.String("href", href), zap.Error(err))
}

type nopRouter struct{}

func (nopRouter) Prefetch(context.Context, string, PrefetchKind) error { return nil }
func (nopRouter) Push(string)                                          {}

type nopPreloader struct{}

func (nopPreloader) Preload(context.Context, PreloadRequest) error { return nil }

type nopObserver struct{}

func (nopObserver) Observe(ObserverOptions, func(IntersectionEntry)) Observation {
	return nopObservation{}
}

type nopObservation struct{}

func (nopObservation) Unobserve()  {}
func (nopObservation) Disconnect() {}
