package navlink

import (
	"sync"

	"go.uber.org/zap"
)

// LinkOption customises a mounted link.
type LinkOption func(*linkOptions)

type linkOptions struct {
	prefetch bool
}

// WithoutPrefetch opts the link out of visibility and hover prefetching.
func WithoutPrefetch() LinkOption {
	return func(o *linkOptions) { o.prefetch = false }
}

// Outcome tells the event layer how to treat the native event.
type Outcome struct {
	PreventDefault bool
}

// Link is one rendered navigation link. It is created by Navigator.Mount and
// must be closed when the element goes away.
type Link struct {
	nav  *Navigator
	href string
	opts linkOptions

	mu     sync.Mutex
	state  LinkState
	timer  Timer
	obs    Observation
	closed bool
}

// Mount attaches a link for href. Unless prefetching is disabled the link
// starts observing its visibility immediately.
func (n *Navigator) Mount(href string, options ...LinkOption) *Link {
	opts := linkOptions{prefetch: true}
	for _, o := range options {
		o(&opts)
	}
	l := &Link{nav: n, href: href, opts: opts}
	if opts.prefetch {
		obs := n.cfg.Observer.Observe(ObserverOptions{
			RootMargin: n.cfg.RootMargin,
			Threshold:  n.cfg.Threshold,
		}, l.Intersect)
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			obs.Disconnect()
			return l
		}
		l.obs = obs
		l.mu.Unlock()
	}
	return l
}

// Href returns the destination.
func (l *Link) Href() string { return l.href }

// State returns a snapshot of the link state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Intersect feeds a visibility change from the observer.
func (l *Link) Intersect(entry IntersectionEntry) {
	l.dispatch(entry)
}

// PointerDown handles a pointer-down on the link.
func (l *Link) PointerDown(ev PointerEvent) Outcome {
	return l.dispatch(ev)
}

// Click handles a click on the link.
func (l *Link) Click() Outcome {
	return l.dispatch(ClickEvent{})
}

// PointerEnter handles a hover over the link.
func (l *Link) PointerEnter() {
	cached, _ := l.nav.cache.Images(l.href)
	l.dispatch(PointerEnterEvent{Cached: cached})
}

// Close stops observing the element and cancels any pending dwell timer.
// It is safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	next, effects := Step(l.state, l.env(), UnmountEvent{})
	l.state = next
	l.closed = true
	l.mu.Unlock()
	l.run(effects)
	return nil
}

func (l *Link) env() Env {
	return Env{
		Href:      l.href,
		Page:      l.nav.PageURL(),
		Prefetch:  l.opts.prefetch,
		Threshold: l.nav.cfg.Threshold,
	}
}

func (l *Link) dwellElapsed(token uint64) {
	l.dispatch(DwellElapsedEvent{Token: token, Cached: l.nav.cache.Has(l.href)})
}

func (l *Link) dispatch(ev Event) Outcome {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Outcome{}
	}
	next, effects := Step(l.state, l.env(), ev)
	l.state = next
	// Timers are armed and disarmed under the lock so a concurrent event
	// cannot observe a token without its timer.
	var rest []Effect
	for _, e := range effects {
		switch e.Kind {
		case EffectScheduleDwell:
			token := e.Token
			l.timer = l.nav.clock.AfterFunc(l.nav.cfg.Dwell, func() { l.dwellElapsed(token) })
		case EffectCancelDwell:
			if l.timer != nil {
				l.timer.Stop()
				l.timer = nil
			}
		default:
			rest = append(rest, e)
		}
	}
	l.mu.Unlock()
	return l.run(rest)
}

func (l *Link) run(effects []Effect) Outcome {
	var out Outcome
	for _, e := range effects {
		switch e.Kind {
		case EffectPreventDefault:
			out.PreventDefault = true
		case EffectNavigate:
			l.nav.logger.Debug("navigate", zap.String("href", e.Href))
			l.nav.cfg.Router.Push(e.Href)
		case EffectPrefetchRoute:
			l.nav.prefetchRoute(e.Href)
		case EffectDiscoverImages:
			l.nav.discoverImages(e.Href)
		case EffectPreloadImage:
			l.nav.preloadImage(e.Href, e.Image)
		case EffectUnobserve:
			if obs := l.observation(); obs != nil {
				obs.Unobserve()
			}
		case EffectDisconnect:
			if obs := l.observation(); obs != nil {
				obs.Disconnect()
			}
		case EffectCancelDwell:
			l.mu.Lock()
			if l.timer != nil {
				l.timer.Stop()
				l.timer = nil
			}
			l.mu.Unlock()
		}
	}
	return out
}

func (l *Link) observation() Observation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.obs
}
