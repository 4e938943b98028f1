package navlink

import "net/url"

// LinkState is the per-link record carried between events.
type LinkState struct {
	// Handled is set when pointer-down already navigated, so the following
	// click must be suppressed.
	Handled bool
	// Pending is the token of the outstanding dwell timer, 0 when none.
	Pending uint64
	// Fired is set once the dwell elapsed and the element stopped being observed.
	Fired bool

	seq uint64
}

// Env is the static context of a link that transitions depend on.
type Env struct {
	Href      string
	Page      *url.URL
	Prefetch  bool
	Threshold float64
}

// EffectKind enumerates the side effects a transition can request.
type EffectKind int

const (
	EffectPreventDefault EffectKind = iota + 1
	EffectNavigate
	EffectPrefetchRoute
	EffectScheduleDwell
	EffectCancelDwell
	EffectUnobserve
	EffectDisconnect
	EffectDiscoverImages
	EffectPreloadImage
)

var effectNames = map[EffectKind]string{
	EffectPreventDefault: "prevent-default",
	EffectNavigate:       "navigate",
	EffectPrefetchRoute:  "prefetch-route",
	EffectScheduleDwell:  "schedule-dwell",
	EffectCancelDwell:    "cancel-dwell",
	EffectUnobserve:      "unobserve",
	EffectDisconnect:     "disconnect",
	EffectDiscoverImages: "discover-images",
	EffectPreloadImage:   "preload-image",
}

func (k EffectKind) String() string {
	if s, ok := effectNames[k]; ok {
		return s
	}
	return "unknown"
}

// Effect is a side effect requested by a transition.
type Effect struct {
	Kind  EffectKind
	Href  string
	Token uint64
	Image ImageDescriptor
}

// Event is one input to Step.
type Event interface{ isEvent() }

// PointerEvent is a pointer-down.
type PointerEvent struct {
	PointerType string
	Button      int
	Alt         bool
	Ctrl        bool
	Meta        bool
	Shift       bool
}

// ClickEvent is a click, which may follow a pointer-down or come from the keyboard.
type ClickEvent struct{}

// PointerEnterEvent is a hover. Cached carries the image descriptors already
// known for the destination.
type PointerEnterEvent struct {
	Cached []ImageDescriptor
}

// IntersectionEntry reports the visibility of the link element. A zero Ratio
// on an intersecting entry means the host does not measure ratios and is
// treated as fully visible.
type IntersectionEntry struct {
	IsIntersecting bool
	Ratio          float64
}

// DwellElapsedEvent is delivered when a dwell timer fires. Cached reports
// whether the destination already has image metadata.
type DwellElapsedEvent struct {
	Token  uint64
	Cached bool
}

// UnmountEvent tears the link down.
type UnmountEvent struct{}

func (PointerEvent) isEvent()      {}
func (ClickEvent) isEvent()        {}
func (PointerEnterEvent) isEvent() {}
func (IntersectionEntry) isEvent() {}
func (DwellElapsedEvent) isEvent() {}
func (UnmountEvent) isEvent()      {}

const primaryButton = 0

// Step applies ev to s and returns the new state with the effects to run.
// It performs no I/O.
func Step(s LinkState, env Env, ev Event) (LinkState, []Effect) {
	switch e := ev.(type) {
	case PointerEvent:
		return onPointerDown(s, env, e)
	case ClickEvent:
		return onClick(s)
	case PointerEnterEvent:
		return onPointerEnter(s, env, e)
	case IntersectionEntry:
		return onIntersection(s, env, e)
	case DwellElapsedEvent:
		return onDwellElapsed(s, env, e)
	case UnmountEvent:
		return onUnmount(s)
	}
	return s, nil
}

func onPointerDown(s LinkState, env Env, e PointerEvent) (LinkState, []Effect) {
	s.Handled = false
	if e.PointerType != "mouse" || e.Button != primaryButton {
		return s, nil
	}
	if e.Alt || e.Ctrl || e.Meta || e.Shift {
		return s, nil
	}
	if !sameOrigin(env.Page, env.Href) {
		return s, nil
	}
	s.Handled = true
	return s, []Effect{
		{Kind: EffectPreventDefault},
		{Kind: EffectNavigate, Href: env.Href},
	}
}

func onClick(s LinkState) (LinkState, []Effect) {
	if !s.Handled {
		return s, nil
	}
	s.Handled = false
	return s, []Effect{{Kind: EffectPreventDefault}}
}

func onPointerEnter(s LinkState, env Env, e PointerEnterEvent) (LinkState, []Effect) {
	if !env.Prefetch {
		return s, nil
	}
	effects := []Effect{{Kind: EffectPrefetchRoute, Href: env.Href}}
	for _, img := range e.Cached {
		if img.Lazy() {
			continue
		}
		effects = append(effects, Effect{Kind: EffectPreloadImage, Href: env.Href, Image: img})
	}
	return s, effects
}

func onIntersection(s LinkState, env Env, e IntersectionEntry) (LinkState, []Effect) {
	if !env.Prefetch || s.Fired {
		return s, nil
	}
	if e.IsIntersecting && (e.Ratio == 0 || e.Ratio >= env.Threshold) {
		if s.Pending != 0 {
			return s, nil
		}
		s.seq++
		s.Pending = s.seq
		return s, []Effect{{Kind: EffectScheduleDwell, Href: env.Href, Token: s.Pending}}
	}
	if s.Pending == 0 {
		return s, nil
	}
	token := s.Pending
	s.Pending = 0
	return s, []Effect{{Kind: EffectCancelDwell, Href: env.Href, Token: token}}
}

func onDwellElapsed(s LinkState, env Env, e DwellElapsedEvent) (LinkState, []Effect) {
	if s.Pending == 0 || s.Pending != e.Token {
		return s, nil
	}
	s.Pending = 0
	s.Fired = true
	effects := []Effect{{Kind: EffectPrefetchRoute, Href: env.Href}}
	if Prefetchable(env.Href) && !e.Cached {
		effects = append(effects, Effect{Kind: EffectDiscoverImages, Href: env.Href})
	}
	effects = append(effects, Effect{Kind: EffectUnobserve, Href: env.Href})
	return s, effects
}

func onUnmount(s LinkState) (LinkState, []Effect) {
	var effects []Effect
	if s.Pending != 0 {
		effects = append(effects, Effect{Kind: EffectCancelDwell, Token: s.Pending})
		s.Pending = 0
	}
	s.Handled = false
	effects = append(effects, Effect{Kind: EffectDisconnect})
	return s, effects
}
