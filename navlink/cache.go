package navlink

import "sync"

// Cache holds the image metadata discovered per destination and the set of
// images already handed to the preloader. Both only grow until Reset.
type Cache struct {
	mu     sync.RWMutex
	images map[string][]ImageDescriptor
	seen   map[string]struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		images: make(map[string][]ImageDescriptor),
		seen:   make(map[string]struct{}),
	}
}

// Has reports whether discovery already completed for href.
func (c *Cache) Has(href string) bool {
	c.mu.RLock()
	_, ok := c.images[href]
	c.mu.RUnlock()
	return ok
}

// Images returns a copy of the descriptors stored for href.
func (c *Cache) Images(href string) ([]ImageDescriptor, bool) {
	c.mu.RLock()
	imgs, ok := c.images[href]
	c.mu.RUnlock()
	return cloneDescriptors(imgs), ok
}

// Store records the descriptors for href. A later store replaces an earlier one.
func (c *Cache) Store(href string, imgs []ImageDescriptor) {
	clone := cloneDescriptors(imgs)
	if clone == nil {
		clone = []ImageDescriptor{}
	}
	c.mu.Lock()
	c.images[href] = clone
	c.mu.Unlock()
}

// MarkSeen adds the descriptor's identity to the seen set and reports whether
// it was absent.
func (c *Cache) MarkSeen(d ImageDescriptor) bool {
	key := d.identity()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

// Seen reports whether the descriptor was already preloaded.
func (c *Cache) Seen(d ImageDescriptor) bool {
	c.mu.RLock()
	_, ok := c.seen[d.identity()]
	c.mu.RUnlock()
	return ok
}

// Len returns the number of destinations and seen images.
func (c *Cache) Len() (targets, seen int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images), len(c.seen)
}

// Reset drops everything, as a full page reload would.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.images = make(map[string][]ImageDescriptor)
	c.seen = make(map[string]struct{})
	c.mu.Unlock()
}
