package discovery

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"tidepool/navlink"
)

// resultCache memoises successful extractions per upstream URL. The in-memory
// tier expires entries after ttl; the optional disk tier survives restarts.
type resultCache struct {
	mem  *expirable.LRU[string, []navlink.ImageDescriptor]
	disk *diskCache
}

func newResultCache(entries int, ttl time.Duration, disk *diskCache) *resultCache {
	return &resultCache{
		mem:  expirable.NewLRU[string, []navlink.ImageDescriptor](entries, nil, ttl),
		disk: disk,
	}
}

func (c *resultCache) Get(key string) ([]navlink.ImageDescriptor, bool) {
	if imgs, ok := c.mem.Get(key); ok {
		return imgs, true
	}
	if c.disk == nil {
		return nil, false
	}
	imgs, ok := c.disk.Get(key)
	if ok {
		c.mem.Add(key, imgs)
	}
	return imgs, ok
}

func (c *resultCache) Put(key string, images []navlink.ImageDescriptor) error {
	if images == nil {
		images = []navlink.ImageDescriptor{}
	}
	c.mem.Add(key, images)
	if c.disk == nil {
		return nil
	}
	return c.disk.Put(key, images)
}

func (c *resultCache) Len() int { return c.mem.Len() }

// Purge drops both tiers.
func (c *resultCache) Purge() error {
	c.mem.Purge()
	if c.disk == nil {
		return nil
	}
	return c.disk.Purge()
}
