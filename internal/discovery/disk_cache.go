package discovery

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tidepool/navlink"
)

// diskCache persists extraction results as JSON files keyed by the sha1 of the
// upstream URL. Entries older than ttl are ignored; the directory is pruned
// oldest-first once it grows past max bytes. The size is tracked as a running
// estimate and only re-measured by walking the directory when the estimate
// crosses max, so files written by other processes are picked up late.
type diskCache struct {
	dir string
	max int64
	ttl time.Duration
	now func() time.Time

	pruneMu sync.Mutex
	size    int64 // -1 until measured
}

func newDiskCache(dir string, mb int, ttl time.Duration, now func() time.Time) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	if now == nil {
		now = time.Now
	}
	return &diskCache{
		dir:  dir,
		max:  int64(mb) * 1024 * 1024,
		ttl:  ttl,
		now:  now,
		size: -1,
	}, nil
}

func (c *diskCache) path(key string) string {
	sum := sha1.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, h[:1], h[1:2], h+".json")
}

func (c *diskCache) Get(key string) ([]navlink.ImageDescriptor, bool) {
	p := c.path(key)
	info, err := os.Stat(p)
	if err != nil {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(info.ModTime()) > c.ttl {
		_ = os.Remove(p)
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	var resp navlink.DiscoveryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if resp.Images == nil {
		resp.Images = []navlink.ImageDescriptor{}
	}
	return resp.Images, true
}

func (c *diskCache) Put(key string, images []navlink.ImageDescriptor) error {
	p := c.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(navlink.DiscoveryResponse{Images: images})
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return werr
	}
	now := c.now()
	_ = os.Chtimes(tmp, now, now)
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	c.grow(int64(len(data)))
	return nil
}

// Purge removes every cached file.
func (c *diskCache) Purge() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return err
		}
	}
	c.pruneMu.Lock()
	c.size = 0
	c.pruneMu.Unlock()
	return nil
}

// grow adds n written bytes to the size estimate and prunes when it no
// longer fits.
func (c *diskCache) grow(n int64) {
	if c.max <= 0 {
		return
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()
	if c.size >= 0 {
		c.size += n
		if c.size <= c.max {
			return
		}
	}
	c.size = c.prune()
}

// prune walks the directory, removes the oldest files until the total fits
// and returns the remaining size. Callers hold pruneMu.
func (c *diskCache) prune() int64 {
	type file struct {
		p  string
		sz int64
		mt time.Time
	}
	var files []file
	var total int64
	_ = filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		if info, e := d.Info(); e == nil {
			files = append(files, file{p, info.Size(), info.ModTime()})
			total += info.Size()
		}
		return nil
	})
	if total <= c.max {
		return total
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mt.Before(files[j].mt) })
	for _, f := range files {
		if total <= c.max {
			break
		}
		_ = os.Remove(f.p)
		total -= f.sz
	}
	return total
}
