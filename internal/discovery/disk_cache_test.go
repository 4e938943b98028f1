package discovery

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidepool/navlink"
)

func TestDiskCacheRoundTripAndExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c, err := newDiskCache(t.TempDir(), 1, time.Hour, clock)
	require.NoError(t, err)

	imgs := []navlink.ImageDescriptor{{Src: "/reef.webp", Loading: navlink.LoadingEager}}
	require.NoError(t, c.Put("https://shop.example/drops/reef", imgs))

	got, ok := c.Get("https://shop.example/drops/reef")
	require.True(t, ok)
	assert.Equal(t, imgs, got)

	_, ok = c.Get("https://shop.example/drops/kelp")
	assert.False(t, ok)

	now = now.Add(2 * time.Hour)
	_, ok = c.Get("https://shop.example/drops/reef")
	assert.False(t, ok)
}

func TestDiskCacheEmptyResult(t *testing.T) {
	c, err := newDiskCache(t.TempDir(), 1, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put("k", nil))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDiskCachePrunesOldest(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c, err := newDiskCache(t.TempDir(), 1, 0, clock)
	require.NoError(t, err)
	c.max = 4096

	big := []navlink.ImageDescriptor{{Src: "/" + strings.Repeat("x", 1500)}}
	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		require.NoError(t, c.Put(fmt.Sprintf("k%d", i), big))
	}
	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry should be pruned")
	_, ok = c.Get("k3")
	assert.True(t, ok, "newest entry should survive")
}

func TestResultCacheFallsBackToDisk(t *testing.T) {
	disk, err := newDiskCache(t.TempDir(), 1, time.Hour, nil)
	require.NoError(t, err)
	imgs := []navlink.ImageDescriptor{{Src: "/reef.webp"}}
	require.NoError(t, disk.Put("k", imgs))

	c := newResultCache(8, time.Hour, disk)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, imgs, got)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Purge())
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestDiskCacheConcurrentWritersSameKey(t *testing.T) {
	dir := t.TempDir()
	a, err := newDiskCache(dir, 1, time.Hour, nil)
	require.NoError(t, err)
	b, err := newDiskCache(dir, 1, time.Hour, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		for _, c := range []*diskCache{a, b} {
			wg.Add(1)
			go func(c *diskCache, i int) {
				defer wg.Done()
				errs <- c.Put("https://shop.example/drops/reef", []navlink.ImageDescriptor{{Src: fmt.Sprintf("/%d.webp", i)}})
			}(c, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, ok := a.Get("https://shop.example/drops/reef")
	assert.True(t, ok)
	var leftovers []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(p, ".tmp") {
			leftovers = append(leftovers, p)
		}
		return nil
	})
	assert.Empty(t, leftovers)
}

func TestDiskCacheTracksSizeWithoutRewalking(t *testing.T) {
	c, err := newDiskCache(t.TempDir(), 1, 0, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put("k0", []navlink.ImageDescriptor{{Src: "/a.webp"}}))
	measured := c.size
	require.Positive(t, measured)

	require.NoError(t, c.Put("k1", []navlink.ImageDescriptor{{Src: "/b.webp"}}))
	assert.Equal(t, 2*measured, c.size)

	require.NoError(t, c.Purge())
	assert.Zero(t, c.size)
}
