package navlink

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheStoreReturnsCopies(t *testing.T) {
	c := NewCache()
	in := []ImageDescriptor{{Src: "/a.webp"}}
	c.Store("/drops/a", in)
	in[0].Src = "/mutated.webp"

	got, ok := c.Images("/drops/a")
	require.True(t, ok)
	assert.Equal(t, "/a.webp", got[0].Src)

	got[0].Src = "/again.webp"
	again, _ := c.Images("/drops/a")
	assert.Equal(t, "/a.webp", again[0].Src)
}

func TestCacheEmptyResultCountsAsDiscovered(t *testing.T) {
	c := NewCache()
	assert.False(t, c.Has("/drops/a"))
	c.Store("/drops/a", nil)
	assert.True(t, c.Has("/drops/a"))
	imgs, ok := c.Images("/drops/a")
	assert.True(t, ok)
	assert.Empty(t, imgs)
}

func TestCacheMarkSeen(t *testing.T) {
	c := NewCache()
	a := ImageDescriptor{Srcset: "/a.webp 1x", Src: "/a.webp"}
	assert.True(t, c.MarkSeen(a))
	assert.False(t, c.MarkSeen(a))
	assert.False(t, c.MarkSeen(ImageDescriptor{Srcset: "/a.webp 1x", Src: "/other.webp"}))

	// Without a srcset the src identifies the image.
	assert.True(t, c.MarkSeen(ImageDescriptor{Src: "/b.webp"}))
	assert.True(t, c.MarkSeen(ImageDescriptor{Src: "/c.webp"}))
	assert.False(t, c.MarkSeen(ImageDescriptor{Src: "/c.webp"}))
}

func TestCacheConcurrentMarkSeen(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.MarkSeen(ImageDescriptor{Srcset: "/shared.webp 1x"}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCacheReset(t *testing.T) {
	c := NewCache()
	for i := 0; i < 3; i++ {
		c.Store(fmt.Sprintf("/drops/%d", i), nil)
	}
	c.MarkSeen(ImageDescriptor{Srcset: "x"})
	targets, seen := c.Len()
	assert.Equal(t, 3, targets)
	assert.Equal(t, 1, seen)

	c.Reset()
	targets, seen = c.Len()
	assert.Zero(t, targets)
	assert.Zero(t, seen)
}
