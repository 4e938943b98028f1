package warm

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tidepool/internal/discovery"
)

const (
	homePage = `<html><body><nav>
<a href="/drops/reef">Reef</a>
<a href="/drops/kelp">Kelp</a>
<a href="/drops/reef#photos">Reef again</a>
<a href="/order/1">Order</a>
<a href="https://elsewhere.example/">Elsewhere</a>
</nav></body></html>`
	reefPage = `<html><body><main>
<img srcset="/img/reef.png 1x" src="/img/reef.png" alt="Reef" loading="eager">
<img src="/img/lazy.png" alt="Lazy" loading="lazy">
<img src="/img/missing.png" alt="Missing">
</main></body></html>`
	kelpPage = `<html><body><main><p>No pictures yet</p></main></body></html>`
)

type storefront struct {
	*httptest.Server
	mu       sync.Mutex
	requests map[string]int
}

func (s *storefront) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func newStorefront(t *testing.T) *storefront {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{G: 200, A: 255})
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))

	sf := &storefront{requests: map[string]int{}}
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc("GET /{$}", page(homePage))
	mux.HandleFunc("GET /drops/reef", page(reefPage))
	mux.HandleFunc("GET /drops/kelp", page(kelpPage))
	mux.HandleFunc("GET /order/1", page("<html><main>order</main></html>"))
	mux.HandleFunc("GET /img/reef.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBuf.Bytes())
	})
	mux.HandleFunc("GET /img/lazy.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBuf.Bytes())
	})

	sf.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sf.mu.Lock()
		sf.requests[r.URL.Path]++
		sf.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(sf.Close)

	disc, err := discovery.New(discovery.Config{Origin: sf.URL, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = disc.Close() })
	mux.Handle("/api/prefetch-images/", disc)
	return sf
}

func TestRunFromSeedPage(t *testing.T) {
	sf := newStorefront(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := Run(ctx, Options{
		Base:   sf.URL,
		Dwell:  5 * time.Millisecond,
		Client: sf.Client(),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/drops/reef", "/drops/kelp", "/order/1"}, report.Targets)
	// One dwell prefetch and one hover prefetch per target.
	assert.EqualValues(t, 6, report.RoutePrefetches)
	assert.Equal(t, map[string]int{"/drops/reef": 3, "/drops/kelp": 0}, report.Images)
	assert.Equal(t, 3, report.DiscoveredImages())

	require.Len(t, report.Preloads, 1)
	assert.Equal(t, sf.URL+"/img/reef.png", report.Preloads[0].URL)
	assert.Equal(t, "png", report.Preloads[0].Format)
	assert.Equal(t, 4, report.Preloads[0].Width)
	assert.Equal(t, 3, report.Preloads[0].Height)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "preload", report.Failures[0].Step)
	assert.Equal(t, "/img/missing.png", report.Failures[0].Href)

	assert.Zero(t, sf.count("/img/lazy.png"), "lazy images are left to the browser")
	assert.Zero(t, sf.count("/api/prefetch-images/order/1"))
	assert.Equal(t, 1, sf.count("/api/prefetch-images/drops/reef"))
}

func TestRunExplicitPaths(t *testing.T) {
	sf := newStorefront(t)
	report, err := Run(context.Background(), Options{
		Base:   sf.URL,
		Paths:  []string{"drops/kelp", " ", "/drops/kelp"},
		Dwell:  time.Millisecond,
		Client: sf.Client(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/drops/kelp", "/drops/kelp"}, report.Targets)
	assert.Zero(t, sf.count("/"), "seed page is not fetched when paths are given")
	assert.Equal(t, 1, sf.count("/api/prefetch-images/drops/kelp"))
}

func TestRunDiscoveryFailureInDevelopment(t *testing.T) {
	sf := newStorefront(t)
	report, err := Run(context.Background(), Options{
		Base:        sf.URL,
		Paths:       []string{"/drops/none"},
		Development: true,
		Dwell:       time.Millisecond,
		Client:      sf.Client(),
	})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "discover", report.Failures[0].Step)
	assert.Equal(t, "/drops/none", report.Failures[0].Href)
	assert.Empty(t, report.Images)
}

func TestRunErrors(t *testing.T) {
	sf := newStorefront(t)
	_, err := Run(context.Background(), Options{Base: "not a url"})
	assert.Error(t, err)

	_, err = Run(context.Background(), Options{Base: sf.URL, From: []string{"/missing"}, Client: sf.Client()})
	assert.ErrorContains(t, err, "status 404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, Options{Base: sf.URL, Paths: []string{"/drops/reef"}, Dwell: time.Hour, Client: sf.Client()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizePaths(t *testing.T) {
	t.Parallel()
	got := normalizePaths([]string{"a", "/b", "", "  /c  "})
	assert.Equal(t, []string{"/a", "/b", "/c"}, got)
}
