package navlink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func discoveryServer(t *testing.T, status int, body string) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var mu sync.Mutex
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Clone(context.Background()))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestHTTPDiscovererSuccess(t *testing.T) {
	srv, seen := discoveryServer(t, http.StatusOK,
		`{"images":[{"srcset":"/a.webp 1x","sizes":"100vw","src":"/a.webp","alt":"A","loading":"eager"},{"srcset":null,"sizes":null,"src":"/b.webp","alt":"","loading":null}]}`)
	d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), false)
	require.NoError(t, err)

	imgs, err := d.Discover(context.Background(), "/drops/reef/coral?color=blue#top")
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, ImageDescriptor{Srcset: "/a.webp 1x", Sizes: "100vw", Src: "/a.webp", Alt: "A", Loading: LoadingEager}, imgs[0])
	assert.Equal(t, ImageDescriptor{Src: "/b.webp"}, imgs[1])

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "/api/prefetch-images/drops/reef/coral", req.URL.Path)
	assert.Empty(t, req.URL.RawQuery)
	assert.Equal(t, lowPriority, req.Header.Get("Priority"))
}

func TestHTTPDiscovererNonOK(t *testing.T) {
	tests := []struct {
		name        string
		development bool
		wantStatus  bool
	}{
		{"production marks unavailable", false, false},
		{"development raises", true, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := discoveryServer(t, http.StatusNotFound, "not found")
			d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), tc.development)
			require.NoError(t, err)

			imgs, err := d.Discover(context.Background(), "/drops/missing")
			assert.Empty(t, imgs)
			assert.Equal(t, !tc.wantStatus, errors.Is(err, ErrDiscoveryUnavailable))
			var se *StatusError
			require.True(t, errors.As(err, &se), "want *StatusError, got %v", err)
			assert.Equal(t, http.StatusNotFound, se.StatusCode)
			assert.Equal(t, "/drops/missing", se.Href)
		})
	}
}

func TestHTTPDiscovererMalformedJSON(t *testing.T) {
	srv, _ := discoveryServer(t, http.StatusOK, `{"images":[`)
	d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), false)
	require.NoError(t, err)

	_, err = d.Discover(context.Background(), "/drops/reef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode prefetch images for /drops/reef")
}

func TestHTTPDiscovererBoundsResponse(t *testing.T) {
	huge := `{"images":[{"src":"/` + strings.Repeat("a", maxDiscoveryBytes) + `.webp"}]}`
	srv, _ := discoveryServer(t, http.StatusOK, huge)
	d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), false)
	require.NoError(t, err)

	_, err = d.Discover(context.Background(), "/drops/reef")
	assert.Error(t, err)
}

func TestNavigatorRetriesAfterUnavailableDiscovery(t *testing.T) {
	var mu sync.Mutex
	status, calls := http.StatusServiceUnavailable, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		code := status
		mu.Unlock()
		if code != http.StatusOK {
			http.Error(w, "Failed to fetch", code)
			return
		}
		_, _ = w.Write([]byte(`{"images":[{"srcset":"","sizes":"","src":"/reef.webp","alt":"","loading":null}]}`))
	}))
	defer srv.Close()
	d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), false)
	require.NoError(t, err)

	var reported []error
	clock := &manualClock{}
	nav := New(Config{
		Discoverer: d,
		Clock:      clock,
		Logger:     zaptest.NewLogger(t),
		OnError:    func(_ string, err error) { reported = append(reported, err) },
	})
	defer nav.Close()

	first := nav.Mount("/drops/reef")
	defer first.Close()
	first.Intersect(visible)
	clock.Advance(DefaultDwell)
	nav.Wait()
	assert.False(t, nav.Cache().Has("/drops/reef"))
	assert.Empty(t, reported)

	mu.Lock()
	status = http.StatusOK
	mu.Unlock()

	second := nav.Mount("/drops/reef")
	defer second.Close()
	second.Intersect(visible)
	clock.Advance(DefaultDwell)
	nav.Wait()

	imgs, ok := nav.Cache().Images("/drops/reef")
	require.True(t, ok)
	assert.Equal(t, []ImageDescriptor{{Src: "/reef.webp"}}, imgs)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestHTTPDiscovererSkipsExcludedTargets(t *testing.T) {
	srv, seen := discoveryServer(t, http.StatusOK, `{"images":[]}`)
	d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), true)
	require.NoError(t, err)

	for _, href := range []string{"/", "/order", "/order/42", "https://elsewhere.example/x"} {
		imgs, err := d.Discover(context.Background(), href)
		assert.NoError(t, err, href)
		assert.Nil(t, imgs, href)
	}
	assert.Empty(t, *seen)
}

func TestNewHTTPDiscovererRejectsRelativeBase(t *testing.T) {
	_, err := NewHTTPDiscoverer("/relative", nil, false)
	assert.Error(t, err)
}

func TestHTTPDiscovererCustomEndpoint(t *testing.T) {
	d, err := NewHTTPDiscoverer("https://shop.example", nil, false)
	require.NoError(t, err)
	d.WithEndpoint("/internal/images/")
	assert.Equal(t, "https://shop.example/internal/images/drops/reef", d.URLFor("/drops/reef"))
}

func TestNavigatorWithHTTPDiscoverer(t *testing.T) {
	srv, seen := discoveryServer(t, http.StatusOK, `{"images":[{"srcset":"x 1x","sizes":"","src":"/x.webp","alt":"x","loading":null}]}`)
	d, err := NewHTTPDiscoverer(srv.URL, srv.Client(), true)
	require.NoError(t, err)

	clock := &manualClock{}
	nav := New(Config{Discoverer: d, Clock: clock, Logger: zaptest.NewLogger(t)})
	defer nav.Close()

	l := nav.Mount("/drops/reef")
	defer l.Close()
	l.Intersect(visible)
	clock.Advance(DefaultDwell)
	nav.Wait()

	imgs, ok := nav.Cache().Images("/drops/reef")
	require.True(t, ok)
	assert.Equal(t, []ImageDescriptor{{Srcset: "x 1x", Src: "/x.webp", Alt: "x"}}, imgs)
	assert.Len(t, *seen, 1)
}
