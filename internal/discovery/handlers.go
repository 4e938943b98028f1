package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tidepool/navlink"
)

// UpstreamError reports a non-2xx answer from the page being inspected.
type UpstreamError struct {
	URL        string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong")
}

func (s *Server) handlePrefetchImages(w http.ResponseWriter, r *http.Request) {
	origin, err := s.cfg.upstreamOrigin()
	if err != nil {
		http.Error(w, "Failed to get hostname from env", http.StatusInternalServerError)
		return
	}
	rest := r.PathValue("rest")
	if rest == "" {
		http.Error(w, "Missing url parameter", http.StatusBadRequest)
		return
	}
	target := targetURL(origin, rest)

	images, err := s.Discover(r.Context(), target)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			http.Error(w, "Failed to fetch", ue.StatusCode)
			return
		}
		s.logger.Warn("discovery failed", zap.String("target", target), zap.Error(err))
		http.Error(w, "Failed to fetch", http.StatusBadGateway)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(navlink.DiscoveryResponse{Images: images}); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(buf.Bytes())
}

// Discover returns the images inside <main> of the page at target, using the
// result cache when possible. Concurrent calls for one target share a fetch.
func (s *Server) Discover(ctx context.Context, target string) ([]navlink.ImageDescriptor, error) {
	if imgs, ok := s.cache.Get(target); ok {
		return imgs, nil
	}
	v, err, _ := s.flight.Do(target, func() (interface{}, error) {
		if imgs, ok := s.cache.Get(target); ok {
			return imgs, nil
		}
		// Detached so one cancelled caller does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		defer cancel()
		imgs, err := s.fetchImages(fctx, target)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Put(target, imgs); err != nil {
			s.logger.Warn("cache write failed", zap.String("target", target), zap.Error(err))
		}
		return imgs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]navlink.ImageDescriptor), nil
}

func (s *Server) fetchImages(ctx context.Context, target string) ([]navlink.ImageDescriptor, error) {
	site := s.sites.Find(target)
	fetcher := s.fetcher
	opts := FetchOptions{Header: site.header()}
	if site.JS() {
		r, err := s.jsRenderer()
		if err != nil {
			return nil, fmt.Errorf("start renderer: %w", err)
		}
		fetcher = r
		opts.WaitSelector = site.WaitSelector
	}
	if site != nil && site.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(site.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := s.clock()
	doc, err := fetcher.Fetch(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	if !doc.OK() {
		return nil, &UpstreamError{URL: target, StatusCode: doc.Status}
	}
	imgs, err := ParseImages(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("discovered images",
		zap.String("target", target),
		zap.Bool("js", site.JS()),
		zap.Int("images", len(imgs)),
		zap.Duration("took", s.clock().Sub(start)),
	)
	return imgs, nil
}

// Purge drops every memoised result.
func (s *Server) Purge() error {
	return s.cache.Purge()
}
