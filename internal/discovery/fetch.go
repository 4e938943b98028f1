package discovery

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36 tidepool"
	maxDocumentBytes = 8 << 20
)

// Document is an upstream page as returned by a Fetcher.
type Document struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the upstream answered with a 2xx status.
func (d *Document) OK() bool { return d.Status >= 200 && d.Status < 300 }

// FetchOptions tune a single upstream fetch.
type FetchOptions struct {
	Header http.Header
	// WaitSelector is honoured by renderers only.
	WaitSelector string
}

// Fetcher loads an upstream page.
type Fetcher interface {
	Fetch(ctx context.Context, target string, opts FetchOptions) (*Document, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, target string, opts FetchOptions) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	hdr := cloneHeader(opts.Header)
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", defaultUserAgent)
	}
	if hdr.Get("Accept") == "" {
		hdr.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	}
	if hdr.Get("Accept-Language") == "" {
		hdr.Set("Accept-Language", "en,*;q=0.5")
	}
	// Avoid brotli: ask for gzip explicitly and decode it ourselves.
	if hdr.Get("Accept-Encoding") == "" {
		hdr.Set("Accept-Encoding", "gzip")
	}
	copyHeader(req.Header, hdr)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	// net/http only decodes transparently when it set Accept-Encoding itself.
	var reader io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		if gr, gerr := gzip.NewReader(resp.Body); gerr == nil {
			reader = gr
			defer gr.Close()
		}
	case "deflate":
		if zr, zerr := zlib.NewReader(resp.Body); zerr == nil {
			reader = zr
			defer zr.Close()
		} else {
			fr := flate.NewReader(resp.Body)
			reader = fr
			defer fr.Close()
		}
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return &Document{
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}
