package navlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultDiscoveryEndpoint is the path prefix of the image-discovery endpoint.
const DefaultDiscoveryEndpoint = "/api/prefetch-images"

// lowPriority is the RFC 9218 priority sent with background discovery requests.
const lowPriority = "u=6, i"

// Discoverer finds the images rendered on a destination page.
type Discoverer interface {
	Discover(ctx context.Context, href string) ([]ImageDescriptor, error)
}

// ErrDiscoveryUnavailable marks a non-OK discovery response outside
// development. The navigator neither reports nor caches it.
var ErrDiscoveryUnavailable = errors.New("image discovery unavailable")

// maxDiscoveryBytes bounds the decoded discovery response.
const maxDiscoveryBytes = 4 << 20

// StatusError reports a non-OK discovery response. Outside development it is
// wrapped with ErrDiscoveryUnavailable.
type StatusError struct {
	Href       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("prefetch images for %s: status %d", e.Href, e.StatusCode)
}

// HTTPDiscoverer queries the image-discovery endpoint of a deployment.
type HTTPDiscoverer struct {
	base        *url.URL
	endpoint    string
	client      *http.Client
	development bool
}

// NewHTTPDiscoverer builds a discoverer for the deployment at base. In
// development a non-OK response is returned as *StatusError; otherwise the
// *StatusError is wrapped with ErrDiscoveryUnavailable.
func NewHTTPDiscoverer(base string, client *http.Client, development bool) (*HTTPDiscoverer, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse discovery base %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("discovery base %q is not absolute", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDiscoverer{
		base:        u,
		endpoint:    DefaultDiscoveryEndpoint,
		client:      client,
		development: development,
	}, nil
}

// WithEndpoint overrides the endpoint path prefix.
func (d *HTTPDiscoverer) WithEndpoint(prefix string) *HTTPDiscoverer {
	d.endpoint = "/" + strings.Trim(prefix, "/")
	return d
}

// URLFor returns the discovery URL for href.
func (d *HTTPDiscoverer) URLFor(href string) string {
	u := *d.base
	u.Path = strings.TrimRight(d.endpoint, "/") + destinationPath(d.base, href)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Discover implements Discoverer.
func (d *HTTPDiscoverer) Discover(ctx context.Context, href string) ([]ImageDescriptor, error) {
	if !Prefetchable(href) {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URLFor(href), nil)
	if err != nil {
		return nil, fmt.Errorf("prefetch images for %s: %w", href, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Priority", lowPriority)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prefetch images for %s: %w", href, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		se := &StatusError{Href: href, StatusCode: resp.StatusCode}
		if d.development {
			return nil, se
		}
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, se)
	}
	var payload DiscoveryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode prefetch images for %s: %w", href, err)
	}
	return payload.Images, nil
}
