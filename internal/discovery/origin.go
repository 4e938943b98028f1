package discovery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errNoHostname = errors.New("no upstream hostname configured")

// upstreamOrigin resolves the scheme and host the service fetches pages from.
func (c Config) upstreamOrigin() (*url.URL, error) {
	scheme := "https"
	if c.Env == EnvDevelopment {
		scheme = "http"
	}
	if o := strings.TrimSpace(c.Origin); o != "" {
		// A bare host:port takes the environment's scheme.
		if !strings.Contains(o, "://") {
			o = scheme + "://" + o
		}
		u, err := url.Parse(strings.TrimRight(o, "/"))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: origin %q has no host", errNoHostname, c.Origin)
		}
		return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
	}
	host := c.hostname()
	if host == "" {
		return nil, errNoHostname
	}
	return &url.URL{Scheme: scheme, Host: host}, nil
}

func (c Config) hostname() string {
	dev := firstNonEmpty(c.DevHost, defaultDevHost)
	switch {
	case c.Env == EnvDevelopment:
		return dev
	case c.Env == EnvProduction:
		return trimScheme(c.ProductionHost)
	case strings.TrimSpace(c.BranchHost) != "":
		return trimScheme(c.BranchHost)
	default:
		return dev
	}
}

// targetURL joins the captured path onto the upstream origin.
func targetURL(origin *url.URL, rest string) string {
	u := *origin
	u.Path = "/" + strings.TrimLeft(rest, "/")
	return u.String()
}
