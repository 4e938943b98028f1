package discovery

import (
	"net/http"
	"strings"
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	if h == nil {
		return out
	}
	copyHeader(out, h)
	return out
}

// trimScheme strips an http(s):// prefix and any trailing slash from a host
// value taken from the environment.
func trimScheme(host string) string {
	host = strings.TrimSpace(host)
	lower := strings.ToLower(host)
	switch {
	case strings.HasPrefix(lower, "https://"):
		host = host[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		host = host[len("http://"):]
	}
	return strings.TrimRight(host, "/")
}
