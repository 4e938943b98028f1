package navlink

import (
	"net/url"
	"strings"
)

const (
	homePath  = "/"
	orderRoot = "/order"
)

// Prefetchable reports whether image discovery may run for href. Only internal
// absolute paths qualify, excluding the home page and anything under /order.
func Prefetchable(href string) bool {
	if !strings.HasPrefix(href, "/") {
		return false
	}
	if href == homePath || strings.HasPrefix(href, orderRoot) {
		return false
	}
	return true
}

// resolveHref resolves href against the current page URL.
func resolveHref(page *url.URL, href string) (*url.URL, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return ref, nil
	}
	return page.ResolveReference(ref), nil
}

// sameOrigin compares scheme and host of href (resolved against page) with page.
func sameOrigin(page *url.URL, href string) bool {
	if page == nil {
		return strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "//")
	}
	u, err := resolveHref(page, href)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, page.Scheme) && strings.EqualFold(u.Host, page.Host)
}

// destinationPath returns the path component of href resolved against page.
func destinationPath(page *url.URL, href string) string {
	u, err := resolveHref(page, href)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
