package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"tidepool/navlink"
)

var (
	mainImages = cascadia.MustCompile("main img")
	anchors    = cascadia.MustCompile("a[href]")
)

// ParseImages parses an HTML document and returns the images inside <main>.
func ParseImages(r io.Reader) ([]navlink.ImageDescriptor, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return ExtractImages(doc), nil
}

// ExtractImages returns a descriptor for every <img> under <main>, in document
// order. Images without a src are dropped.
func ExtractImages(doc *html.Node) []navlink.ImageDescriptor {
	out := []navlink.ImageDescriptor{}
	for _, n := range cascadia.QueryAll(doc, mainImages) {
		src := getAttr(n, "src")
		if src == "" {
			continue
		}
		out = append(out, navlink.ImageDescriptor{
			Srcset:  getAttr(n, "srcset"),
			Sizes:   getAttr(n, "sizes"),
			Src:     src,
			Alt:     getAttr(n, "alt"),
			Loading: navlink.ParseLoadingMode(getAttr(n, "loading")),
		})
	}
	return out
}

// ExtractLinks returns the distinct same-origin paths linked from doc, in
// document order. Relative hrefs are resolved against base.
func ExtractLinks(doc *html.Node, base *url.URL) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, n := range cascadia.QueryAll(doc, anchors) {
		href := strings.TrimSpace(getAttr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if !strings.EqualFold(abs.Scheme, base.Scheme) || !strings.EqualFold(abs.Host, base.Host) {
			continue
		}
		p := abs.EscapedPath()
		if p == "" {
			p = "/"
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ParseLinks is ExtractLinks over raw HTML.
func ParseLinks(body []byte, base *url.URL) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return ExtractLinks(doc, base), nil
}

// getAttr looks an attribute up case-insensitively, so srcSet and srcset
// both match.
func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
