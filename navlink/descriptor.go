package navlink

import (
	"bytes"
	"encoding/json"
	"strings"
)

// LoadingMode mirrors the loading attribute of a discovered <img>.
type LoadingMode string

const (
	LoadingUnset LoadingMode = ""
	LoadingEager LoadingMode = "eager"
	LoadingLazy  LoadingMode = "lazy"
)

// ParseLoadingMode normalises an attribute value. Anything other than eager or
// lazy is treated as absent.
func ParseLoadingMode(v string) LoadingMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "eager":
		return LoadingEager
	case "lazy":
		return LoadingLazy
	default:
		return LoadingUnset
	}
}

// MarshalJSON encodes an absent mode as null.
func (m LoadingMode) MarshalJSON() ([]byte, error) {
	if m == LoadingUnset {
		return []byte("null"), nil
	}
	return json.Marshal(string(m))
}

// UnmarshalJSON accepts null, a string, or nothing at all.
func (m *LoadingMode) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*m = LoadingUnset
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*m = ParseLoadingMode(s)
	return nil
}

// ImageDescriptor describes one image found on a destination page.
type ImageDescriptor struct {
	Srcset  string      `json:"srcset"`
	Sizes   string      `json:"sizes"`
	Src     string      `json:"src"`
	Alt     string      `json:"alt"`
	Loading LoadingMode `json:"loading"`
}

// Lazy reports whether the image is left to native lazy loading.
func (d ImageDescriptor) Lazy() bool { return d.Loading == LoadingLazy }

// identity is the key used to de-duplicate preloads. Descriptors without a
// srcset fall back to their src so they do not all collapse onto "".
func (d ImageDescriptor) identity() string {
	if d.Srcset != "" {
		return d.Srcset
	}
	return "src:" + d.Src
}

// FirstCandidate returns the src, or the first URL in srcset when src is empty.
func (d ImageDescriptor) FirstCandidate() string {
	if d.Src != "" {
		return d.Src
	}
	for _, part := range strings.Split(d.Srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// DiscoveryResponse is the wire format of the image-discovery endpoint.
type DiscoveryResponse struct {
	Images []ImageDescriptor `json:"images"`
}

func cloneDescriptors(src []ImageDescriptor) []ImageDescriptor {
	if src == nil {
		return nil
	}
	out := make([]ImageDescriptor, len(src))
	copy(out, src)
	return out
}
