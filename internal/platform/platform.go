// Package platform identifies which social-media site a URL belongs to.
package platform

import (
	"net/url"
	"strings"
)

// Platform is the originating site of a video. The zero value is Unsupported.
type Platform int

const (
	Unsupported Platform = iota
	Facebook
	TikTok
	Pinterest
	Instagram
)

// registry maps each supported platform to the host suffixes that identify it.
var registry = []struct {
	platform Platform
	hosts    []string
}{
	{Facebook, []string{"facebook.com", "fb.watch", "fb.com"}},
	{TikTok, []string{"tiktok.com"}},
	{Pinterest, []string{
		"pinterest.com", "pin.it", "pinterest.ca", "pinterest.co.uk", "pinterest.com.au",
		"pinterest.com.mx", "pinterest.de", "pinterest.es", "pinterest.fr", "pinterest.it",
		"pinterest.jp", "pinterest.pt",
	}},
	{Instagram, []string{"instagram.com", "instagr.am"}},
}

// All returns every supported platform.
func All() []Platform {
	return []Platform{Facebook, TikTok, Pinterest, Instagram}
}

func (p Platform) String() string {
	switch p {
	case Facebook:
		return "facebook"
	case TikTok:
		return "tiktok"
	case Pinterest:
		return "pinterest"
	case Instagram:
		return "instagram"
	case Unsupported:
		return "unsupported"
	}

	return "unsupported"
}

// DisplayName is the human-facing name of the platform.
func (p Platform) DisplayName() string {
	switch p {
	case Facebook:
		return "Facebook"
	case TikTok:
		return "TikTok"
	case Pinterest:
		return "Pinterest"
	case Instagram:
		return "Instagram"
	case Unsupported:
		return "Unsupported"
	}

	return "Unsupported"
}

func (p Platform) Supported() bool {
	return p != Unsupported
}

// ParsePlatform is the inverse of String. Unknown names map to Unsupported.
func ParsePlatform(s string) Platform {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, p := range All() {
		if p.String() == name {
			return p
		}
	}

	return Unsupported
}

// Classify maps rawURL to a Platform by matching its host against the registry.
// A host matches when it equals a registered host or is a subdomain of one.
func Classify(rawURL string) Platform {
	host := hostOf(rawURL)
	if host == "" {
		return Unsupported
	}

	for _, entry := range registry {
		for _, suffix := range entry.hosts {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return entry.platform
			}
		}
	}

	return Unsupported
}

// ValidURL reports whether rawURL can be parsed into something with a dotted host name.
func ValidURL(rawURL string) bool {
	return hostOf(rawURL) != ""
}

func hostOf(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return ""
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ""
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")

	// Bare words like "tiktok" parse as hosts once a scheme is added.
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}

	for _, label := range labels {
		if label == "" {
			return ""
		}
	}

	return host
}
