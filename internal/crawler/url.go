package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HostOf returns the lowercase hostname of rawURL, or "unknown".
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// URLFilter decides which discovered URLs look like book detail pages.
type URLFilter struct {
	// AllowedHosts restricts matches to these hosts (suffix match). Empty allows all.
	AllowedHosts []string
	// PathPatterns are substrings of which at least one must occur in the path.
	PathPatterns []string
}

// Match reports whether rawURL passes the filter.
func (f URLFilter) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if len(f.AllowedHosts) > 0 {
		allowed := false
		for _, h := range f.AllowedHosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if len(f.PathPatterns) == 0 {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, pattern := range f.PathPatterns {
		if pattern != "" && strings.Contains(p, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
