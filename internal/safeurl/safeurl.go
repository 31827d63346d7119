// Package safeurl restricts upstream-supplied URLs (stream manifests and
// their redirect targets) to absolute http and https locations.
package safeurl

import "net/url"

// IsHTTPOrHTTPS reports whether u is an absolute http(s) URL with a host.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return allowed(parsed)
}

// Resolve resolves a Location header against the URL that returned it.
// ok is false when the result is not an absolute http(s) URL.
func Resolve(base, location string) (string, bool) {
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", false
	}
	u := b.ResolveReference(l)
	if !allowed(u) {
		return "", false
	}
	return u.String(), true
}

func allowed(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
