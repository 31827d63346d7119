package httpclient

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: newRoundTripper(),
	}
}

func newRoundTripper() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Accept-Encoding is set explicitly so brotli can be negotiated; see decodeBody.
		DisableCompression: true,
	}
}

// Default returns the shared tuned HTTP client used for health probes.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and a clone of the Default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// filteredJar is a cookie jar that never stores the named cookies. The session
// cookie is owned by session state and injected per request, so letting the jar
// keep a second copy would send two conflicting values.
type filteredJar struct {
	http.CookieJar
	drop map[string]bool
}

func newFilteredJar(drop ...string) http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New only fails on a nil options bug; fall back to no jar.
		return nil
	}
	m := make(map[string]bool, len(drop))
	for _, d := range drop {
		m[d] = true
	}
	return &filteredJar{CookieJar: jar, drop: m}
}

func (j *filteredJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	kept := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if !j.drop[c.Name] {
			kept = append(kept, c)
		}
	}
	if len(kept) > 0 {
		j.CookieJar.SetCookies(u, kept)
	}
}
