package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// MaxBodyBytes caps how much of a response body is read. EPG pages are the
// largest payloads and stay well below this.
const MaxBodyBytes = 32 << 20

// FollowDefault lets the client follow up to 10 redirects.
const FollowDefault = -1

// Request is one outbound HTTP exchange.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// RedirectLimit is the number of redirects to follow. 0 returns the first
	// 3xx as-is with its Location; FollowDefault uses the client default.
	RedirectLimit int
	// SessionCookie names a cookie whose rotated value must be carried onto
	// redirected requests. The jar never stores it.
	SessionCookie string
	// Retry overrides the transport's retry policy.
	Retry *RetryPolicy
}

// Response is the fully-read result of a Request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	// Location is set when the chain stopped on a redirect.
	Location string
	// Cookies holds every Set-Cookie name=value seen across the redirect chain;
	// later responses override earlier ones.
	Cookies map[string]string
}

// Transport sends requests. The production implementation is *HTTPTransport;
// tests substitute a scripted fake.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Options configures NewTransport.
type Options struct {
	Timeout   time.Duration
	PerHost   int         // concurrent requests per host; 0 = 4
	Retry     RetryPolicy // default policy when Request.Retry is nil
	UserAgent string
	// UnjarredCookies are never stored in the cookie jar.
	UnjarredCookies []string
}

// HTTPTransport is a Transport over net/http with a cookie jar, per-host
// concurrency limits, retry and content decoding.
type HTTPTransport struct {
	client *http.Client
	sem    *HostSemaphore
	policy RetryPolicy
	ua     string
}

// NewTransport builds an HTTPTransport. The returned transport is safe for concurrent use.
func NewTransport(opts Options) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PerHost <= 0 {
		opts.PerHost = 4
	}
	client := WithTimeout(opts.Timeout)
	client.Jar = newFilteredJar(opts.UnjarredCookies...)
	client.CheckRedirect = checkRedirect
	return &HTTPTransport{
		client: client,
		sem:    NewHostSemaphore(opts.PerHost),
		policy: opts.Retry,
		ua:     opts.UserAgent,
	}
}

type redirectKey struct{}

type chainState struct {
	limit   int
	session string
	cookies map[string]string
}

func (s *chainState) collect(resp *http.Response) {
	for _, c := range resp.Cookies() {
		s.cookies[c.Name] = c.Value
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	st, _ := req.Context().Value(redirectKey{}).(*chainState)
	if st == nil {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	if req.Response != nil {
		st.collect(req.Response)
	}
	if st.limit >= 0 && len(via) > st.limit {
		return http.ErrUseLastResponse
	}
	if st.limit < 0 && len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if st.session != "" {
		if v, ok := st.cookies[st.session]; ok && v != "deleted" {
			replaceCookie(req.Header, st.session, v)
		}
	}
	return nil
}

// replaceCookie sets name=value in the Cookie header, keeping other pairs.
func replaceCookie(h http.Header, name, value string) {
	var parts []string
	for _, line := range h.Values("Cookie") {
		for _, p := range strings.Split(line, ";") {
			p = strings.TrimSpace(p)
			if p == "" || strings.HasPrefix(p, name+"=") {
				continue
			}
			parts = append(parts, p)
		}
	}
	parts = append(parts, name+"="+value)
	h.Set("Cookie", strings.Join(parts, "; "))
}

// Do sends req and reads the whole (decoded) body.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	st := &chainState{limit: req.RedirectLimit, session: req.SessionCookie, cookies: map[string]string{}}
	ctx = context.WithValue(ctx, redirectKey{}, st)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build %s %s: %w", method, req.URL, err)
	}
	for k, v := range req.Header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	if t.ua != "" && hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", t.ua)
	}
	hreq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	release, err := t.sem.Acquire(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	defer release()

	policy := t.policy
	if req.Retry != nil {
		policy = *req.Retry
	}
	resp, err := DoWithRetry(ctx, t.client, hreq, policy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	st.collect(resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httpclient: read %s: %w", req.URL, err)
	}
	decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, fmt.Errorf("httpclient: decode %s: %w", req.URL, err)
	}
	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       decoded,
		Header:     resp.Header,
		Cookies:    st.cookies,
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		out.Location = resp.Header.Get("Location")
	}
	return out, nil
}

func decodeBody(encoding string, raw []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return raw, nil
	}
	return io.ReadAll(io.LimitReader(r, MaxBodyBytes))
}
