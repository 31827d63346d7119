// Package apiclient executes upstream requests with the current session
// credentials attached, classifies outcomes and fronts the response cache.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/teleboy-pvr/internal/cache"
	"github.com/snapetech/teleboy-pvr/internal/httpclient"
	"github.com/snapetech/teleboy-pvr/internal/metrics"
	"github.com/snapetech/teleboy-pvr/internal/session"
)

const (
	DefaultAPIHost = "tv.api.teleboy.ch"
	// SessionCookie is the upstream session cookie name; also its parameter store key.
	SessionCookie = "cinergy_s"

	headerAPIKey     = "x-teleboy-apikey"
	headerDevice     = "x-teleboy-device-type"
	headerSession    = "x-teleboy-session"
	headerVersion    = "x-teleboy-version"
	deviceType       = "desktop"
	apiVersion       = "2.0"
	DefaultUserAgent = "teleboy-pvr/1.0"
)

// ResponseCache is the TTL store consulted by GetCached.
type ResponseCache interface {
	Read(key string) ([]byte, bool)
	Write(key string, body []byte, until time.Time) error
}

// ParamStore persists the rotated session cookie.
type ParamStore interface {
	Set(ctx context.Context, key, value string) error
}

// Options configures New.
type Options struct {
	APIHost   string // host that gets header auth; default tv.api.teleboy.ch
	UserAgent string
	RateLimit float64 // requests/second to upstream; <= 0 disables limiting
	RateBurst int
}

// Call is one request. Bootstrap calls belong to the login flow and are sent
// while the session is not yet connected.
type Call struct {
	Method        string
	URL           string
	Body          []byte
	Header        http.Header
	RedirectLimit int
	Bootstrap     bool
	// Anonymous calls carry no session credentials and never rotate the
	// cookie. Used for third-party hosts such as stream CDNs.
	Anonymous bool
	Retry     *httpclient.RetryPolicy
}

// Result carries the body even for failed calls; callers decide what empty means.
type Result struct {
	Body       []byte
	StatusCode int
	Outcome    Outcome
	Location   string
	Cookies    map[string]string
	Err        error
}

// OK reports a 2xx/3xx response.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

type Client struct {
	tr      httpclient.Transport
	sess    *session.State
	cache   ResponseCache
	params  ParamStore
	limiter *rate.Limiter
	handler StatusHandler
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	apiHost string
	ua      string
}

// New wires a Client. cache, params and m may be nil.
func New(log zerolog.Logger, tr httpclient.Transport, sess *session.State, rc ResponseCache, params ParamStore, m *metrics.Metrics, opts Options) *Client {
	if opts.APIHost == "" {
		opts.APIHost = DefaultAPIHost
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	c := &Client{
		tr:      tr,
		sess:    sess,
		cache:   rc,
		params:  params,
		metrics: m,
		log:     log.With().Str("component", "apiclient").Logger(),
		now:     time.Now,
		apiHost: opts.APIHost,
		ua:      opts.UserAgent,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// SetStatusHandler installs the failure callback. Call before any concurrent use.
func (c *Client) SetStatusHandler(h StatusHandler) {
	c.handler = h
}

// SetClock replaces the time source used for cache expiry. Tests only.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// Session returns the shared session state.
func (c *Client) Session() *session.State {
	return c.sess
}

// APIHost is the host that receives header-based auth.
func (c *Client) APIHost() string {
	return c.apiHost
}

// Do executes call. It never returns an error value separately: failures are
// reported in Result and, for non-OK outcomes, to the StatusHandler.
func (c *Client) Do(ctx context.Context, call Call) Result {
	if call.Method == "" {
		call.Method = http.MethodGet
	}
	if !call.Bootstrap && !call.Anonymous && !c.sess.IsConnected() {
		c.metrics.Upstream(OutcomeNotConnected.String())
		return Result{StatusCode: StatusTransportFailure, Outcome: OutcomeNotConnected}
	}
	isAPI := c.isAPIHost(call.URL)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.fail(call, isAPI, err)
		}
	}

	resp, err := c.tr.Do(ctx, &httpclient.Request{
		Method:        call.Method,
		URL:           call.URL,
		Body:          call.Body,
		Header:        c.headers(call, isAPI),
		RedirectLimit: call.RedirectLimit,
		SessionCookie: sessionCookieFor(call),
		Retry:         call.Retry,
	})
	if err != nil {
		return c.fail(call, isAPI, err)
	}

	res := Result{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Outcome:    Classify(resp.StatusCode, isAPI),
		Location:   resp.Location,
		Cookies:    resp.Cookies,
	}
	c.log.Debug().Str("method", call.Method).Str("url", redact(call.URL)).
		Int("status", res.StatusCode).Str("outcome", res.Outcome.String()).Msg("http request")
	c.metrics.Upstream(res.Outcome.String())

	if res.OK() {
		if !call.Anonymous {
			c.rotateCookie(ctx, resp.Cookies[SessionCookie])
		}
		return res
	}
	res.Err = fmt.Errorf("apiclient: %s %s: status %d", call.Method, redact(call.URL), res.StatusCode)
	c.notify(res.StatusCode, res.Outcome)
	return res
}

func (c *Client) fail(call Call, isAPI bool, err error) Result {
	c.log.Warn().Err(err).Str("method", call.Method).Str("url", redact(call.URL)).Msg("http request failed")
	c.metrics.Upstream(OutcomeTransportError.String())
	c.notify(StatusTransportFailure, OutcomeTransportError)
	return Result{StatusCode: StatusTransportFailure, Outcome: OutcomeTransportError, Err: err}
}

func (c *Client) notify(code int, o Outcome) {
	if c.handler != nil {
		c.handler.ErrorStatusCode(code, o)
	}
}

// Request is the (content, statusCode) form of Do for connected calls.
func (c *Client) Request(ctx context.Context, method, rawURL string, body []byte) ([]byte, int) {
	res := c.Do(ctx, Call{Method: method, URL: rawURL, Body: body})
	return res.Body, res.StatusCode
}

// Get issues a connected GET.
func (c *Client) Get(ctx context.Context, rawURL string) Result {
	return c.Do(ctx, Call{Method: http.MethodGet, URL: rawURL, Retry: &httpclient.APIRetryPolicy})
}

// PostJSON issues a connected POST with v encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, rawURL string, v any) Result {
	body, err := json.Marshal(v)
	if err != nil {
		return Result{StatusCode: StatusTransportFailure, Outcome: OutcomeClientError, Err: err}
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return c.Do(ctx, Call{Method: http.MethodPost, URL: rawURL, Body: body, Header: h})
}

// Delete issues a connected DELETE.
func (c *Client) Delete(ctx context.Context, rawURL string) Result {
	return c.Do(ctx, Call{Method: http.MethodDelete, URL: rawURL})
}

// GetCached serves rawURL from the response cache when fresh. On a miss it
// performs a live GET and stores a non-empty successful body for ttl.
// Cache hits do not touch the rate limiter, the session or the network.
func (c *Client) GetCached(ctx context.Context, rawURL string, ttl time.Duration) ([]byte, int) {
	key := cache.Fingerprint(rawURL)
	if c.cache != nil {
		if body, ok := c.cache.Read(key); ok {
			c.metrics.CacheLookup(true)
			return body, http.StatusOK
		}
	}
	c.metrics.CacheLookup(false)
	res := c.Get(ctx, rawURL)
	if c.cache != nil && res.OK() && len(res.Body) > 0 {
		if err := c.cache.Write(key, res.Body, c.now().Add(ttl)); err != nil {
			c.log.Error().Err(err).Msg("cache write failed")
		}
	}
	return res.Body, res.StatusCode
}

// ClearSession forgets the cookie both in memory and in the parameter store.
func (c *Client) ClearSession(ctx context.Context) bool {
	was := c.sess.ClearSession()
	c.persistCookie(ctx, "")
	return was
}

func (c *Client) rotateCookie(ctx context.Context, v string) {
	if !c.sess.RotateCookie(v) {
		return
	}
	c.log.Debug().Str("cookie", prefix(v)).Msg("session cookie rotated")
	c.persistCookie(ctx, v)
}

func (c *Client) persistCookie(ctx context.Context, v string) {
	if c.params == nil {
		return
	}
	if err := c.params.Set(context.WithoutCancel(ctx), SessionCookie, v); err != nil {
		c.log.Error().Err(err).Msg("persist session cookie failed")
	}
}

func (c *Client) headers(call Call, isAPI bool) http.Header {
	h := http.Header{}
	for k, v := range call.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set("User-Agent", c.ua)
	if call.Anonymous {
		return h
	}
	snap := c.sess.Snapshot()
	if isAPI {
		if snap.APIKey != "" {
			h.Set(headerAPIKey, snap.APIKey)
		}
		h.Set(headerDevice, deviceType)
		h.Set(headerVersion, apiVersion)
		if snap.Cookie != "" {
			h.Set(headerSession, snap.Cookie)
		}
		return h
	}
	if snap.Cookie != "" {
		h.Add("Cookie", SessionCookie+"="+snap.Cookie)
	}
	return h
}

func sessionCookieFor(call Call) string {
	if call.Anonymous {
		return ""
	}
	return SessionCookie
}

func (c *Client) isAPIHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Host == c.apiHost
}

// redact drops the query string, which may carry session parameters.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	return u.String()
}

func prefix(s string) string {
	if len(s) > 5 {
		return s[:5] + "..."
	}
	return s
}
