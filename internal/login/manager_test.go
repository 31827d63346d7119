package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/config"
	"github.com/snapetech/teleboy-pvr/internal/httpclient"
	"github.com/snapetech/teleboy-pvr/internal/session"
)

const landingPlus = `<script>tvapiKey:'ABC123', setId(4567); setIsPlusMember(1); setIsAuthenticated(true);</script>`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type memParams struct {
	mu sync.Mutex
	m  map[string]string
}

func (p *memParams) Set(_ context.Context, k, v string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = map[string]string{}
	}
	p.m[k] = v
	return nil
}

func (p *memParams) get(k string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[k]
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(_ Level, msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

// site is a scripted copy of the web login flow.
type site struct {
	mu          sync.Mutex
	hits        map[string]int
	liveStatus  int
	warmCookie  string
	checkStatus int
	landing     string
	loginRedir  string
	form        url.Values
}

func (s *site) hit(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[p]
}

func (s *site) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.hits == nil {
			s.hits = map[string]int{}
		}
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		switch r.URL.Path {
		case "/live":
			if s.liveStatus != 0 {
				w.WriteHeader(s.liveStatus)
				return
			}
			if c, err := r.Cookie("cinergy_s"); err == nil && c.Value == s.warmCookie && s.warmCookie != "" {
				fmt.Fprint(w, landingPlus)
				return
			}
			fmt.Fprint(w, `<script>setIsAuthenticated(false);</script>`)
		case "/login":
			if s.loginRedir != "" {
				http.Redirect(w, r, s.loginRedir, http.StatusFound)
				return
			}
			fmt.Fprint(w, `<form action="/login_check"></form>`)
		case "/login_check":
			_ = r.ParseForm()
			s.mu.Lock()
			s.form = r.PostForm
			s.mu.Unlock()
			if s.checkStatus != 0 {
				w.WriteHeader(s.checkStatus)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "cinergy_s", Value: "fresh-cookie"})
			http.Redirect(w, r, "/", http.StatusFound)
		case "/":
			fmt.Fprint(w, s.landing)
		default:
			http.NotFound(w, r)
		}
	})
}

type harness struct {
	mgr    *Manager
	sess   *session.State
	clock  *fakeClock
	params *memParams
	notes  *notes
}

func newHarness(t *testing.T, primary string, cookie string, ep ...Endpoints) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	sess := session.New(cookie)
	params := &memParams{}
	tr := httpclient.NewTransport(httpclient.Options{Timeout: 5 * time.Second, UnjarredCookies: []string{apiclient.SessionCookie}})
	client := apiclient.New(zerolog.Nop(), tr, sess, nil, params, nil, apiclient.Options{APIHost: "api.invalid"})
	endpoints := Endpoints{Primary: primary}
	if len(ep) > 0 {
		endpoints = ep[0]
	}
	n := &notes{}
	mgr := New(zerolog.Nop(), client, config.Settings{Username: "alice", Password: "pw&1"},
		WithEndpoints(endpoints), WithClock(clock.Now), WithNotifier(n))
	return &harness{mgr: mgr, sess: sess, clock: clock, params: params, notes: n}
}

func TestLogin_warmCookieSkipsLoginSteps(t *testing.T) {
	s := &site{warmCookie: "warm"}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	assert := assert_.New(t)

	h := newHarness(t, srv.URL, "warm")
	out, err := h.mgr.Login(context.Background(), "alice", "pw")
	require_.NoError(t, err)
	assert.Equal(OutcomeConnected, out)
	assert.True(h.sess.IsConnected())
	snap := h.sess.Snapshot()
	assert.Equal("ABC123", snap.APIKey)
	assert.Equal("4567", snap.UserID)
	assert.Equal(session.TierPlus, snap.Tier)
	assert.Equal(0, s.hit("/login"))
	assert.Equal(0, s.hit("/login_check"))
	assert.Equal(0, s.hit("/"))
}

func TestLogin_fullFlow(t *testing.T) {
	s := &site{landing: landingPlus}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	assert := assert_.New(t)

	h := newHarness(t, srv.URL, "")
	out, err := h.mgr.Login(context.Background(), "alice", "pw&1")
	require_.NoError(t, err)
	assert.Equal(OutcomeConnected, out)
	assert.Equal("fresh-cookie", h.sess.Cookie())
	assert.Equal("fresh-cookie", h.params.get(apiclient.SessionCookie))
	assert.Equal(1, s.hit("/login_check"))
	assert.Equal(1, s.hit("/"))
	assert.Equal("alice", s.form.Get("login"))
	assert.Equal("pw&1", s.form.Get("password"))
	assert.Equal("1", s.form.Get("keep_login"))
	assert.Contains(h.notes.msgs, "Teleboy connection established.")
}

func TestLogin_alternateHost(t *testing.T) {
	alt := &site{landing: landingPlus}
	altSrv := httptest.NewServer(alt.handler())
	defer altSrv.Close()
	primary := &site{loginRedir: altSrv.URL + "/login"}
	srv := httptest.NewServer(primary.handler())
	defer srv.Close()

	altURL, _ := url.Parse(altSrv.URL)
	h := newHarness(t, srv.URL, "", Endpoints{Primary: srv.URL, Alternate: altSrv.URL, AlternateMarker: altURL.Host})
	out, err := h.mgr.Login(context.Background(), "alice", "pw")
	require_.NoError(t, err)
	assert_.Equal(t, OutcomeConnected, out)
	assert_.Equal(t, 0, primary.hit("/login_check"))
	assert_.Equal(t, 1, alt.hit("/login"))
	assert_.Equal(t, 1, alt.hit("/login_check"))
}

func TestLogin_rateLimitedWaitsTwoHours(t *testing.T) {
	s := &site{checkStatus: http.StatusTooManyRequests}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	assert := assert_.New(t)

	h := newHarness(t, srv.URL, "")
	start := h.clock.Now()
	h.mgr.Tick(context.Background())
	assert.Equal(1, s.hit("/login_check"))
	assert.Equal(session.StateConnecting, h.sess.ConnectionState())
	assert.Equal(start.Add(2*time.Hour), h.sess.NextLoginAttempt())

	for i := 0; i < 20; i++ {
		h.clock.Advance(500 * time.Millisecond)
		h.mgr.Tick(context.Background())
	}
	h.clock.Advance(2*time.Hour - 11*time.Second)
	h.mgr.Tick(context.Background())
	assert.Equal(1, s.hit("/live"), "no attempt before the deadline")

	h.clock.Advance(time.Second)
	h.mgr.Tick(context.Background())
	assert.Equal(2, s.hit("/live"))
}

func TestLogin_failureClassification(t *testing.T) {
	tests := []struct {
		name    string
		site    *site
		outcome Outcome
		state   session.ConnectionState
		retry   time.Duration
	}{
		{"unreachable", &site{liveStatus: http.StatusServiceUnavailable}, OutcomeUnreachable, session.StateUnreachable, time.Minute},
		{"bad credentials", &site{checkStatus: http.StatusForbidden}, OutcomeDenied, session.StateDenied, 2 * time.Hour},
		{"empty landing", &site{landing: ""}, OutcomeDenied, session.StateDenied, time.Hour},
		{"malformed", &site{landing: `tvapiKey:'ABC123` + strings.Repeat("x", 80) + ` setId(4567)`}, OutcomeMalformed, session.StateDenied, time.Hour},
		{"free account", &site{landing: `tvapiKey:'ABC123' setId(4567)`}, OutcomeDenied, session.StateDenied, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.site.handler())
			defer srv.Close()
			h := newHarness(t, srv.URL, "")
			out, err := h.mgr.Login(context.Background(), "alice", "pw")
			var le *Error
			require_.True(t, errors.As(err, &le))
			assert_.Equal(t, tt.outcome, out)
			assert_.Equal(t, tt.outcome, le.Outcome)
			assert_.Equal(t, tt.state, h.sess.ConnectionState())
			assert_.Equal(t, h.clock.Now().Add(tt.retry), h.sess.NextLoginAttempt())
			assert_.False(t, h.sess.IsConnected())
		})
	}
}

func TestLogin_malformedWrapsParseError(t *testing.T) {
	s := &site{landing: `setId(4567)`}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "")
	_, err := h.mgr.Login(context.Background(), "alice", "pw")
	var pe *ParseError
	require_.True(t, errors.As(err, &pe))
	assert_.Equal(t, "api key", pe.Field)
}

func TestLogin_unreachableTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	h := newHarness(t, base, "")
	out, _ := h.mgr.Login(context.Background(), "alice", "pw")
	assert_.Equal(t, OutcomeUnreachable, out)
	assert_.Equal(t, session.StateUnreachable, h.sess.ConnectionState())
}

type hookFunc func(ctx context.Context) bool

func (f hookFunc) SessionInitialized(ctx context.Context) bool { return f(ctx) }

func TestLogin_hookFailureRetriesInAMinute(t *testing.T) {
	s := &site{warmCookie: "warm"}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "warm")
	var sawConnected bool
	h.mgr.AddHook(hookFunc(func(context.Context) bool {
		sawConnected = h.sess.IsConnected()
		return false
	}))

	out, _ := h.mgr.Login(context.Background(), "alice", "pw")
	assert_.True(t, sawConnected, "hooks run against a usable session")
	assert_.Equal(t, OutcomeUnreachable, out)
	assert_.False(t, h.sess.IsConnected())
	assert_.Equal(t, h.clock.Now().Add(time.Minute), h.sess.NextLoginAttempt())
}

func TestLogin_hookExpiringSessionIsNotConnected(t *testing.T) {
	s := &site{warmCookie: "warm"}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "warm")
	h.mgr.AddHook(hookFunc(func(context.Context) bool {
		h.mgr.ErrorStatusCode(http.StatusUnauthorized, apiclient.OutcomeSessionExpired)
		return true
	}))

	out, err := h.mgr.Login(context.Background(), "alice", "pw")
	require_.Error(t, err)
	assert_.Equal(t, OutcomeUnreachable, out)
	assert_.False(t, h.sess.IsConnected())
	assert_.Equal(t, session.StateUnreachable, h.sess.ConnectionState())
	assert_.Equal(t, h.clock.Now().Add(RetryUnreachable), h.sess.NextLoginAttempt())
	assert_.NotContains(t, h.notes.msgs, "Teleboy connection established.")
}

func TestReset_disconnectsUntilNextLogin(t *testing.T) {
	s := &site{warmCookie: "warm", landing: landingPlus}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	assert := assert_.New(t)

	h := newHarness(t, srv.URL, "warm")
	h.mgr.Tick(context.Background())
	require_.True(t, h.sess.IsConnected())

	h.mgr.Reset(context.Background())
	assert.False(h.sess.IsConnected())
	assert.Equal(session.StateConnecting, h.sess.ConnectionState())
	assert.Empty(h.sess.Cookie())
	assert.Equal("", h.params.get(apiclient.SessionCookie))
	assert.Equal("4567", h.sess.UserID(), "credentials and identity survive")
	assert.Contains(h.notes.msgs, "Teleboy session expired.")

	h.mgr.Tick(context.Background())
	assert.True(h.sess.IsConnected())
	assert.Equal(1, s.hit("/login_check"), "cookie was dropped so a full login ran")
}

func TestErrorStatusCode_resetsOnlyOnSessionExpiry(t *testing.T) {
	s := &site{warmCookie: "warm"}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "warm")
	h.mgr.Tick(context.Background())
	require_.True(t, h.sess.IsConnected())

	h.mgr.ErrorStatusCode(500, apiclient.OutcomeServerError)
	h.mgr.ErrorStatusCode(429, apiclient.OutcomeRateLimited)
	assert_.True(t, h.sess.IsConnected())

	h.mgr.ErrorStatusCode(401, apiclient.OutcomeSessionExpired)
	assert_.False(t, h.sess.IsConnected())
}

func TestStart_needsSettings(t *testing.T) {
	s := &site{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "")
	require_.NoError(t, h.mgr.SetSettings(context.Background(), config.Settings{Username: "alice", Password: "pw"}))

	h2 := newHarness(t, srv.URL, "")
	err := h2.mgr.SetSettings(context.Background(), config.Settings{})
	var le *Error
	require_.True(t, errors.As(err, &le))
	assert_.Equal(t, OutcomeNeedsSettings, le.Outcome)

	err = h2.mgr.Start()
	require_.True(t, errors.As(err, &le))
	assert_.Equal(t, OutcomeNeedsSettings, le.Outcome)
	h2.mgr.Tick(context.Background())
	assert_.Equal(t, 0, s.hit("/live"), "terminal until settings change")
}

func TestSetSettings_credentialChangeRetriesNow(t *testing.T) {
	s := &site{checkStatus: http.StatusForbidden}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "")
	h.mgr.Tick(context.Background())
	require_.Equal(t, session.StateDenied, h.sess.ConnectionState())
	require_.True(t, h.sess.NextLoginAttempt().After(h.clock.Now()))

	require_.NoError(t, h.mgr.SetSettings(context.Background(), config.Settings{Username: "alice", Password: "right"}))
	assert_.True(t, h.sess.NextLoginAttempt().IsZero())
	assert_.Equal(t, session.StateConnecting, h.sess.ConnectionState())

	require_.NoError(t, h.mgr.SetSettings(context.Background(), config.Settings{Username: "alice", Password: "right", EnableDolby: true}))
	assert_.True(t, h.mgr.Settings().EnableDolby)
}

func TestSetSettings_disconnectedDoesNotReportExpiry(t *testing.T) {
	s := &site{}
	srv := httptest.NewServer(s.handler())
	defer srv.Close()
	h := newHarness(t, srv.URL, "")
	require_.NoError(t, h.mgr.SetSettings(context.Background(), config.Settings{Username: "bob", Password: "pw"}))
	assert_.NotContains(t, h.notes.msgs, "Teleboy session expired.")
}
