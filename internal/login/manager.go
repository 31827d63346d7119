// Package login keeps the upstream session authenticated: it scrapes the web
// login flow, classifies failures into retry delays and resets the session
// when the API reports it expired.
package login

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/config"
	"github.com/snapetech/teleboy-pvr/internal/httpclient"
	"github.com/snapetech/teleboy-pvr/internal/metrics"
	"github.com/snapetech/teleboy-pvr/internal/session"
)

// Endpoints are the web hosts of the login flow.
type Endpoints struct {
	Primary   string
	Alternate string
	// AlternateMarker in a /login redirect Location switches to Alternate.
	AlternateMarker string
}

// DefaultEndpoints is the production login flow.
var DefaultEndpoints = Endpoints{
	Primary:         "https://www.teleboy.ch",
	Alternate:       "https://t.teleboy.ch",
	AlternateMarker: "t.teleboy.ch",
}

// InitHook is told about a fresh session before it is announced as connected.
// Returning false retries the login in a minute.
type InitHook interface {
	SessionInitialized(ctx context.Context) bool
}

type Manager struct {
	client    *apiclient.Client
	sess      *session.State
	extract   TokenExtractor
	notify    Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
	endpoints Endpoints
	now       func() time.Time

	mu       sync.Mutex
	settings config.Settings
	hooks    []InitHook

	// loginMu serializes Login between the loop and one-shot callers.
	loginMu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

func WithExtractor(e TokenExtractor) Option { return func(m *Manager) { m.extract = e } }
func WithNotifier(n Notifier) Option        { return func(m *Manager) { m.notify = n } }
func WithEndpoints(e Endpoints) Option      { return func(m *Manager) { m.endpoints = e } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New builds a Manager and installs it as the client's status handler.
func New(log zerolog.Logger, client *apiclient.Client, settings config.Settings, opts ...Option) *Manager {
	m := &Manager{
		client:    client,
		sess:      client.Session(),
		extract:   ScanExtractor{},
		endpoints: DefaultEndpoints,
		now:       time.Now,
		settings:  settings,
		log:       log.With().Str("component", "login").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.notify == nil {
		m.notify = LogNotifier{Log: m.log}
	}
	client.SetStatusHandler(m)
	return m
}

// AddHook registers a collaborator to be initialized after each successful login.
func (m *Manager) AddHook(h InitHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Settings returns the current credentials and feature flags.
func (m *Manager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Start validates the configured credentials. With missing credentials it
// returns an OutcomeNeedsSettings error and the loop will not log in until
// SetSettings supplies them.
func (m *Manager) Start() error {
	if err := m.Settings().Validate(); err != nil {
		m.notify.Notify(LevelWarning, "Username or password not set.")
		m.metrics.LoginOutcome(OutcomeNeedsSettings.String())
		return &Error{Outcome: OutcomeNeedsSettings, Err: err}
	}
	m.sess.SetConnectionState(session.StateConnecting)
	return nil
}

// Tick is one iteration of the login loop. It is cheap when connected or
// when the next attempt is not due yet.
func (m *Manager) Tick(ctx context.Context) {
	if m.sess.IsConnected() {
		return
	}
	if m.now().Before(m.sess.NextLoginAttempt()) {
		return
	}
	s := m.Settings()
	if s.Validate() != nil {
		return
	}
	m.sess.SetConnectionState(session.StateConnecting)
	if _, err := m.Login(ctx, s.Username, s.Password); err != nil {
		var le *Error
		if errors.As(err, &le) && le.Outcome != OutcomeRateLimited {
			m.notify.Notify(LevelError, "Login failed: "+le.Outcome.String())
		}
	}
}

// Login runs the full login protocol and leaves the session in a resting
// state: Connected on success, otherwise Unreachable, Denied or (rate
// limited) Connecting with the next attempt scheduled.
func (m *Manager) Login(ctx context.Context, username, password string) (Outcome, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	err := m.login(ctx, username, password)
	if err == nil {
		err = m.initialize(ctx)
	}
	if err == nil {
		m.metrics.LoginOutcome(OutcomeConnected.String())
		m.metrics.SetConnected(true)
		m.log.Info().Str("user_id", m.sess.UserID()).Str("tier", m.sess.Tier().String()).Msg("login done")
		m.notify.Notify(LevelInfo, "Teleboy connection established.")
		return OutcomeConnected, nil
	}

	var le *Error
	if !errors.As(err, &le) {
		le = &Error{Outcome: OutcomeMalformed, Retry: RetryMalformed, Err: err}
	}
	m.sess.SetConnectionState(le.Outcome.state())
	m.sess.ScheduleLogin(m.now().Add(le.Retry))
	m.metrics.LoginOutcome(le.Outcome.String())
	m.metrics.SetConnected(false)
	ev := m.log.Warn()
	if le.Outcome == OutcomeMalformed {
		ev = m.log.Error()
	}
	ev.Err(le.Err).Str("outcome", le.Outcome.String()).Dur("retry_in", le.Retry).Msg("login failed")
	return le.Outcome, le
}

func (m *Manager) login(ctx context.Context, username, password string) error {
	base := m.endpoints.Primary
	res := m.bootstrap(ctx, http.MethodGet, base+"/live", nil, nil, httpclient.FollowDefault)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fail(OutcomeUnreachable, RetryUnreachable, "fetch %s/live: status %d", base, res.StatusCode)
	}
	body := string(res.Body)

	if m.extract.IsAuthenticated(body) {
		m.log.Info().Msg("already authenticated")
	} else {
		m.log.Info().Msg("not yet authenticated, logging in")
		res = m.bootstrap(ctx, http.MethodGet, base+"/login", nil, nil, 0)
		if res.StatusCode == apiclient.StatusTransportFailure {
			return fail(OutcomeUnreachable, RetryUnreachable, "fetch %s/login: %v", base, res.Err)
		}
		if m.endpoints.AlternateMarker != "" && strings.Contains(res.Location, m.endpoints.AlternateMarker) {
			base = m.endpoints.Alternate
			m.log.Info().Str("host", base).Msg("using alternate login host")
			res = m.bootstrap(ctx, http.MethodGet, base+"/login", nil, nil, 0)
			if res.StatusCode == apiclient.StatusTransportFailure || res.StatusCode >= 400 {
				return fail(OutcomeUnreachable, RetryUnreachable, "fetch %s/login: status %d", base, res.StatusCode)
			}
		}

		form := url.Values{}
		form.Set("login", username)
		form.Set("password", password)
		form.Set("keep_login", "1")
		h := http.Header{}
		h.Set("Content-Type", "application/x-www-form-urlencoded")
		h.Set("Referer", base+"/login")
		res = m.bootstrap(ctx, http.MethodPost, base+"/login_check", []byte(form.Encode()), h, 0)
		switch {
		case res.StatusCode == apiclient.StatusTransportFailure:
			return fail(OutcomeUnreachable, RetryUnreachable, "login check: %v", res.Err)
		case res.StatusCode == http.StatusTooManyRequests:
			m.notify.Notify(LevelWarning, "Rate limit reached.")
			return fail(OutcomeRateLimited, RetryRateLimited, "login check: status 429")
		case res.StatusCode >= 400:
			return fail(OutcomeDenied, RetryDenied, "login check: status %d", res.StatusCode)
		}

		h = http.Header{}
		h.Set("Referer", base+"/login")
		res = m.bootstrap(ctx, http.MethodGet, base, nil, h, 5)
		if len(res.Body) == 0 {
			return fail(OutcomeDenied, RetryEmptyPage, "landing page %s: empty body (status %d)", base, res.StatusCode)
		}
		body = string(res.Body)
	}

	id, err := m.extract.Extract(body)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			m.log.Debug().Int("body_len", len(body)).Str("field", pe.Field).Msg("landing page did not parse")
		}
		return &Error{Outcome: OutcomeMalformed, Retry: RetryMalformed, Err: err}
	}
	if id.Tier == session.TierNone {
		m.notify.Notify(LevelError, "Free accounts are not supported.")
		return fail(OutcomeDenied, RetryFreeAccount, "user %s: free accounts are not supported", id.UserID)
	}
	m.sess.SetIdentity(id.APIKey, id.UserID, id.Tier)
	if err := m.sess.MarkConnected(m.now()); err != nil {
		return &Error{Outcome: OutcomeMalformed, Retry: RetryMalformed, Err: err}
	}
	return nil
}

// initialize runs hooks on the freshly connected session. A failing hook, or
// a hook whose calls expired the session, takes the session back out of
// Connected.
func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	hooks := append([]InitHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, h := range hooks {
		if !h.SessionInitialized(ctx) {
			return fail(OutcomeUnreachable, RetryUnreachable, "session initialization failed")
		}
	}
	if !m.sess.IsConnected() {
		return fail(OutcomeUnreachable, RetryUnreachable, "session expired during initialization")
	}
	return nil
}

func (m *Manager) bootstrap(ctx context.Context, method, rawURL string, body []byte, h http.Header, redirects int) apiclient.Result {
	return m.client.Do(ctx, apiclient.Call{
		Method:        method,
		URL:           rawURL,
		Body:          body,
		Header:        h,
		RedirectLimit: redirects,
		Bootstrap:     true,
		Retry:         &httpclient.NoRetry,
	})
}

// Reset drops the short-lived cookie and api key so the loop logs in again on
// its next eligible tick. Credentials are kept.
func (m *Manager) Reset(ctx context.Context) {
	wasConnected := m.client.ClearSession(ctx)
	m.metrics.SetConnected(false)
	m.log.Info().Bool("was_connected", wasConnected).Msg("session reset")
	if wasConnected {
		m.notify.Notify(LevelInfo, "Teleboy session expired.")
	}
}

// SetSettings replaces credentials and feature flags. Invalid settings are
// stored but leave the session alone; valid ones force a fresh login, right
// away when the credentials changed.
func (m *Manager) SetSettings(ctx context.Context, s config.Settings) error {
	m.mu.Lock()
	prev := m.settings
	m.settings = s
	m.mu.Unlock()

	if err := s.Validate(); err != nil {
		m.notify.Notify(LevelWarning, "Username or password not set.")
		return &Error{Outcome: OutcomeNeedsSettings, Err: err}
	}
	m.Reset(ctx)
	if prev.Username != s.Username || prev.Password != s.Password {
		m.sess.ScheduleLogin(time.Time{})
	}
	return nil
}

// ErrorStatusCode implements apiclient.StatusHandler.
func (m *Manager) ErrorStatusCode(code int, outcome apiclient.Outcome) {
	if outcome != apiclient.OutcomeSessionExpired || !m.sess.IsConnected() {
		return
	}
	m.log.Warn().Int("status", code).Msg("session expired upstream")
	m.Reset(context.Background())
}
