package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/cache"
	"github.com/snapetech/teleboy-pvr/internal/config"
	"github.com/snapetech/teleboy-pvr/internal/epg"
	"github.com/snapetech/teleboy-pvr/internal/httpclient"
	"github.com/snapetech/teleboy-pvr/internal/login"
	"github.com/snapetech/teleboy-pvr/internal/metrics"
	"github.com/snapetech/teleboy-pvr/internal/scheduler"
	"github.com/snapetech/teleboy-pvr/internal/session"
	"github.com/snapetech/teleboy-pvr/internal/status"
	"github.com/snapetech/teleboy-pvr/internal/store"
	"github.com/snapetech/teleboy-pvr/internal/teleboy"
	"github.com/snapetech/teleboy-pvr/internal/xmltv"
)

// app is the fully wired client: one session shared by login, API and scheduler.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   *store.Store
	cache   *cache.Cache
	metrics *metrics.Metrics
	sess    *session.State
	client  *apiclient.Client
	login   *login.Manager
	api     *teleboy.API
	guide   *xmltv.Guide
	sched   *scheduler.Scheduler
}

// guideSink stores emitted batches and drops the rendered XMLTV document.
type guideSink struct {
	store *store.Store
	guide *xmltv.Guide
}

func (s guideSink) Emit(ctx context.Context, channelID int, batch []epg.Broadcast) error {
	if err := s.store.Emit(ctx, channelID, batch); err != nil {
		return err
	}
	s.guide.Invalidate()
	return nil
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", "teleboy-pvr").Logger()
}

func loadConfig(path string) (*config.Config, error) {
	_ = config.LoadEnvFile(".env")
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (a *app, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	a = &app{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.store, err = store.Open(ctx, cfg.StorePath()); err != nil {
		return nil, err
	}
	if a.cache, err = cache.Open(cfg.CachePath(), log); err != nil {
		return nil, err
	}
	cookie, err := a.store.Get(ctx, apiclient.SessionCookie)
	if err != nil {
		return nil, fmt.Errorf("load session cookie: %w", err)
	}
	a.sess = session.New(cookie)

	tr := httpclient.NewTransport(httpclient.Options{
		Timeout:         cfg.HTTPTimeout,
		UserAgent:       apiclient.DefaultUserAgent,
		UnjarredCookies: []string{apiclient.SessionCookie},
	})
	a.client = apiclient.New(log, tr, a.sess, a.cache, a.store, a.metrics, apiclient.Options{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})
	a.login = login.New(log, a.client, cfg.Settings(), login.WithMetrics(a.metrics))
	a.api = teleboy.New(log, a.client, teleboy.Options{
		MaxRecall: cfg.MaxRecall,
		Settings:  a.login.Settings,
	})
	a.login.AddHook(a.api)
	a.guide = &xmltv.Guide{
		Channels:   a.api,
		Broadcasts: a.store,
		Genres:     a.api,
		Log:        log.With().Str("component", "xmltv").Logger(),
		Ahead:      cfg.MaxRecall,
	}

	a.sched = scheduler.New(log, scheduler.Options{
		Workers:         cfg.Workers,
		LoginTick:       cfg.LoginTick,
		PoolTick:        cfg.PoolTick,
		SweepInterval:   cfg.SweepInterval,
		RefreshInterval: cfg.RefreshInterval,
	}, scheduler.Deps{
		Login:     a.login,
		Executor:  a.api,
		Refresher: a.api,
		Sink:      guideSink{store: a.store, guide: a.guide},
		Sweeper:   a.cache,
		Ready:     a.sess.IsConnected,
		Metrics:   a.metrics,
	})
	a.api.AttachScheduler(a.sched)
	return a, nil
}

// connect performs one synchronous login, for the one-shot commands.
func (a *app) connect(ctx context.Context) error {
	if err := a.login.Start(); err != nil {
		return err
	}
	s := a.login.Settings()
	_, err := a.login.Login(ctx, s.Username, s.Password)
	return err
}

// reloadSettings re-reads the config and hands its credentials and feature
// flags to the login manager. Other keys need a restart.
func (a *app) reloadSettings(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	return a.login.SetSettings(ctx, cfg.Settings())
}

// watchReload reloads settings on every signal received on hup.
func (a *app) watchReload(ctx context.Context, path string, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.reloadSettings(ctx, path); err != nil {
				a.log.Warn().Err(err).Msg("settings reload failed")
				continue
			}
			a.log.Info().Msg("settings reloaded")
		}
	}
}

func (a *app) statusServer() *status.Server {
	return status.NewServer(a.log, status.Deps{
		Session:    a.sess,
		Queue:      a.sched,
		Guide:      a.api,
		Broadcasts: a.store,
		Cache:      a.cache,
		Metrics:    a.metrics.Handler(),
		XMLTV:      a.guide,
	})
}

func (a *app) Close() error {
	var result error
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			result = multierror.Append(result, multierror.Prefix(err, "[cache]"))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, multierror.Prefix(err, "[store]"))
		}
	}
	return result
}
