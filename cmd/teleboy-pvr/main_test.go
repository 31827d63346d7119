package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/snapetech/teleboy-pvr/internal/apiclient"
	"github.com/snapetech/teleboy-pvr/internal/cache"
	"github.com/snapetech/teleboy-pvr/internal/config"
	"github.com/snapetech/teleboy-pvr/internal/session"
)

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert_.NotContains(t, buf.String(), "hidden")
	assert_.Contains(t, buf.String(), "shown")

	assert_.Equal(t, zerolog.InfoLevel, newLogger(&buf, "nonsense").GetLevel())
}

func TestNewAppRestoresStoredCookie(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	a, err := newApp(ctx, cfg, zerolog.Nop())
	require_.NoError(t, err)
	require_.NoError(t, a.store.Set(ctx, apiclient.SessionCookie, "warm"))
	require_.NoError(t, a.Close())

	a, err = newApp(ctx, cfg, zerolog.Nop())
	require_.NoError(t, err)
	defer a.Close()
	assert_.Equal(t, "warm", a.sess.Cookie())
	assert_.Equal(t, session.StateInitializing, a.sess.ConnectionState())
	assert_.NotNil(t, a.statusServer())
}

func TestConnectWithoutCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require_.NoError(t, err)
	defer a.Close()
	assert_.Error(t, a.connect(context.Background()))
	assert_.False(t, a.sess.IsConnected())
}

func TestWatchReloadSuppliesCredentials(t *testing.T) {
	t.Setenv("TELEBOY_USERNAME", "")
	t.Setenv("TELEBOY_PASSWORD", "")
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require_.NoError(t, err)
	defer a.Close()
	require_.Error(t, a.login.Start())

	path := filepath.Join(t.TempDir(), "teleboy.yaml")
	require_.NoError(t, os.WriteFile(path, []byte("username: alice\npassword: secret\nenable_dolby: true\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hup := make(chan os.Signal, 1)
	go a.watchReload(ctx, path, hup)
	hup <- syscall.SIGHUP

	assert_.Eventually(t, func() bool {
		return a.login.Settings().Username == "alice"
	}, 2*time.Second, 10*time.Millisecond)
	s := a.login.Settings()
	assert_.Equal(t, "secret", s.Password)
	assert_.True(t, s.EnableDolby)
	assert_.True(t, a.sess.NextLoginAttempt().IsZero(), "new credentials are tried on the next tick")
}

func TestReloadSettingsRejectsBadFile(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require_.NoError(t, err)
	defer a.Close()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require_.NoError(t, os.WriteFile(path, []byte("login_tick: soon\n"), 0o600))
	assert_.Error(t, a.reloadSettings(context.Background(), path))
}

func TestCacheSweepCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TELEBOY_DATA_DIR", dir)
	cfg := config.Load()

	rc, err := cache.Open(cfg.CachePath(), zerolog.Nop())
	require_.NoError(t, err)
	require_.NoError(t, rc.Write("old", []byte("stale"), time.Now().Add(-time.Minute)))
	require_.NoError(t, rc.Write("new", []byte("fresh"), time.Now().Add(time.Hour)))
	require_.NoError(t, rc.Close())

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"cache", "sweep"})
	require_.NoError(t, root.Execute())
	assert_.Contains(t, out.String(), "removed 1 entries")
	assert_.Contains(t, out.String(), "1 left")
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert_.Subset(t, names, []string{"run", "login", "channels", "epg", "recordings", "record", "check", "cache"})
}
