package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned by Settings.Validate when username or password is empty.
var ErrMissingCredentials = errors.New("config: username or password not set")

// Config holds account, storage, scheduling and status-server settings.
// Load from env (after LoadEnvFile) and optionally a YAML file (LoadFile).
type Config struct {
	// Account
	Username      string
	Password      string
	FavoritesOnly bool // only list the account's favourite stations
	EnableDolby   bool // request dolby audio in stream URLs

	// Paths
	DataDir string // sqlite parameter store + bbolt response cache live here

	// Scheduling
	Workers         int           // pool size draining the EPG queue
	LoginTick       time.Duration // liveness tick of the login loop (not a retry interval)
	PoolTick        time.Duration // idle sleep of pool workers
	SweepInterval   time.Duration // how often the designated worker sweeps expired cache entries
	RefreshInterval time.Duration // bulk refresh of recordings/timers

	// Upstream
	HTTPTimeout time.Duration
	RateLimit   float64 // upstream requests per second; cache hits are free
	RateBurst   int
	MaxRecall   time.Duration // replay window for playable/recordable checks

	// Status server. Empty = disabled.
	StatusAddr string
	LogLevel   string
}

// Settings is the runtime-changeable subset consumed by the login manager.
type Settings struct {
	Username      string
	Password      string
	FavoritesOnly bool
	EnableDolby   bool
}

// Validate reports ErrMissingCredentials when either credential is empty.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Username) == "" || s.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Settings returns the login-relevant subset of c.
func (c *Config) Settings() Settings {
	return Settings{
		Username:      c.Username,
		Password:      c.Password,
		FavoritesOnly: c.FavoritesOnly,
		EnableDolby:   c.EnableDolby,
	}
}

// Validate checks credentials and normalises non-positive numeric settings.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.Settings().Validate()
}

// StorePath is the sqlite parameter store path under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "teleboy.db")
}

// CachePath is the bbolt response cache path under DataDir.
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "cache.bolt")
}

// Default returns a Config with defaults only (no env, no file).
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		Workers:         3,
		LoginTick:       500 * time.Millisecond,
		PoolTick:        100 * time.Millisecond,
		SweepInterval:   time.Minute,
		RefreshInterval: 10 * time.Minute,
		HTTPTimeout:     30 * time.Second,
		RateLimit:       5,
		RateBurst:       10,
		MaxRecall:       7 * 24 * time.Hour,
		LogLevel:        "info",
	}
}

// Load reads config from environment on top of defaults.
// Call LoadEnvFile(".env") before Load() to use a .env file.
func Load() *Config {
	c := Default()
	c.applyEnv()
	c.applyDefaults()
	return c
}

// fileConfig mirrors Config for YAML; durations are strings ("500ms", "2h").
type fileConfig struct {
	Username        string  `yaml:"username"`
	Password        string  `yaml:"password"`
	FavoritesOnly   *bool   `yaml:"favorites_only"`
	EnableDolby     *bool   `yaml:"enable_dolby"`
	DataDir         string  `yaml:"data_dir"`
	Workers         int     `yaml:"workers"`
	LoginTick       string  `yaml:"login_tick"`
	PoolTick        string  `yaml:"pool_tick"`
	SweepInterval   string  `yaml:"sweep_interval"`
	RefreshInterval string  `yaml:"refresh_interval"`
	HTTPTimeout     string  `yaml:"http_timeout"`
	RateLimit       float64 `yaml:"rate_limit"`
	RateBurst       int     `yaml:"rate_burst"`
	MaxRecall       string  `yaml:"max_recall"`
	StatusAddr      string  `yaml:"status_addr"`
	LogLevel        string  `yaml:"log_level"`
}

// LoadFile reads a YAML config file whose values replace the defaults; env
// variables still win over the file. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			if err := c.applyFile(fc); err != nil {
				return nil, fmt.Errorf("config: %s: %w", path, err)
			}
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyFile(fc fileConfig) error {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&c.Username, fc.Username)
	setStr(&c.Password, fc.Password)
	setStr(&c.DataDir, fc.DataDir)
	setStr(&c.StatusAddr, fc.StatusAddr)
	setStr(&c.LogLevel, fc.LogLevel)
	if fc.FavoritesOnly != nil {
		c.FavoritesOnly = *fc.FavoritesOnly
	}
	if fc.EnableDolby != nil {
		c.EnableDolby = *fc.EnableDolby
	}
	if fc.Workers != 0 {
		c.Workers = fc.Workers
	}
	if fc.RateLimit != 0 {
		c.RateLimit = fc.RateLimit
	}
	if fc.RateBurst != 0 {
		c.RateBurst = fc.RateBurst
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"login_tick", fc.LoginTick, &c.LoginTick},
		{"pool_tick", fc.PoolTick, &c.PoolTick},
		{"sweep_interval", fc.SweepInterval, &c.SweepInterval},
		{"refresh_interval", fc.RefreshInterval, &c.RefreshInterval},
		{"http_timeout", fc.HTTPTimeout, &c.HTTPTimeout},
		{"max_recall", fc.MaxRecall, &c.MaxRecall},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Username = getEnv("TELEBOY_USERNAME", c.Username)
	c.Password = getEnv("TELEBOY_PASSWORD", c.Password)
	c.FavoritesOnly = getEnvBool("TELEBOY_FAVORITES_ONLY", c.FavoritesOnly)
	c.EnableDolby = getEnvBool("TELEBOY_ENABLE_DOLBY", c.EnableDolby)
	c.DataDir = getEnv("TELEBOY_DATA_DIR", c.DataDir)
	c.Workers = getEnvInt("TELEBOY_WORKERS", c.Workers)
	c.LoginTick = getEnvDuration("TELEBOY_LOGIN_TICK", c.LoginTick)
	c.PoolTick = getEnvDuration("TELEBOY_POOL_TICK", c.PoolTick)
	c.SweepInterval = getEnvDuration("TELEBOY_SWEEP_INTERVAL", c.SweepInterval)
	c.RefreshInterval = getEnvDuration("TELEBOY_REFRESH_INTERVAL", c.RefreshInterval)
	c.HTTPTimeout = getEnvDuration("TELEBOY_HTTP_TIMEOUT", c.HTTPTimeout)
	c.RateLimit = getEnvFloat("TELEBOY_RATE_LIMIT", c.RateLimit)
	c.RateBurst = getEnvInt("TELEBOY_RATE_BURST", c.RateBurst)
	c.MaxRecall = getEnvDuration("TELEBOY_MAX_RECALL", c.MaxRecall)
	c.StatusAddr = getEnv("TELEBOY_STATUS_ADDR", c.StatusAddr)
	c.LogLevel = getEnv("TELEBOY_LOG_LEVEL", c.LogLevel)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.LoginTick <= 0 {
		c.LoginTick = d.LoginTick
	}
	if c.PoolTick <= 0 {
		c.PoolTick = d.PoolTick
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	// RateLimit <= 0 means unlimited; leave as-is.
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.MaxRecall <= 0 {
		c.MaxRecall = d.MaxRecall
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
