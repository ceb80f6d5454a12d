package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds agent configuration.
type Config struct {
	Remote       RemoteConfig       `mapstructure:"remote"`
	Store        StoreConfig        `mapstructure:"store"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Drain        DrainConfig        `mapstructure:"drain"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
}

// RemoteConfig points at the authoritative work-order API.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// StoreConfig selects the local backend by DSN.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ConnectivityConfig struct {
	ProbePath     string        `mapstructure:"probe_path"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	// SignalFile is an optional platform status file ("online"/"offline").
	SignalFile   string `mapstructure:"signal_file"`
	AssumeOnline bool   `mapstructure:"assume_online"`
}

type DrainConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	IntervalJitter float64       `mapstructure:"interval_jitter"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	// RateLimitMax of zero disables per-client rate limiting.
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	StreamOrigins   []string      `mapstructure:"stream_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "WORKSYNC"

// Default returns the configuration used when no file or env override is set.
func Default() Config {
	return Config{
		Remote: RemoteConfig{
			BaseURL:    "http://127.0.0.1:8080",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
		Store: StoreConfig{
			DSN: "sqlite://" + filepath.Join(os.Getenv("HOME"), ".local", "share", "worksync", "worksync.db"),
		},
		Connectivity: ConnectivityConfig{
			ProbePath:     "/health",
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Drain: DrainConfig{
			Interval:       30 * time.Second,
			IntervalJitter: 0.2,
			CallTimeout:    15 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:7070",
			MaxBodyBytes:    1 << 20,
			RateLimitWindow: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from file and env. Env var overrides use prefix
// WORKSYNC_, e.g. WORKSYNC_REMOTE_BASE_URL. An explicit path must exist; the
// default location is optional.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("toml")
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG"))
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "worksync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.normalize()
	return c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.max_retries", d.Remote.MaxRetries)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("connectivity.probe_path", d.Connectivity.ProbePath)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)
	v.SetDefault("connectivity.signal_file", d.Connectivity.SignalFile)
	v.SetDefault("connectivity.assume_online", d.Connectivity.AssumeOnline)
	v.SetDefault("drain.interval", d.Drain.Interval)
	v.SetDefault("drain.interval_jitter", d.Drain.IntervalJitter)
	v.SetDefault("drain.call_timeout", d.Drain.CallTimeout)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("http.rate_limit_max", d.HTTP.RateLimitMax)
	v.SetDefault("http.rate_limit_window", d.HTTP.RateLimitWindow)
	v.SetDefault("http.stream_origins", d.HTTP.StreamOrigins)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func (c *Config) normalize() {
	d := Default()
	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = d.Remote.BaseURL
	}
	c.Remote.Token = strings.TrimSpace(c.Remote.Token)
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = d.Remote.Timeout
	}
	if c.Remote.MaxRetries < 0 {
		c.Remote.MaxRetries = 0
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = d.Connectivity.ProbeInterval
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = d.Connectivity.ProbeTimeout
	}
	if c.Drain.Interval <= 0 {
		c.Drain.Interval = d.Drain.Interval
	}
	c.Drain.IntervalJitter = ClampJitterRatio(c.Drain.IntervalJitter)
	if c.Drain.CallTimeout <= 0 {
		c.Drain.CallTimeout = d.Drain.CallTimeout
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = d.HTTP.MaxBodyBytes
	}
	if c.HTTP.RateLimitMax < 0 {
		c.HTTP.RateLimitMax = 0
	}
	if c.HTTP.RateLimitWindow <= 0 {
		c.HTTP.RateLimitWindow = d.HTTP.RateLimitWindow
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
