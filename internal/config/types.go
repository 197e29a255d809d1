package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option of the sync service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Remote    RemoteConfig    `koanf:"remote"`
	Sync      SyncConfig      `koanf:"sync"`
	Aggregate AggregateConfig `koanf:"aggregate"`

	// Sources lists the files that contributed to this snapshot, in load order.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the HTTP surface knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// StoreConfig selects the cache backend.
type StoreConfig struct {
	Backend string            `koanf:"backend"`
	SQLite  SQLiteStoreConfig `koanf:"sqlite"`
	Redis   RedisStoreConfig  `koanf:"redis"`
}

type SQLiteStoreConfig struct {
	Path string `koanf:"path"`
}

type RedisStoreConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RemoteConfig describes the backend the records are fetched from.
type RemoteConfig struct {
	BaseURL      string   `koanf:"baseURL"`
	URLTemplate  string   `koanf:"urlTemplate"`
	SinceParam   string   `koanf:"sinceParam"`
	APIKeyHeader string   `koanf:"apiKeyHeader"`
	APIKey       string   `koanf:"apiKey"`
	Token        string   `koanf:"token"`
	Timeout      string   `koanf:"timeout"`
	MaxPages     int      `koanf:"maxPages"`
	AllowedEnv   []string `koanf:"allowedEnv"`
	Fields       FieldMap `koanf:"fields"`
}

// FieldMap renames the record fields of the backend payload.
type FieldMap struct {
	ID        string `koanf:"id"`
	Key       string `koanf:"key"`
	Timestamp string `koanf:"timestamp"`
	Version   string `koanf:"version"`
}

// SyncConfig holds the freshness and retry policy. Durations use Go syntax.
type SyncConfig struct {
	TTL                string   `koanf:"ttl"`
	MaxAttempts        int      `koanf:"maxAttempts"`
	BaseDelay          string   `koanf:"baseDelay"`
	MaxDelay           string   `koanf:"maxDelay"`
	Jitter             float64  `koanf:"jitter"`
	AttemptTimeout     string   `koanf:"attemptTimeout"`
	RefreshConcurrency int      `koanf:"refreshConcurrency"`
	SeedKeys           []string `koanf:"seedKeys"`
}

// AggregateConfig sets the series defaults used when a request omits them.
type AggregateConfig struct {
	DefaultWidth   string `koanf:"defaultWidth"`
	DefaultSummary string `koanf:"defaultSummary"`
	DefaultValue   string `koanf:"defaultValue"`
	// MaxIndexes caps the series indexes kept in memory across all keys.
	MaxIndexes     int    `koanf:"maxIndexes"`
}

// Durations is the parsed view of the duration strings in SyncConfig.
type Durations struct {
	TTL            time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// Durations parses the sync durations. Empty strings parse to zero.
func (s SyncConfig) Durations() (Durations, error) {
	var (
		out Durations
		err error
	)
	if out.TTL, err = parseDuration("sync.ttl", s.TTL); err != nil {
		return Durations{}, err
	}
	if out.BaseDelay, err = parseDuration("sync.baseDelay", s.BaseDelay); err != nil {
		return Durations{}, err
	}
	if out.MaxDelay, err = parseDuration("sync.maxDelay", s.MaxDelay); err != nil {
		return Durations{}, err
	}
	if out.AttemptTimeout, err = parseDuration("sync.attemptTimeout", s.AttemptTimeout); err != nil {
		return Durations{}, err
	}
	return out, nil
}

// TimeoutDuration parses remote.timeout.
func (r RemoteConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration("remote.timeout", r.Timeout)
}

// WidthDuration parses aggregate.defaultWidth.
func (a AggregateConfig) WidthDuration() (time.Duration, error) {
	return parseDuration("aggregate.defaultWidth", a.DefaultWidth)
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}

	switch strings.TrimSpace(strings.ToLower(c.Store.Backend)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			return errors.New("config: store.sqlite.path required for sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(c.Store.Redis.Address) == "" {
			return errors.New("config: store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", c.Store.Backend)
	}

	if base := strings.TrimSpace(c.Remote.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: remote.baseURL invalid: %q", c.Remote.BaseURL)
		}
	}
	if _, err := c.Remote.TimeoutDuration(); err != nil {
		return err
	}
	if c.Remote.MaxPages < 0 {
		return fmt.Errorf("config: remote.maxPages invalid: %d", c.Remote.MaxPages)
	}

	d, err := c.Sync.Durations()
	if err != nil {
		return err
	}
	if d.TTL < 0 {
		return fmt.Errorf("config: sync.ttl must not be negative: %s", c.Sync.TTL)
	}
	if d.MaxDelay > 0 && d.BaseDelay > d.MaxDelay {
		return fmt.Errorf("config: sync.baseDelay %s exceeds sync.maxDelay %s", c.Sync.BaseDelay, c.Sync.MaxDelay)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("config: sync.maxAttempts invalid: %d", c.Sync.MaxAttempts)
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		return fmt.Errorf("config: sync.jitter must be within [0,1]: %v", c.Sync.Jitter)
	}
	if c.Sync.RefreshConcurrency < 0 {
		return fmt.Errorf("config: sync.refreshConcurrency invalid: %d", c.Sync.RefreshConcurrency)
	}

	width, err := c.Aggregate.WidthDuration()
	if err != nil {
		return err
	}
	if width < 0 {
		return fmt.Errorf("config: aggregate.defaultWidth must not be negative: %s", c.Aggregate.DefaultWidth)
	}
	if c.Aggregate.MaxIndexes < 0 {
		return fmt.Errorf("config: aggregate.maxIndexes invalid: %d", c.Aggregate.MaxIndexes)
	}
	switch strings.TrimSpace(strings.ToLower(c.Aggregate.DefaultSummary)) {
	case "", "count", "sum", "min", "max", "avg":
	default:
		return fmt.Errorf("config: aggregate.defaultSummary unsupported: %s", c.Aggregate.DefaultSummary)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Store: StoreConfig{
			Backend: "memory",
			SQLite:  SQLiteStoreConfig{Path: "./fieldsync.db"},
		},
		Remote: RemoteConfig{
			SinceParam:   "since",
			APIKeyHeader: "apikey",
			Timeout:      "30s",
			MaxPages:     50,
		},
		Sync: SyncConfig{
			TTL:                "5m",
			MaxAttempts:        3,
			BaseDelay:          "500ms",
			MaxDelay:           "30s",
			Jitter:             0.2,
			AttemptTimeout:     "30s",
			RefreshConcurrency: 4,
		},
		Aggregate: AggregateConfig{
			DefaultWidth:   "1h",
			DefaultSummary: "count",
			MaxIndexes:     256,
		},
	}
}

func parseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s invalid duration %q: %w", field, value, err)
	}
	return d, nil
}
