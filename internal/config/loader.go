package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// listKeys are split on commas when they arrive through the environment.
var listKeys = map[string]struct{}{
	"sync.seedKeys":     {},
	"remote.allowedEnv": {},
}

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator. Later files override earlier ones.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the configured file paths, skipping blanks.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if strings.TrimSpace(path) != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaults := structToMap(DefaultConfig())
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	var sources []string
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys(defaults)
		transform := func(name, value string) (string, any) {
			// Double underscores signal a nested path (FIELDSYNC_SYNC__MAX_ATTEMPTS -> sync.maxAttempts).
			key := strings.TrimPrefix(name, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				key = mapped
			}
			if _, ok := listKeys[key]; ok {
				return key, splitList(value)
			}
			return key, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %q", ext)
	}
}

// canonicalKeys maps lowercased dotted paths onto the camelCase keys used in files.
func canonicalKeys(defaults map[string]any) map[string]string {
	out := map[string]string{}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for key, value := range m {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			out[strings.ToLower(path)] = path
			if nested, ok := value.(map[string]any); ok {
				walk(path, nested)
			}
		}
	}
	walk("", defaults)
	return out
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"store": map[string]any{
			"backend": cfg.Store.Backend,
			"sqlite": map[string]any{
				"path": cfg.Store.SQLite.Path,
			},
			"redis": map[string]any{
				"address":   cfg.Store.Redis.Address,
				"username":  cfg.Store.Redis.Username,
				"password":  cfg.Store.Redis.Password,
				"db":        cfg.Store.Redis.DB,
				"namespace": cfg.Store.Redis.Namespace,
				"tls": map[string]any{
					"enabled": cfg.Store.Redis.TLS.Enabled,
					"caFile":  cfg.Store.Redis.TLS.CAFile,
				},
			},
		},
		"remote": map[string]any{
			"baseURL":      cfg.Remote.BaseURL,
			"urlTemplate":  cfg.Remote.URLTemplate,
			"sinceParam":   cfg.Remote.SinceParam,
			"apiKeyHeader": cfg.Remote.APIKeyHeader,
			"apiKey":       cfg.Remote.APIKey,
			"token":        cfg.Remote.Token,
			"timeout":      cfg.Remote.Timeout,
			"maxPages":     cfg.Remote.MaxPages,
			"allowedEnv":   cfg.Remote.AllowedEnv,
			"fields": map[string]any{
				"id":        cfg.Remote.Fields.ID,
				"key":       cfg.Remote.Fields.Key,
				"timestamp": cfg.Remote.Fields.Timestamp,
				"version":   cfg.Remote.Fields.Version,
			},
		},
		"sync": map[string]any{
			"ttl":                cfg.Sync.TTL,
			"maxAttempts":        cfg.Sync.MaxAttempts,
			"baseDelay":          cfg.Sync.BaseDelay,
			"maxDelay":           cfg.Sync.MaxDelay,
			"jitter":             cfg.Sync.Jitter,
			"attemptTimeout":     cfg.Sync.AttemptTimeout,
			"refreshConcurrency": cfg.Sync.RefreshConcurrency,
			"seedKeys":           cfg.Sync.SeedKeys,
		},
		"aggregate": map[string]any{
			"defaultWidth":   cfg.Aggregate.DefaultWidth,
			"defaultSummary": cfg.Aggregate.DefaultSummary,
			"defaultValue":   cfg.Aggregate.DefaultValue,
			"maxIndexes":     cfg.Aggregate.MaxIndexes,
		},
	}
}
