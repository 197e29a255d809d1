package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/fieldsync/internal/config"
	"github.com/l0p7/fieldsync/internal/logging"
	"github.com/l0p7/fieldsync/internal/metrics"
	"github.com/l0p7/fieldsync/internal/runtime"
	"github.com/l0p7/fieldsync/internal/runtime/aggregate"
	"github.com/l0p7/fieldsync/internal/runtime/cache"
	"github.com/l0p7/fieldsync/internal/runtime/remote"
	"github.com/l0p7/fieldsync/internal/server"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
	OnShutdown(fn func(context.Context) error)
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, file)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", "FIELDSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	policy, err := policyFromConfig(cfg)
	if err != nil {
		return err
	}
	defaults, err := seriesDefaults(cfg.Aggregate)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	client, err := remote.New(remoteOptions(cfg.Remote, logger))
	if err != nil {
		return fmt.Errorf("configure remote client: %w", err)
	}

	store := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Store)
	engine, err := runtime.NewEngine(logger, runtime.EngineOptions{
		Store:              store,
		Fetcher:            client,
		Policy:             policy,
		SeedKeys:           cfg.Sync.SeedKeys,
		RefreshConcurrency: cfg.Sync.RefreshConcurrency,
		MaxSeriesIndexes:   cfg.Aggregate.MaxIndexes,
		Metrics:            metricsRecorder,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return fmt.Errorf("build sync engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(shutdownCtx); err != nil {
			logger.Error("engine shutdown failed", slog.Any("error", err))
		}
	}()

	if strings.TrimSpace(configFile) != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			p, err := policyFromConfig(next)
			if err != nil {
				logger.Error("reloaded policy rejected", slog.Any("error", err))
				return
			}
			engine.UpdatePolicy(p)
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.RouterOptions{
		Service:  engine,
		Logger:   logger,
		Metrics:  metricsRecorder.Handler(),
		Defaults: defaults,
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	srv.OnShutdown(engine.Close)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func policyFromConfig(cfg config.Config) (runtime.Policy, error) {
	d, err := cfg.Sync.Durations()
	if err != nil {
		return runtime.Policy{}, err
	}
	return runtime.Policy{
		TTL:            d.TTL,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BaseDelay:      d.BaseDelay,
		MaxDelay:       d.MaxDelay,
		Jitter:         cfg.Sync.Jitter,
		AttemptTimeout: d.AttemptTimeout,
		MaxPages:       cfg.Remote.MaxPages,
	}, nil
}

func seriesDefaults(cfg config.AggregateConfig) (server.SeriesDefaults, error) {
	width, err := cfg.WidthDuration()
	if err != nil {
		return server.SeriesDefaults{}, err
	}
	summary, err := aggregate.ParseSummary(cfg.DefaultSummary)
	if err != nil {
		return server.SeriesDefaults{}, err
	}
	return server.SeriesDefaults{Width: width, Summary: summary, Value: cfg.DefaultValue}, nil
}

func remoteOptions(cfg config.RemoteConfig, logger *slog.Logger) remote.Options {
	timeout, _ := cfg.TimeoutDuration()
	opts := remote.Options{
		BaseURL:      cfg.BaseURL,
		URLTemplate:  cfg.URLTemplate,
		SinceParam:   cfg.SinceParam,
		APIKeyHeader: cfg.APIKeyHeader,
		APIKey:       cfg.APIKey,
		Fields: remote.FieldMap{
			ID:        cfg.Fields.ID,
			Key:       cfg.Fields.Key,
			Timestamp: cfg.Fields.Timestamp,
			Version:   cfg.Fields.Version,
		},
		Timeout: timeout,
		Logger:  logger,
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		opts.Credentials = remote.StaticToken(token)
	}
	if len(cfg.AllowedEnv) > 0 {
		opts.Env = make(map[string]string, len(cfg.AllowedEnv))
		for _, name := range cfg.AllowedEnv {
			if value, ok := os.LookupEnv(name); ok {
				opts.Env[name] = value
			}
		}
	}
	return opts
}

func buildStore(logger *slog.Logger, cfg config.StoreConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache store")
		return cache.NewMemory()
	case "sqlite":
		store, err := cache.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite store initialization failed", slog.String("path", cfg.SQLite.Path), slog.Any("error", err))
			logger.Info("falling back to memory cache store")
			return cache.NewMemory()
		}
		logger.Info("using sqlite cache store", slog.String("path", cfg.SQLite.Path))
		return store
	case "redis":
		store, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache store")
			return cache.NewMemory()
		}
		logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
		return store
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}
