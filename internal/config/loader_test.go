package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "memory", cfg.Store.Backend)
				require.Equal(t, "5m", cfg.Sync.TTL)
				require.Equal(t, 3, cfg.Sync.MaxAttempts)
				require.Equal(t, "since", cfg.Remote.SinceParam)
				require.Empty(t, cfg.Sources)
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, t.TempDir(), "fieldsync.yaml",
					"server:\n  listen:\n    port: 9090\nremote:\n  baseURL: https://api.example.test\n  fields:\n    id: record_id\nsync:\n  ttl: 10m\n  seedKeys:\n    - farm-1\n    - farm-2\n")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "https://api.example.test", cfg.Remote.BaseURL)
				require.Equal(t, "record_id", cfg.Remote.Fields.ID)
				require.Equal(t, "10m", cfg.Sync.TTL)
				require.Equal(t, []string{"farm-1", "farm-2"}, cfg.Sync.SeedKeys)
				require.Equal(t, 3, cfg.Sync.MaxAttempts, "untouched keys keep defaults")
				require.Len(t, cfg.Sources, 1)
			},
		},
		{
			name: "reads json and toml files in order",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				first := writeFile(t, dir, "base.json", `{"store":{"backend":"sqlite","sqlite":{"path":"/var/lib/fieldsync.db"}},"sync":{"maxAttempts":5}}`)
				second := writeFile(t, dir, "override.toml", "[sync]\nmaxAttempts = 7\n")
				return []string{first, second}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "sqlite", cfg.Store.Backend)
				require.Equal(t, "/var/lib/fieldsync.db", cfg.Store.SQLite.Path)
				require.Equal(t, 7, cfg.Sync.MaxAttempts)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, t.TempDir(), "fieldsync.yaml", "server:\n  listen:\n    port: 9090\nsync:\n  maxAttempts: 5\n")
				t.Setenv("FIELDSYNC_SERVER__LISTEN__PORT", "9091")
				t.Setenv("FIELDSYNC_SYNC__MAX_ATTEMPTS", "6")
				t.Setenv("FIELDSYNC_SYNC__SEEDKEYS", "farm-1, farm-2,,farm-3")
				t.Setenv("FIELDSYNC_STORE__REDIS__TLS__CAFILE", "/etc/ca.pem")
				t.Setenv("FIELDSYNC_AGGREGATE__MAX_INDEXES", "32")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, 6, cfg.Sync.MaxAttempts)
				require.Equal(t, []string{"farm-1", "farm-2", "farm-3"}, cfg.Sync.SeedKeys)
				require.Equal(t, "/etc/ca.pem", cfg.Store.Redis.TLS.CAFile)
				require.Equal(t, 32, cfg.Aggregate.MaxIndexes)
			},
		},
		{
			name:    "fails when file missing",
			setup:   func(t *testing.T) []string { return []string{filepath.Join(t.TempDir(), "missing.yaml")} },
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "fieldsync.ini", "port=1\n")}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, t.TempDir(), "fieldsync.yaml", "sync:\n  ttl: soon\n")}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("FIELDSYNC", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderHonorsCancelledContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fieldsync.yaml", "server:\n  listen:\n    port: 9090\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("FIELDSYNC", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyncDurations(t *testing.T) {
	d, err := DefaultConfig().Sync.Durations()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d.TTL)
	require.Equal(t, 500*time.Millisecond, d.BaseDelay)
	require.Equal(t, 30*time.Second, d.MaxDelay)
	require.Equal(t, 30*time.Second, d.AttemptTimeout)

	d, err = SyncConfig{}.Durations()
	require.NoError(t, err)
	require.Zero(t, d.TTL)
}
