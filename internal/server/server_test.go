package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/fieldsync/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewRequiresHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := New(cfg, newTestLogger(), nil); err == nil {
		t.Fatalf("expected error when handler is nil")
	}
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 9090

	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectedAddr := "127.0.0.1:9090"
	if srv.httpServer.Addr != expectedAddr {
		t.Fatalf("expected addr %s, got %s", expectedAddr, srv.httpServer.Addr)
	}
}

func TestRunServesAndShutsDownWhenContextCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv, err := New(cfg, newTestLogger(), handler)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	srv.OnShutdown(func(context.Context) error {
		mu.Lock()
		order = append(order, "store")
		mu.Unlock()
		return nil
	})
	srv.OnShutdown(func(context.Context) error {
		mu.Lock()
		order = append(order, "engine")
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	resp, err := http.Get(fmt.Sprintf("http://%s/", srv.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "expected context canceled error, got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not return after cancellation")
	}
	require.Equal(t, []string{"engine", "store"}, order)
}

func TestRunReportsListenFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "256.0.0.1"
	cfg.Server.Listen.Port = 1

	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.Error(t, srv.Run(context.Background()))
}
