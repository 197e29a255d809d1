package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/fieldsync/internal/runtime"
	"github.com/l0p7/fieldsync/internal/runtime/aggregate"
	"github.com/l0p7/fieldsync/internal/runtime/fault"
	"github.com/l0p7/fieldsync/internal/runtime/records"
)

// SyncService is the surface the router needs from the sync engine.
type SyncService interface {
	Request(ctx context.Context, key string, mode runtime.Mode) (runtime.Result, error)
	Series(ctx context.Context, key string, bucketing aggregate.Bucketing) (runtime.SeriesResult, error)
	RefreshAll(ctx context.Context, mode runtime.Mode) (runtime.RefreshReport, error)
	Invalidate(ctx context.Context, key string) error
	Snapshot() []runtime.KeyStatus
	Size(ctx context.Context) (int64, error)
}

// SeriesDefaults fill the bucketing fields a series request leaves out.
type SeriesDefaults struct {
	Width   time.Duration
	Summary aggregate.Summary
	Value   string
}

// RouterOptions wires the HTTP surface.
type RouterOptions struct {
	Service  SyncService
	Logger   *slog.Logger
	Metrics  http.Handler
	Defaults SeriesDefaults
}

type router struct {
	svc      SyncService
	logger   *slog.Logger
	defaults SeriesDefaults
}

// NewRouter exposes records, series, refresh, eviction, health and metrics.
func NewRouter(opts RouterOptions) http.Handler {
	if opts.Service == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "sync engine unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &router{svc: opts.Service, logger: logger.With(slog.String("agent", "http")), defaults: opts.Defaults}
	if rt.defaults.Width <= 0 {
		rt.defaults.Width = time.Hour
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /records/{key}", rt.serveRecords)
	mux.HandleFunc("DELETE /records/{key}", rt.serveInvalidate)
	mux.HandleFunc("GET /series/{key}", rt.serveSeries)
	mux.HandleFunc("POST /refresh", rt.serveRefresh)
	mux.HandleFunc("GET /healthz", rt.serveHealth)
	mux.HandleFunc("GET /health", rt.serveHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

type recordsResponse struct {
	Key           string            `json:"key"`
	Freshness     records.Freshness `json:"freshness"`
	Stale         bool              `json:"stale"`
	State         records.State     `json:"state,omitempty"`
	LastSuccessAt *time.Time        `json:"lastSuccessAt,omitempty"`
	Version       string            `json:"version,omitempty"`
	FromCache     bool              `json:"fromCache"`
	Records       []records.Record  `json:"records"`
	Error         *errorBody        `json:"error,omitempty"`
}

type errorBody struct {
	Kind    fault.Kind `json:"kind,omitempty"`
	Message string     `json:"message"`
}

func (rt *router) serveRecords(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		rt.writeError(w, http.StatusBadRequest, "", "resource key required")
		return
	}
	mode, err := runtime.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		rt.writeError(w, http.StatusBadRequest, fault.Client, err.Error())
		return
	}

	res, err := rt.svc.Request(r.Context(), key, mode)
	if err != nil && r.Context().Err() != nil {
		return
	}
	payload := recordsResponse{
		Key:       key,
		Freshness: res.Freshness,
		Stale:     res.Stale,
		State:     res.Entry.State,
		Version:   res.Entry.Version,
		FromCache: res.FromCache,
		Records:   res.Entry.Records,
	}
	if payload.Records == nil {
		payload.Records = []records.Record{}
	}
	if !res.Entry.LastSuccessAt.IsZero() {
		ts := res.Entry.LastSuccessAt
		payload.LastSuccessAt = &ts
	}
	cause := err
	if cause == nil {
		cause = res.Err
	}
	if cause != nil {
		payload.Error = &errorBody{Kind: fault.KindOf(cause), Message: cause.Error()}
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		rt.logger.Warn("records request failed", slog.String("key", key), slog.String("mode", string(mode)), slog.Any("error", err))
	}
	rt.writeJSON(w, status, payload)
}

func (rt *router) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if err := rt.svc.Invalidate(r.Context(), key); err != nil {
		rt.writeError(w, statusFor(err), fault.KindOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type seriesResponse struct {
	Key       string            `json:"key"`
	Freshness records.Freshness `json:"freshness"`
	Width     string            `json:"width"`
	Summary   aggregate.Summary `json:"summary"`
	Points    []aggregate.Point `json:"points"`
}

func (rt *router) serveSeries(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	query := r.URL.Query()

	bucketing := aggregate.Bucketing{
		Width:   rt.defaults.Width,
		Summary: rt.defaults.Summary,
		Value:   rt.defaults.Value,
		Filter:  query.Get("filter"),
	}
	if raw := query.Get("width"); raw != "" {
		width, err := time.ParseDuration(raw)
		if err != nil || width <= 0 {
			rt.writeError(w, http.StatusBadRequest, fault.Client, "width must be a positive duration")
			return
		}
		bucketing.Width = width
	}
	if raw := query.Get("summary"); raw != "" {
		summary, err := aggregate.ParseSummary(raw)
		if err != nil {
			rt.writeError(w, http.StatusBadRequest, fault.Client, err.Error())
			return
		}
		bucketing.Summary = summary
	}
	if raw := query.Get("value"); raw != "" {
		bucketing.Value = raw
	}

	series, err := rt.svc.Series(r.Context(), key, bucketing)
	if err != nil {
		rt.writeError(w, statusFor(err), fault.KindOf(err), err.Error())
		return
	}
	points := series.Points
	if points == nil {
		points = []aggregate.Point{}
	}
	rt.writeJSON(w, http.StatusOK, seriesResponse{
		Key:       key,
		Freshness: series.Freshness,
		Width:     series.Bucketing.Width.String(),
		Summary:   series.Bucketing.Summary,
		Points:    points,
	})
}

func (rt *router) serveRefresh(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("mode")
	mode := runtime.ModeForceFresh
	if raw != "" {
		parsed, err := runtime.ParseMode(raw)
		if err != nil {
			rt.writeError(w, http.StatusBadRequest, fault.Client, err.Error())
			return
		}
		mode = parsed
	}
	report, err := rt.svc.RefreshAll(r.Context(), mode)
	if err != nil {
		rt.writeError(w, statusFor(err), fault.KindOf(err), err.Error())
		return
	}
	rt.writeJSON(w, http.StatusOK, report)
}

func (rt *router) serveHealth(w http.ResponseWriter, r *http.Request) {
	size, err := rt.svc.Size(r.Context())
	status := "ok"
	if err != nil {
		rt.logger.Error("cache size query failed", slog.Any("error", err))
		status = "degraded"
	}
	rt.writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"cacheEntries": size,
		"keys":         rt.svc.Snapshot(),
		"observedAt":   time.Now().UTC(),
	})
}

func (rt *router) writeError(w http.ResponseWriter, status int, kind fault.Kind, message string) {
	rt.writeJSON(w, status, map[string]any{"error": errorBody{Kind: kind, Message: message}})
}

func (rt *router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// statusFor maps engine errors onto HTTP statuses. Client errors without a
// backend status are rejected input.
func statusFor(err error) int {
	if errors.Is(err, runtime.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Kind == fault.Client && fe.Status == 0 {
		return http.StatusBadRequest
	}
	return fault.HTTPStatus(err)
}
