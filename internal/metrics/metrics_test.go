package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetchAndCycles(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetchAttempt("server", 250*time.Millisecond)
	rec.ObserveFetchAttempt("success", 50*time.Millisecond)
	rec.ObserveCycle("succeeded", 2*time.Second)
	rec.ObserveCoalesced()
	rec.ObserveCoalesced()

	families := gather(t, rec,
		"fieldsync_remote_fetch_attempts_total",
		"fieldsync_remote_fetch_attempt_duration_seconds",
		"fieldsync_sync_cycles_total",
		"fieldsync_sync_coalesced_waiters_total",
	)

	counter := findMetric(t, families["fieldsync_remote_fetch_attempts_total"], map[string]string{"result": "server"})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["fieldsync_remote_fetch_attempt_duration_seconds"], map[string]string{"result": "server"})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}

	cycle := findMetric(t, families["fieldsync_sync_cycles_total"], map[string]string{"outcome": "succeeded"})
	if got := cycle.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected one cycle, got %v", got)
	}

	coalesced := families["fieldsync_sync_coalesced_waiters_total"][0]
	if got := coalesced.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected two coalesced waiters, got %v", got)
	}
}

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("cache-only", "stale", true)
	rec.ObserveRequest("", "", false)

	families := gather(t, rec, "fieldsync_sync_requests_total")
	metric := findMetric(t, families["fieldsync_sync_requests_total"], map[string]string{
		"mode":       "cache-only",
		"freshness":  "stale",
		"from_cache": "true",
	})
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected request counter 1, got %v", got)
	}
	findMetric(t, families["fieldsync_sync_requests_total"], map[string]string{"mode": "unknown", "from_cache": "false"})
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheOperation(CacheOperationGet, CacheResultHit, 10*time.Millisecond)
	rec.ObserveCacheOperation(CacheOperationPut, CacheResultOK, 5*time.Millisecond)

	families := gather(t, rec, "fieldsync_cache_operations_total", "fieldsync_cache_operation_duration_seconds")

	getMetric := findMetric(t, families["fieldsync_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationGet),
		"result":    string(CacheResultHit),
	})
	if got := getMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected get counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["fieldsync_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationPut),
		"result":    string(CacheResultOK),
	})
	hist := latencyMetric.GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveRecompute(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRecompute(RecomputeIncremental, 2)
	rec.ObserveRecompute(RecomputeFull, 0)

	families := gather(t, rec, "fieldsync_aggregate_recomputes_total", "fieldsync_aggregate_buckets_touched_total")
	full := findMetric(t, families["fieldsync_aggregate_recomputes_total"], map[string]string{"mode": "full"})
	if got := full.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected full recompute counter 1, got %v", got)
	}
	touched := findMetric(t, families["fieldsync_aggregate_buckets_touched_total"], map[string]string{"mode": "incremental"})
	if got := touched.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected two touched buckets, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("force-fresh", "fresh", false)
	rec.ObserveFetchAttempt("success", time.Second)
	rec.ObserveCycle("failed", time.Second)
	rec.ObserveCoalesced()
	rec.ObserveCacheOperation(CacheOperationEvict, CacheResultOK, time.Millisecond)
	rec.ObserveRecompute(RecomputeFull, 1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
