package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	CacheOperationGet     CacheOperation = "get"
	CacheOperationPut     CacheOperation = "put"
	CacheOperationPending CacheOperation = "mark_pending"
	CacheOperationFailed  CacheOperation = "mark_failed"
	CacheOperationEvict   CacheOperation = "evict"
)

// CacheResult captures the result of a store operation.
type CacheResult string

const (
	CacheResultHit   CacheResult = "hit"
	CacheResultMiss  CacheResult = "miss"
	CacheResultOK    CacheResult = "ok"
	CacheResultError CacheResult = "error"
)

// RecomputeMode distinguishes incremental aggregate updates from full rebuilds.
type RecomputeMode string

const (
	RecomputeIncremental RecomputeMode = "incremental"
	RecomputeFull        RecomputeMode = "full"
)

// Recorder publishes Prometheus metrics for sync activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	fetchAttempts  *prometheus.CounterVec
	fetchLatency   *prometheus.HistogramVec
	cycles         *prometheus.CounterVec
	cycleLatency   *prometheus.HistogramVec
	coalesced      prometheus.Counter
	cacheOps       *prometheus.CounterVec
	cacheLatency   *prometheus.HistogramVec
	recomputes     *prometheus.CounterVec
	bucketsTouched *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "requests_total",
		Help:      "Record requests served by the engine.",
	}, []string{"mode", "freshness", "from_cache"})

	fetchAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "remote",
		Name:      "fetch_attempts_total",
		Help:      "Fetch attempts against the backend by result.",
	}, []string{"result"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fieldsync",
		Subsystem: "remote",
		Name:      "fetch_attempt_duration_seconds",
		Help:      "Latency distribution for fetch attempts including every page.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Completed fetch cycles by outcome.",
	}, []string{"outcome"})

	cycleLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Latency distribution for fetch cycles including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"outcome"})

	coalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "coalesced_waiters_total",
		Help:      "Requests that joined an in-flight cycle instead of starting one.",
	})

	cacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the engine.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fieldsync",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	recomputes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "aggregate",
		Name:      "recomputes_total",
		Help:      "Series index updates by mode.",
	}, []string{"mode"})

	bucketsTouched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "aggregate",
		Name:      "buckets_touched_total",
		Help:      "Buckets recomputed by series index updates.",
	}, []string{"mode"})

	reg.MustRegister(requests, fetchAttempts, fetchLatency, cycles, cycleLatency, coalesced, cacheOps, cacheLatency, recomputes, bucketsTouched)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:       reg,
		handler:        handler,
		requests:       requests,
		fetchAttempts:  fetchAttempts,
		fetchLatency:   fetchLatency,
		cycles:         cycles,
		cycleLatency:   cycleLatency,
		coalesced:      coalesced,
		cacheOps:       cacheOps,
		cacheLatency:   cacheLatency,
		recomputes:     recomputes,
		bucketsTouched: bucketsTouched,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a served record request.
func (r *Recorder) ObserveRequest(mode, freshness string, fromCache bool) {
	if r == nil {
		return
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.requests.WithLabelValues(normalizeLabel(mode), normalizeLabel(freshness), cacheLabel).Inc()
}

// ObserveFetchAttempt records one attempt; result is "success" or a failure kind.
func (r *Recorder) ObserveFetchAttempt(result string, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(result)
	r.fetchAttempts.WithLabelValues(label).Inc()
	r.fetchLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveCycle records a finished fetch cycle.
func (r *Recorder) ObserveCycle(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(outcome)
	r.cycles.WithLabelValues(label).Inc()
	r.cycleLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveCoalesced counts a waiter attaching to an in-flight cycle.
func (r *Recorder) ObserveCoalesced() {
	if r == nil {
		return
	}
	r.coalesced.Inc()
}

// ObserveCacheOperation records the result of a store call.
func (r *Recorder) ObserveCacheOperation(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheResultError)
	}
	r.cacheOps.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveRecompute records a series index update touching the given number of
// buckets.
func (r *Recorder) ObserveRecompute(mode RecomputeMode, buckets int) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(mode))
	r.recomputes.WithLabelValues(label).Inc()
	if buckets > 0 {
		r.bucketsTouched.WithLabelValues(label).Add(float64(buckets))
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
