package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/fieldsync/internal/metrics"
	"github.com/l0p7/fieldsync/internal/runtime/aggregate"
	"github.com/l0p7/fieldsync/internal/runtime/cache"
	"github.com/l0p7/fieldsync/internal/runtime/fault"
	"github.com/l0p7/fieldsync/internal/runtime/records"
	"github.com/l0p7/fieldsync/internal/runtime/remote"
)

const defaultRefreshConcurrency = 4

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("runtime: engine closed")

// Fetcher retrieves one page of a key's collection.
type Fetcher interface {
	Fetch(ctx context.Context, req remote.PageRequest) (remote.Page, error)
}

// EngineOptions wires an Engine. Now, Sleep and Rand exist for tests.
type EngineOptions struct {
	Store              cache.Store
	Fetcher            Fetcher
	Policy             Policy
	SeedKeys           []string
	RefreshConcurrency int
	// MaxSeriesIndexes caps the series indexes kept across all keys.
	MaxSeriesIndexes   int
	Metrics            *metrics.Recorder

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// Result is what a request hands to the presentation layer. Err carries the
// cause when a refresh failed but cached data could still be served.
type Result struct {
	Entry     records.Entry
	Freshness records.Freshness
	Stale     bool
	FromCache bool
	Err       error
}

// Engine coordinates reads, fetch cycles and series for every resource key.
type Engine struct {
	logger     *slog.Logger
	store      *cache.Notifier
	fetcher    Fetcher
	aggregator *aggregate.Aggregator
	metrics    *metrics.Recorder

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	seedKeys    []string
	concurrency int

	policyMu sync.RWMutex
	policy   Policy

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool
	wg     sync.WaitGroup

	lifetime context.Context
	cancel   context.CancelFunc
}

// NewEngine builds an Engine around the store and fetcher.
func NewEngine(logger *slog.Logger, opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("runtime: store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("runtime: fetcher required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := opts.Rand
	if jitter == nil {
		jitter = rand.Float64
	}
	concurrency := opts.RefreshConcurrency
	if concurrency <= 0 {
		concurrency = defaultRefreshConcurrency
	}

	store := cache.NewNotifier(&instrumentedStore{inner: opts.Store, metrics: opts.Metrics})
	agg, err := aggregate.New(aggregate.Options{
		Source:     store,
		Logger:     logger,
		Metrics:    opts.Metrics,
		MaxIndexes: opts.MaxSeriesIndexes,
	})
	if err != nil {
		return nil, err
	}
	store.OnCommit(agg.OnCommit)
	store.OnEvict(agg.OnEvict)

	lifetime, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:      logger.With(slog.String("agent", "sync")),
		store:       store,
		fetcher:     opts.Fetcher,
		aggregator:  agg,
		metrics:     opts.Metrics,
		now:         now,
		sleep:       sleep,
		jitter:      jitter,
		seedKeys:    normalizeKeys(opts.SeedKeys),
		concurrency: concurrency,
		policy:      opts.Policy.normalized(),
		keys:        make(map[string]*keyState),
		lifetime:    lifetime,
		cancel:      cancel,
	}, nil
}

// Policy returns the policy new cycles start with.
func (e *Engine) Policy() Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// UpdatePolicy swaps the policy for cycles started from now on.
func (e *Engine) UpdatePolicy(p Policy) {
	p = p.normalized()
	e.policyMu.Lock()
	e.policy = p
	e.policyMu.Unlock()
	e.logger.Info("sync policy updated",
		slog.Duration("ttl", p.TTL),
		slog.Int("max_attempts", p.MaxAttempts),
		slog.Duration("base_delay", p.BaseDelay),
		slog.Duration("max_delay", p.MaxDelay),
	)
}

// Request serves key according to mode. The returned error is non-nil when
// the caller must be told about a failure: a non-transient error, a failed
// cycle with nothing cached, a storage failure or the caller's own
// cancellation. The Result is populated in every case.
func (e *Engine) Request(ctx context.Context, key string, mode Mode) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, fault.New(fault.Client, key, "resource key required")
	}
	policy := e.Policy()
	entry, found := e.read(ctx, key)
	current := e.resultFor(entry, found, policy)

	var (
		res Result
		err error
	)
	switch mode {
	case ModeCacheOnly:
		res = current
	case ModeCacheThenRefresh:
		if _, _, serr := e.startOrJoin(key); serr != nil {
			current.Err = serr
		}
		res = current
	case ModeForceFresh:
		if current.Freshness == records.FreshnessFresh {
			res = current
			break
		}
		res, err = e.refresh(ctx, key)
	default:
		return Result{}, fault.New(fault.Client, key, fmt.Sprintf("unknown mode %q", mode))
	}
	e.metrics.ObserveRequest(string(mode), string(res.Freshness), res.FromCache)
	return res, err
}

// refresh starts or joins a cycle for key and waits for it, detaching when ctx
// ends.
func (e *Engine) refresh(ctx context.Context, key string) (Result, error) {
	c, started, err := e.startOrJoin(key)
	if err != nil {
		entry, found := e.read(ctx, key)
		res := e.resultFor(entry, found, e.Policy())
		res.Err = err
		return res, err
	}
	if !started {
		e.metrics.ObserveCoalesced()
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return c.result, c.err
	}
}

// RefreshReport summarizes a RefreshAll run.
type RefreshReport struct {
	Keys      int               `json:"keys"`
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RefreshAll refreshes every stored key plus the configured seed keys with
// bounded parallelism. ModeForceFresh fetches every key and waits;
// ModeCacheThenRefresh only starts the cycles.
func (e *Engine) RefreshAll(ctx context.Context, mode Mode) (RefreshReport, error) {
	if mode == ModeCacheOnly {
		return RefreshReport{}, fault.New(fault.Client, "", "refresh-all cannot run cache-only")
	}
	stored, err := e.store.Keys(ctx)
	if err != nil {
		return RefreshReport{}, fault.Wrap(fault.Storage, "", "list keys", err)
	}
	keys := normalizeKeys(append(stored, e.seedKeys...))

	var (
		mu     sync.Mutex
		report = RefreshReport{Keys: len(keys), Refreshed: []string{}, Failed: map[string]string{}}
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for _, key := range keys {
		group.Go(func() error {
			var ferr error
			if mode == ModeCacheThenRefresh {
				_, _, ferr = e.startOrJoin(key)
			} else {
				var res Result
				res, ferr = e.refresh(gctx, key)
				if ferr == nil && res.Err != nil {
					ferr = res.Err
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				report.Failed[key] = ferr.Error()
				return nil
			}
			report.Refreshed = append(report.Refreshed, key)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	sort.Strings(report.Refreshed)
	e.logger.Info("refresh-all finished",
		slog.String("mode", string(mode)),
		slog.Int("keys", report.Keys),
		slog.Int("failed", len(report.Failed)),
	)
	return report, ctx.Err()
}

// Invalidate evicts key. A cycle already in flight for key finishes but its
// result is not committed.
func (e *Engine) Invalidate(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fault.New(fault.Client, key, "resource key required")
	}
	ks := e.state(key)
	ks.commitMu.Lock()
	defer ks.commitMu.Unlock()
	ks.generation++
	if err := e.store.Evict(ctx, key); err != nil {
		return err
	}
	e.logger.Info("entry invalidated", slog.String("key", key))
	return nil
}

// SeriesResult is a series plus the freshness of the records behind it.
type SeriesResult struct {
	aggregate.Series
	Freshness records.Freshness `json:"freshness"`
}

// Series returns the bucketed series of key without fetching.
func (e *Engine) Series(ctx context.Context, key string, bucketing aggregate.Bucketing) (SeriesResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return SeriesResult{}, fault.New(fault.Client, key, "resource key required")
	}
	entry, found := e.read(ctx, key)
	freshness := records.FreshnessAbsent
	if found {
		freshness = entry.Freshness(e.now(), e.Policy().TTL)
	}
	series, err := e.aggregator.Series(ctx, key, bucketing)
	if err != nil {
		if fault.KindOf(err) == "" {
			return SeriesResult{}, fault.Wrap(fault.Client, key, "series", err)
		}
		return SeriesResult{}, err
	}
	return SeriesResult{Series: series, Freshness: freshness}, nil
}

// Size reports the number of stored entries.
func (e *Engine) Size(ctx context.Context) (int64, error) {
	return e.store.Size(ctx)
}

// Close stops accepting cycles, waits for in-flight ones and closes the store.
// When ctx ends first the remaining cycles are cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
	}
	e.cancel()
	return e.store.Close(ctx)
}

// read loads key, degrading corrupt or unreadable entries to absent.
func (e *Engine) read(ctx context.Context, key string) (records.Entry, bool) {
	entry, found, err := e.store.Get(ctx, key)
	if err != nil {
		level := slog.LevelError
		if fault.KindOf(err) == fault.Corrupt {
			level = slog.LevelWarn
		}
		e.logger.Log(ctx, level, "cache read failed; treating entry as absent", slog.String("key", key), slog.Any("error", err))
		return records.Entry{}, false
	}
	return entry, found
}

func (e *Engine) resultFor(entry records.Entry, found bool, policy Policy) Result {
	if !found {
		return Result{Entry: records.Entry{Records: []records.Record{}}, Freshness: records.FreshnessAbsent, FromCache: true}
	}
	freshness := entry.Freshness(e.now(), policy.TTL)
	return Result{
		Entry:     entry,
		Freshness: freshness,
		Stale:     freshness == records.FreshnessStale,
		FromCache: true,
	}
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
