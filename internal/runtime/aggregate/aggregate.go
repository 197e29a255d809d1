// Package aggregate derives time-bucketed series from cached records. Indexes
// are kept per key and bucketing, updated incrementally from commit deltas and
// rebuilt lazily after eviction.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/l0p7/fieldsync/internal/expr"
	"github.com/l0p7/fieldsync/internal/metrics"
	"github.com/l0p7/fieldsync/internal/runtime/records"
)

// Summary is the function folding a bucket's contributions into one value.
type Summary string

const (
	SummaryCount Summary = "count"
	SummarySum   Summary = "sum"
	SummaryMin   Summary = "min"
	SummaryMax   Summary = "max"
	SummaryAvg   Summary = "avg"
)

// ParseSummary maps user input onto a Summary.
func ParseSummary(value string) (Summary, error) {
	switch s := Summary(strings.ToLower(strings.TrimSpace(value))); s {
	case SummaryCount, SummarySum, SummaryMin, SummaryMax, SummaryAvg:
		return s, nil
	case "":
		return SummaryCount, nil
	default:
		return "", fmt.Errorf("aggregate: unknown summary %q", value)
	}
}

// Bucketing selects how records fold into a series. Value is a CEL expression
// yielding the number each record contributes; Filter optionally excludes
// records.
type Bucketing struct {
	Width   time.Duration
	Summary Summary
	Value   string
	Filter  string
}

func (b Bucketing) normalize() (Bucketing, error) {
	if b.Width <= 0 {
		return Bucketing{}, fmt.Errorf("aggregate: bucket width must be positive")
	}
	summary, err := ParseSummary(string(b.Summary))
	if err != nil {
		return Bucketing{}, err
	}
	b.Summary = summary
	b.Value = strings.TrimSpace(b.Value)
	if b.Value == "" {
		b.Value = "1"
	}
	b.Filter = strings.TrimSpace(b.Filter)
	return b, nil
}

// Point is one non-empty bucket.
type Point struct {
	BucketStart time.Time `json:"bucketStart"`
	Value       float64   `json:"value"`
	Count       int       `json:"count"`
}

// Series is the ordered output for a key.
type Series struct {
	Key       string    `json:"key"`
	Bucketing Bucketing `json:"-"`
	Points    []Point   `json:"points"`
}

// Source reads committed entries.
type Source interface {
	Get(ctx context.Context, key string) (records.Entry, bool, error)
}

// DefaultMaxIndexes bounds the series indexes an Aggregator keeps when
// Options.MaxIndexes is unset.
const DefaultMaxIndexes = 256

// Aggregator maintains series indexes. At most MaxIndexes (key, bucketing)
// indexes are kept; the least recently read one is dropped first.
type Aggregator struct {
	source  Source
	env     *expr.Environment
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	indexes *simplelru.LRU[seriesKey, *seriesIndex]
	byKey   map[string]map[Bucketing]struct{}
	// builds tracks keys with a rebuild reading the store outside mu.
	builds  map[string]*build
}

// Options configures an Aggregator.
type Options struct {
	Source     Source
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	MaxIndexes int
}

type seriesKey struct {
	key       string
	bucketing Bucketing
}

type seriesIndex struct {
	prog *compiled
	idx  *index
}

// build lets a rebuild detect commits and evictions that raced with its
// store read.
type build struct {
	generation uint64
	refs       int
}

// New builds an Aggregator reading through opts.Source.
func New(opts Options) (*Aggregator, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("aggregate: source required")
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.MaxIndexes
	if limit <= 0 {
		limit = DefaultMaxIndexes
	}
	a := &Aggregator{
		source:  opts.Source,
		env:     env,
		logger:  logger.With(slog.String("agent", "aggregate")),
		metrics: opts.Metrics,
		byKey:   make(map[string]map[Bucketing]struct{}),
		builds:  make(map[string]*build),
	}
	a.indexes, err = simplelru.NewLRU[seriesKey, *seriesIndex](limit, a.forget)
	if err != nil {
		return nil, fmt.Errorf("aggregate: index cache: %w", err)
	}
	return a, nil
}

// Len reports how many series indexes are materialized.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.indexes.Len()
}

// Series returns the bucketed series for key, building the index from the
// store on first use or after eviction.
func (a *Aggregator) Series(ctx context.Context, key string, bucketing Bucketing) (Series, error) {
	b, err := bucketing.normalize()
	if err != nil {
		return Series{}, err
	}
	sk := seriesKey{key: key, bucketing: b}

	a.mu.Lock()
	if cached, ok := a.indexes.Get(sk); ok {
		points := cached.idx.points(b.Summary)
		a.mu.Unlock()
		return Series{Key: key, Bucketing: b, Points: points}, nil
	}
	bs := a.builds[key]
	if bs == nil {
		bs = &build{}
		a.builds[key] = bs
	}
	bs.refs++
	generation := bs.generation
	a.mu.Unlock()

	built, err := a.rebuild(ctx, key, b)

	a.mu.Lock()
	defer a.mu.Unlock()
	bs.refs--
	if bs.refs == 0 {
		delete(a.builds, key)
	}
	if err != nil {
		return Series{}, err
	}
	if cached, ok := a.indexes.Get(sk); ok {
		built = cached
	} else if bs.generation == generation {
		a.indexes.Add(sk, built)
		if a.byKey[key] == nil {
			a.byKey[key] = make(map[Bucketing]struct{})
		}
		a.byKey[key][b] = struct{}{}
		a.metrics.ObserveRecompute(metrics.RecomputeFull, len(built.idx.buckets))
	}
	return Series{Key: key, Bucketing: b, Points: built.idx.points(b.Summary)}, nil
}

// rebuild compiles b and indexes the stored records of key without holding mu.
func (a *Aggregator) rebuild(ctx context.Context, key string, b Bucketing) (*seriesIndex, error) {
	prog, err := a.compile(b)
	if err != nil {
		return nil, err
	}
	entry, found, err := a.source.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("aggregate: load %q: %w", key, err)
	}
	idx := newIndex(b.Width)
	if found {
		for _, rec := range entry.Records {
			if err := idx.add(prog, rec); err != nil {
				return nil, err
			}
		}
	}
	return &seriesIndex{prog: prog, idx: idx}, nil
}

// OnCommit folds a commit delta into every materialized index of key. Only the
// buckets holding changed records are recomputed.
func (a *Aggregator) OnCommit(key string, _ records.Entry, delta records.Delta) {
	if delta.Empty() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invalidateBuildsLocked(key)
	for b := range a.byKey[key] {
		sk := seriesKey{key: key, bucketing: b}
		s, ok := a.indexes.Peek(sk)
		if !ok {
			continue
		}
		touched := s.idx.touched
		var failed error
		for _, rep := range delta.Replaced {
			s.idx.remove(rep.Old.ID)
			if err := s.idx.add(s.prog, rep.New); err != nil {
				failed = err
			}
		}
		for _, rec := range delta.Added {
			if err := s.idx.add(s.prog, rec); err != nil {
				failed = err
			}
		}
		if failed != nil {
			// The next Series call rebuilds from the store.
			a.logger.Warn("series index dropped", slog.String("key", key), slog.Any("error", failed))
			a.indexes.Remove(sk)
			continue
		}
		a.metrics.ObserveRecompute(metrics.RecomputeIncremental, s.idx.touched-touched)
	}
}

// OnEvict invalidates every index of key.
func (a *Aggregator) OnEvict(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidateBuildsLocked(key)
	for b := range a.byKey[key] {
		a.indexes.Remove(seriesKey{key: key, bucketing: b})
	}
}

func (a *Aggregator) invalidateBuildsLocked(key string) {
	if bs := a.builds[key]; bs != nil {
		bs.generation++
	}
}

// forget runs under mu whenever the LRU drops an index.
func (a *Aggregator) forget(sk seriesKey, _ *seriesIndex) {
	set := a.byKey[sk.key]
	delete(set, sk.bucketing)
	if len(set) == 0 {
		delete(a.byKey, sk.key)
	}
}

type compiled struct {
	value  expr.Program
	filter *expr.Program
}

func (a *Aggregator) compile(b Bucketing) (*compiled, error) {
	value, err := a.env.CompileValue(b.Value)
	if err != nil {
		return nil, fmt.Errorf("aggregate: value expression: %w", err)
	}
	prog := &compiled{value: value}
	if b.Filter != "" {
		filter, err := a.env.Compile(b.Filter)
		if err != nil {
			return nil, fmt.Errorf("aggregate: filter expression: %w", err)
		}
		prog.filter = &filter
	}
	return prog, nil
}

// contribution evaluates what rec adds to a series; ok=false excludes it.
func (p *compiled) contribution(rec records.Record) (float64, bool, error) {
	vars := activation(rec)
	if p.filter != nil {
		keep, err := p.filter.EvalBool(vars)
		if err != nil {
			return 0, false, fmt.Errorf("aggregate: record %q: %w", rec.ID, err)
		}
		if !keep {
			return 0, false, nil
		}
	}
	value, ok, err := p.value.EvalFloat(vars)
	if err != nil {
		return 0, false, fmt.Errorf("aggregate: record %q: %w", rec.ID, err)
	}
	return value, ok, nil
}

func activation(rec records.Record) map[string]any {
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"record": map[string]any{
			"id":        rec.ID,
			"key":       rec.Key,
			"version":   rec.Version,
			"timestamp": rec.Timestamp,
			"payload":   payload,
		},
		"payload": payload,
	}
}

// index holds one series. Each bucket keeps every record's contribution so a
// replaced record can be removed exactly, min and max included.
type index struct {
	width   time.Duration
	buckets map[int64]*bucket
	owner   map[string]int64
	touched int
}

type bucket struct {
	contributions map[string]float64
	dirty         bool
	cached        Point
}

func newIndex(width time.Duration) *index {
	return &index{width: width, buckets: make(map[int64]*bucket), owner: make(map[string]int64)}
}

// BucketStart floors ts to the start of its bucket in UTC.
func BucketStart(ts time.Time, width time.Duration) time.Time {
	ns := ts.UnixNano()
	w := int64(width)
	start := ns - ns%w
	if ns%w < 0 {
		start -= w
	}
	return time.Unix(0, start).UTC()
}

func (x *index) add(prog *compiled, rec records.Record) error {
	value, ok, err := prog.contribution(rec)
	if err != nil {
		return err
	}
	// Re-adding the same ID replaces its previous contribution.
	x.remove(rec.ID)
	if !ok {
		return nil
	}
	start := BucketStart(rec.Timestamp, x.width).UnixNano()
	b := x.buckets[start]
	if b == nil {
		b = &bucket{contributions: make(map[string]float64)}
		x.buckets[start] = b
	}
	b.contributions[rec.ID] = value
	x.owner[rec.ID] = start
	x.markDirty(b)
	return nil
}

func (x *index) remove(id string) {
	start, ok := x.owner[id]
	if !ok {
		return
	}
	delete(x.owner, id)
	b := x.buckets[start]
	if b == nil {
		return
	}
	delete(b.contributions, id)
	if len(b.contributions) == 0 {
		delete(x.buckets, start)
		x.touched++
		return
	}
	x.markDirty(b)
}

func (x *index) markDirty(b *bucket) {
	if !b.dirty {
		b.dirty = true
		x.touched++
	}
}

func (x *index) points(summary Summary) []Point {
	starts := make([]int64, 0, len(x.buckets))
	for start := range x.buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]Point, 0, len(starts))
	for _, start := range starts {
		b := x.buckets[start]
		if b.dirty {
			b.cached = fold(time.Unix(0, start).UTC(), b.contributions, summary)
			b.dirty = false
		}
		out = append(out, b.cached)
	}
	return out
}

func fold(start time.Time, contributions map[string]float64, summary Summary) Point {
	p := Point{BucketStart: start, Count: len(contributions)}
	if p.Count == 0 {
		return p
	}
	// Summing in ID order keeps rebuilt and incremental buckets bit-identical.
	ids := make([]string, 0, len(contributions))
	for id := range contributions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var (
		sum = 0.0
		lo  = math.Inf(1)
		hi  = math.Inf(-1)
	)
	for _, id := range ids {
		v := contributions[id]
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	switch summary {
	case SummaryCount:
		p.Value = float64(p.Count)
	case SummarySum:
		p.Value = sum
	case SummaryMin:
		p.Value = lo
	case SummaryMax:
		p.Value = hi
	case SummaryAvg:
		p.Value = sum / float64(p.Count)
	}
	return p
}
