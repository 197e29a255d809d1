package runtime

import (
	"context"
	"time"

	"github.com/l0p7/fieldsync/internal/metrics"
	"github.com/l0p7/fieldsync/internal/runtime/cache"
	"github.com/l0p7/fieldsync/internal/runtime/records"
)

// instrumentedStore times every store call and records its result.
type instrumentedStore struct {
	inner   cache.Store
	metrics *metrics.Recorder
}

func (s *instrumentedStore) observe(op metrics.CacheOperation, start time.Time, err error) {
	result := metrics.CacheResultOK
	if err != nil {
		result = metrics.CacheResultError
	}
	s.metrics.ObserveCacheOperation(op, result, time.Since(start))
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (records.Entry, bool, error) {
	start := time.Now()
	entry, found, err := s.inner.Get(ctx, key)
	result := metrics.CacheResultHit
	switch {
	case err != nil:
		result = metrics.CacheResultError
	case !found:
		result = metrics.CacheResultMiss
	}
	s.metrics.ObserveCacheOperation(metrics.CacheOperationGet, result, time.Since(start))
	return entry, found, err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta, error) {
	start := time.Now()
	entry, delta, err := s.inner.Put(ctx, key, recs, version, fetchedAt, maxAge)
	s.observe(metrics.CacheOperationPut, start, err)
	return entry, delta, err
}

func (s *instrumentedStore) MarkPending(ctx context.Context, key string, at time.Time) error {
	start := time.Now()
	err := s.inner.MarkPending(ctx, key, at)
	s.observe(metrics.CacheOperationPending, start, err)
	return err
}

func (s *instrumentedStore) MarkFailed(ctx context.Context, key string, at time.Time) error {
	start := time.Now()
	err := s.inner.MarkFailed(ctx, key, at)
	s.observe(metrics.CacheOperationFailed, start, err)
	return err
}

func (s *instrumentedStore) Evict(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Evict(ctx, key)
	s.observe(metrics.CacheOperationEvict, start, err)
	return err
}

func (s *instrumentedStore) Keys(ctx context.Context) ([]string, error) {
	return s.inner.Keys(ctx)
}

func (s *instrumentedStore) Size(ctx context.Context) (int64, error) {
	return s.inner.Size(ctx)
}

func (s *instrumentedStore) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}
