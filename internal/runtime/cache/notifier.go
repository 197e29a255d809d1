package cache

import (
	"context"
	"sync"
	"time"

	"github.com/l0p7/fieldsync/internal/runtime/records"
)

// CommitFunc observes a successful Put. It runs after the write is durable.
type CommitFunc func(key string, entry records.Entry, delta records.Delta)

// EvictFunc observes a successful Evict.
type EvictFunc func(key string)

// Notifier decorates a Store with change listeners, which is how derived
// views such as aggregates stay in step with the cache.
type Notifier struct {
	Store

	mu       sync.RWMutex
	onCommit []CommitFunc
	onEvict  []EvictFunc
}

// NewNotifier wraps store. Listeners are invoked synchronously in
// registration order.
func NewNotifier(store Store) *Notifier {
	return &Notifier{Store: store}
}

func (n *Notifier) OnCommit(fn CommitFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.onCommit = append(n.onCommit, fn)
	n.mu.Unlock()
}

func (n *Notifier) OnEvict(fn EvictFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.onEvict = append(n.onEvict, fn)
	n.mu.Unlock()
}

func (n *Notifier) Put(ctx context.Context, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta, error) {
	entry, delta, err := n.Store.Put(ctx, key, recs, version, fetchedAt, maxAge)
	if err != nil {
		return entry, delta, err
	}
	n.mu.RLock()
	listeners := append([]CommitFunc(nil), n.onCommit...)
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(key, entry.Clone(), delta)
	}
	return entry, delta, nil
}

func (n *Notifier) Evict(ctx context.Context, key string) error {
	if err := n.Store.Evict(ctx, key); err != nil {
		return err
	}
	n.mu.RLock()
	listeners := append([]EvictFunc(nil), n.onEvict...)
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(key)
	}
	return nil
}
