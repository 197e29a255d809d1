package cache

import (
	"context"
	"time"

	"github.com/l0p7/fieldsync/internal/runtime/records"
)

// Store is the durable key/value home of records and their fetch metadata.
// Every mutation is atomic per resource key: readers observe either the
// previous entry or the committed one.
type Store interface {
	// Get returns the entry for key without side effects. A stored entry that
	// fails integrity checks yields a fault.Corrupt error.
	Get(ctx context.Context, key string) (records.Entry, bool, error)
	// Put merges a successful fetch into the entry and marks it fresh.
	Put(ctx context.Context, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta, error)
	// MarkPending records the start of a fetch cycle, creating the entry when absent.
	MarkPending(ctx context.Context, key string, at time.Time) error
	// MarkFailed closes a cycle that exhausted its attempts.
	MarkFailed(ctx context.Context, key string, at time.Time) error
	// Evict removes the entry.
	Evict(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// applyPut is the merge step shared by every backend.
func applyPut(prev records.Entry, found bool, key string, recs []records.Record, version string, fetchedAt time.Time, maxAge time.Duration) (records.Entry, records.Delta) {
	var existing []records.Record
	if found {
		existing = prev.Records
	}
	merged, delta := records.Merge(existing, recs)
	next := records.Entry{
		Key:           key,
		Records:       merged,
		LastFetchedAt: fetchedAt,
		LastSuccessAt: fetchedAt,
		Version:       version,
		State:         records.StateFresh,
		MaxAge:        maxAge,
	}
	if next.Version == "" && found {
		next.Version = prev.Version
	}
	if merged == nil {
		next.Records = []records.Record{}
	}
	return next, delta
}

// applyPending moves an entry into Pending for a new cycle.
func applyPending(prev records.Entry, found bool, key string, at time.Time) records.Entry {
	if !found {
		return records.Entry{Key: key, State: records.StatePending, LastFetchedAt: at, Records: []records.Record{}}
	}
	prev.State = records.StatePending
	prev.LastFetchedAt = at
	return prev
}

// applyFailed keeps last-good records as stale, or marks the entry failed
// when no successful fetch ever landed.
func applyFailed(prev records.Entry, found bool, key string, at time.Time) records.Entry {
	if !found {
		return records.Entry{Key: key, State: records.StateFailed, LastFetchedAt: at, Records: []records.Record{}}
	}
	if prev.HasSuccess() {
		prev.State = records.StateStale
	} else {
		prev.State = records.StateFailed
	}
	prev.LastFetchedAt = at
	return prev
}
