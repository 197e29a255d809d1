package records

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// State is the lifecycle marker of a cache entry.
type State string

const (
	StateFresh   State = "fresh"
	StateStale   State = "stale"
	StatePending State = "pending"
	StateFailed  State = "failed"
)

// Freshness is what the presentation layer renders next to the data.
type Freshness string

const (
	FreshnessFresh  Freshness = "fresh"
	FreshnessStale  Freshness = "stale"
	FreshnessAbsent Freshness = "absent"
)

// Record is a single observation. Records are immutable once stored: a later
// fetch either no-ops (same Version) or replaces the whole record.
type Record struct {
	ID        string         `json:"id" validate:"required"`
	Key       string         `json:"key" validate:"required"`
	Timestamp time.Time      `json:"timestamp" validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
	Version   string         `json:"version" validate:"required"`
}

// Entry wraps the records of one resource key with fetch metadata.
type Entry struct {
	Key           string        `json:"key"`
	Records       []Record      `json:"records"`
	LastFetchedAt time.Time     `json:"lastFetchedAt"`
	LastSuccessAt time.Time     `json:"lastSuccessAt"`
	Version       string        `json:"version,omitempty"`
	State         State         `json:"state"`
	MaxAge        time.Duration `json:"maxAge,omitempty"`
}

// HasSuccess reports whether the entry ever committed a successful fetch.
func (e Entry) HasSuccess() bool {
	return !e.LastSuccessAt.IsZero()
}

// Expired reports whether the last success is older than the effective TTL.
// A zero ttl never expires.
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	if !e.HasSuccess() {
		return true
	}
	ttl = e.EffectiveTTL(ttl)
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.LastSuccessAt) > ttl
}

// EffectiveTTL applies the backend max-age as a ceiling on the policy TTL.
func (e Entry) EffectiveTTL(ttl time.Duration) time.Duration {
	if e.MaxAge > 0 && (ttl <= 0 || e.MaxAge < ttl) {
		return e.MaxAge
	}
	return ttl
}

// Effective returns the entry with Fresh downgraded to Stale once expired.
func (e Entry) Effective(now time.Time, ttl time.Duration) Entry {
	if e.State == StateFresh && e.Expired(now, ttl) {
		e.State = StateStale
	}
	return e
}

// Freshness maps the entry into the presentation freshness flag. A Pending
// entry keeps the freshness of its last success while the refresh runs.
func (e Entry) Freshness(now time.Time, ttl time.Duration) Freshness {
	if !e.HasSuccess() {
		return FreshnessAbsent
	}
	switch e.State {
	case StateFresh, StatePending:
		if !e.Expired(now, ttl) {
			return FreshnessFresh
		}
	}
	return FreshnessStale
}

// Clone deep-copies the entry so callers can never mutate stored state.
func (e Entry) Clone() Entry {
	out := e
	if e.Records != nil {
		out.Records = make([]Record, len(e.Records))
		for i, rec := range e.Records {
			out.Records[i] = rec.Clone()
		}
	}
	return out
}

// Clone copies the record including its payload map.
func (r Record) Clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// Delta describes what one commit changed for a key.
type Delta struct {
	Added    []Record
	Replaced []Replacement
}

// Replacement pairs the previous and the new revision of a record.
type Replacement struct {
	Old Record
	New Record
}

// Empty reports whether the commit changed no record.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Replaced) == 0
}

// Merge applies incoming records on top of existing ones. Unchanged records keep
// their stored value; changed versions replace the record wholesale; unknown IDs
// are appended. The result is sorted by timestamp then ID.
func Merge(existing, incoming []Record) ([]Record, Delta) {
	index := make(map[string]int, len(existing))
	merged := make([]Record, len(existing))
	for i, rec := range existing {
		merged[i] = rec.Clone()
		index[rec.ID] = i
	}

	var delta Delta
	for _, rec := range incoming {
		if pos, ok := index[rec.ID]; ok {
			if merged[pos].Version == rec.Version {
				continue
			}
			delta.Replaced = append(delta.Replaced, Replacement{Old: merged[pos], New: rec.Clone()})
			merged[pos] = rec.Clone()
			continue
		}
		index[rec.ID] = len(merged)
		merged = append(merged, rec.Clone())
		delta.Added = append(delta.Added, rec.Clone())
	}
	Sort(merged)
	return merged, delta
}

// Sort orders records by timestamp ascending, breaking ties by ID.
func Sort(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}

// ContentVersion derives a version marker from the payload and timestamp using
// FNV-1a over canonical JSON (map keys are sorted by encoding/json).
func ContentVersion(timestamp time.Time, payload map[string]any) (string, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte("|"))
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("records: version payload: %w", err)
		}
		_, _ = h.Write(data)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
