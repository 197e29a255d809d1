package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rec(id string, ts time.Time, version string, cases int) Record {
	return Record{ID: id, Key: "farm-1", Timestamp: ts, Version: version, Payload: map[string]any{"cases": cases}}
}

func TestMergeReplacesAppendsAndKeepsUnchanged(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := []Record{rec("a", base, "v1", 1), rec("b", base.Add(time.Hour), "v1", 2)}
	incoming := []Record{
		rec("a", base, "v1", 99),
		rec("b", base.Add(time.Hour), "v2", 5),
		rec("c", base.Add(-time.Hour), "v1", 3),
	}

	merged, delta := Merge(existing, incoming)

	require.Len(t, merged, 3)
	require.Equal(t, []string{"c", "a", "b"}, []string{merged[0].ID, merged[1].ID, merged[2].ID})
	require.Equal(t, 1, merged[1].Payload["cases"], "unchanged version must keep stored payload")
	require.Equal(t, 5, merged[2].Payload["cases"])
	require.Len(t, delta.Added, 1)
	require.Equal(t, "c", delta.Added[0].ID)
	require.Len(t, delta.Replaced, 1)
	require.Equal(t, "v1", delta.Replaced[0].Old.Version)
	require.Equal(t, "v2", delta.Replaced[0].New.Version)
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	incoming := []Record{rec("a", base, "v1", 1)}
	merged, _ := Merge(nil, incoming)
	incoming[0].Payload["cases"] = 42
	require.Equal(t, 1, merged[0].Payload["cases"])
}

func TestEntryFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entry := Entry{Key: "farm-1", State: StateFresh, LastSuccessAt: now.Add(-2 * time.Minute)}

	require.Equal(t, FreshnessFresh, entry.Freshness(now, 5*time.Minute))
	require.Equal(t, FreshnessStale, entry.Freshness(now, time.Minute))
	require.Equal(t, StateStale, entry.Effective(now, time.Minute).State)
	require.Equal(t, FreshnessAbsent, Entry{Key: "farm-1", State: StatePending}.Freshness(now, time.Minute))

	refreshing := entry
	refreshing.State = StatePending
	require.Equal(t, FreshnessFresh, refreshing.Freshness(now, 5*time.Minute), "a refresh in flight keeps prior freshness")
	refreshing.State = StateFailed
	require.Equal(t, FreshnessStale, refreshing.Freshness(now, 5*time.Minute))

	entry.MaxAge = 30 * time.Second
	require.Equal(t, FreshnessStale, entry.Freshness(now, 5*time.Minute), "backend max-age caps the policy ttl")
}

func TestContentVersionIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	a, err := ContentVersion(ts, map[string]any{"cases": 3, "severity": "high"})
	require.NoError(t, err)
	b, err := ContentVersion(ts, map[string]any{"severity": "high", "cases": 3})
	require.NoError(t, err)
	c, err := ContentVersion(ts, map[string]any{"cases": 4, "severity": "high"})
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestValidate(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Validate("farm-1", rec("a", ts, "v1", 1)))
	require.Error(t, Validate("farm-2", rec("a", ts, "v1", 1)))
	require.Error(t, Validate("farm-1", Record{ID: "a", Key: "farm-1", Version: "v1"}))
	require.Error(t, Validate("farm-1", Record{Key: "farm-1", Timestamp: ts, Version: "v1"}))

	entry := Entry{Key: "farm-1", State: StateFresh, Records: []Record{rec("a", ts, "v1", 1), rec("a", ts, "v2", 1)}}
	require.Error(t, ValidateEntry(entry))
	entry.Records = entry.Records[:1]
	require.NoError(t, ValidateEntry(entry))
	entry.State = "bogus"
	require.Error(t, ValidateEntry(entry))
}
