package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/abyssac/cogmem/internal/record"
)

func sampleRecord(id, content string, tier record.Tier, tags []string) *record.Record {
	return &record.Record{ID: id, Content: content, Tier: tier, Tags: tags, Category: "systems"}
}

func TestIndexThenLookupExact(t *testing.T) {
	t.Parallel()
	ix := New(0)
	rec := sampleRecord("M2_1", "the substrate guarantees at-most-one concurrent write per record id", record.TierClassified, []string{"concurrency", "invariant"})
	ix.Index(rec)

	res := ix.Lookup("concurrency")
	require.Contains(t, res.Exact, "M2_1")
	require.Empty(t, res.Fuzzy)
}

func TestIndexUnindexIndexIsIdempotent(t *testing.T) {
	t.Parallel()
	ix := New(0)
	rec := sampleRecord("M2_1", "stable content about caching", record.TierClassified, []string{"cache"})

	ix.Index(rec)
	ix.Unindex(rec.ID)
	ix.Index(rec)

	baseline := New(0)
	baseline.Index(rec)

	require.Equal(t, baseline.Count(), ix.Count())
	require.ElementsMatch(t, baseline.Lookup("cache").Exact, ix.Lookup("cache").Exact)
	require.ElementsMatch(t, baseline.Lookup("caching").Exact, ix.Lookup("caching").Exact)
}

func TestUnindexAbsentIDIsNoop(t *testing.T) {
	t.Parallel()
	ix := New(0)
	ix.Unindex("does-not-exist")
	require.Equal(t, 0, ix.Count())
}

func TestFuzzyLookupMatchesSubstring(t *testing.T) {
	t.Parallel()
	ix := New(0)
	ix.Index(sampleRecord("M2_1", "a detailed discussion of networking protocols", record.TierClassified, nil))

	res := ix.Lookup("network")
	require.Empty(t, res.Exact)
	require.Contains(t, res.Fuzzy, "M2_1")
}

func TestByTierAndCategory(t *testing.T) {
	t.Parallel()
	ix := New(0)
	ix.Index(sampleRecord("M2_1", "alpha content", record.TierClassified, nil))
	ix.Index(sampleRecord("M3_1", "beta content", record.TierWorking, nil))

	require.ElementsMatch(t, []string{"M2_1"}, ix.ByTier(record.TierClassified))
	require.ElementsMatch(t, []string{"M2_1", "M3_1"}, ix.ByCategory("systems"))
}

func TestRebuildReplacesState(t *testing.T) {
	t.Parallel()
	ix := New(0)
	ix.Index(sampleRecord("M2_1", "stale content", record.TierClassified, []string{"stale"}))

	ix.Rebuild([]*record.Record{
		sampleRecord("M2_2", "fresh content", record.TierClassified, []string{"fresh"}),
	})

	require.Equal(t, 1, ix.Count())
	require.Empty(t, ix.Lookup("stale").Exact)
	require.Contains(t, ix.Lookup("fresh").Exact, "M2_2")
}
