package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/abyssac/cogmem/internal/index"
	"github.com/abyssac/cogmem/internal/record"
)

func newEngine(t *testing.T) (*Engine, *record.Store) {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rs, err := record.New(record.Config{RootDir: t.TempDir(), Now: func() time.Time { return clock }})
	require.NoError(t, err)

	ix := index.New(0)
	return New(rs, ix, func() time.Time { return clock }, nil), rs
}

func TestRetrieveExactMatchRanksFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng, rs := newEngine(t)

	id, err := rs.Create(ctx, "the substrate guarantees at-most-one concurrent write per record id", record.TierClassified, "", "", []string{"concurrency", "invariant"}, "chat", 70)
	require.NoError(t, err)

	rec, err := rs.Read(ctx, id)
	require.NoError(t, err)
	eng.idx.Index(rec)

	hits, err := eng.Retrieve(ctx, Query{Text: "concurrency"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, id, hits[0].Record.ID)
	require.Equal(t, MatchExact, hits[0].MatchType)
	require.Equal(t, 1.0, hits[0].Score)
}

func TestRetrieveStampsAccessOnTopHits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng, rs := newEngine(t)

	id, err := rs.Create(ctx, "durable write discipline", record.TierClassified, "", "", []string{"durable"}, "", 70)
	require.NoError(t, err)
	rec, err := rs.Read(ctx, id)
	require.NoError(t, err)
	eng.idx.Index(rec)

	_, err = eng.Retrieve(ctx, Query{Text: "durable"})
	require.NoError(t, err)

	after, err := rs.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, after.AccessCount)
	require.NotNil(t, after.LastAccessedAt)
}

func TestRetrieveEmptyResultIsNotError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng, _ := newEngine(t)

	hits, err := eng.Retrieve(ctx, Query{Text: "nothing indexed"})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestRetrieveFallsBackToContentScanForWordOnlyInBody(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng, rs := newEngine(t)

	id, err := rs.Create(ctx, "the warehouse ships frozen goods overnight", record.TierClassified, "", "", nil, "chat", 60)
	require.NoError(t, err)
	rec, err := rs.Read(ctx, id)
	require.NoError(t, err)
	// Index the record's metadata only, as a metadata-only Iter clone would
	// carry it: with Content empty, no keyword bucket holds any body word.
	rec.Content = ""
	eng.idx.Index(rec)

	// "warehouse" is not a tag and the index holds no keyword for this
	// record, so only the content scan pass — which must rehydrate each
	// candidate's body via Read — can find it.
	hits, err := eng.Retrieve(ctx, Query{Text: "warehouse"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, id, hits[0].Record.ID)
	require.Equal(t, MatchContent, hits[0].MatchType)
	require.Equal(t, scoreContent, hits[0].Score)
}

func TestRecentSearchesRingBufferCapsLength(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng, _ := newEngine(t)

	for i := 0; i < recentSearchesCap+5; i++ {
		_, _ = eng.Retrieve(ctx, Query{Text: "q"})
	}
	require.Len(t, eng.RecentSearches(), recentSearchesCap)
	require.Equal(t, recentSearchesCap+5, eng.HotTopicCount("q"))
}
