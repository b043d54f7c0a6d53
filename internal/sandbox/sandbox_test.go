package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/record"
)

func newTestSandbox(t *testing.T, s1, s2 string) (*Sandbox, *graph.Store, *record.Store, *int) {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	g, err := graph.New(graph.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)

	plan := planner.NewDeterministic(map[string][]string{"s1_nav": {s1}, "s2_pick": {s2}})
	navFails := 0
	sb := New(g, r, plan, DefaultConfig(), nil, nil, now, func() { navFails++ }, nil)
	return sb, g, r, &navFails
}

func TestNavigationWithMissingPathIncrementsNavFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sb, g, _, navFails := newTestSandbox(t, "1\n1.3\n1.1", "")

	id1, err := g.CreateNode(ctx, graph.RootID, "topic one", 80)
	require.NoError(t, err)
	require.Equal(t, "1", id1)
	_, err = g.CreateNode(ctx, id1, "subtopic", 80)
	require.NoError(t, err)

	res, err := sb.Run(ctx, "tell me about topic one")
	require.NoError(t, err)
	require.Equal(t, StateDone, res.State)
	require.Equal(t, 1, *navFails)
	require.ElementsMatch(t, []string{"1", "1.1"}, res.Bundle.Path)
}

func TestBundleConfidenceLevelHighWithStrongCoreGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sb, g, r, _ := newTestSandbox(t, "1", "")

	id1, err := g.CreateNode(ctx, graph.RootID, "topic", 80)
	require.NoError(t, err)

	recID, err := r.Create(ctx, "a confident fact", record.TierClassified, "", "", nil, "", 90)
	require.NoError(t, err)
	require.NoError(t, g.AttachRecord(ctx, id1, graph.MemorySummary{RecordID: recID, Summary: "a confident fact", Confidence: 90}))

	// Record ids are content-hash derived and unknown until Create runs,
	// so the S2 canned response is wired in after the fact.
	sb.plan = planner.NewDeterministic(map[string][]string{"s1_nav": {id1}, "s2_pick": {recID}})

	res, err := sb.Run(ctx, "what is this topic")
	require.NoError(t, err)
	require.Equal(t, "high", res.Bundle.ConfidenceAssessment.Level)
	require.Len(t, res.Bundle.MemoryGroups.CoreGroup, 1)
}

func TestEmptyModelOutputTerminatesS1Immediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sb, _, _, navFails := newTestSandbox(t, "", "")

	res, err := sb.Run(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, StateDone, res.State)
	require.Empty(t, res.Bundle.Path)
	require.Equal(t, 0, *navFails)
	require.Equal(t, "low", res.Bundle.ConfidenceAssessment.Level)
}

func TestRunReportsRoundsPerStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	g, err := graph.New(graph.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)

	plan := planner.NewDeterministic(map[string][]string{"s1_nav": {"1"}, "s2_pick": {""}})
	reported := map[string]int{}
	sb := New(g, r, plan, DefaultConfig(), nil, nil, now, nil, func(stage string, rounds int) {
		reported[stage] = rounds
	})

	_, err = g.CreateNode(ctx, graph.RootID, "topic one", 80)
	require.NoError(t, err)

	_, err = sb.Run(ctx, "tell me about topic one")
	require.NoError(t, err)
	// Round one returns the node path; round two's exhausted queue yields an
	// empty response, which ends the loop.
	require.Equal(t, 2, reported[string(StateS1Nav)])
	require.Equal(t, 1, reported[string(StateS2Pick)])
}
