package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/record"
)

func newTestPipeline(t *testing.T, byStage map[string][]string) (*Pipeline, *graph.Store, *record.Store) {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	g, err := graph.New(graph.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)

	plan := planner.NewDeterministic(byStage)
	return New(g, r, plan, nil, nil, now, time.Second, nil), g, r
}

func TestFormatReviewRejectsBadPlanAndCommitsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, g, r := newTestPipeline(t, map[string][]string{
		"question_output": {"1.1"},
		"analysis":        {"found a backlog of working memories"},
		"review":          {"pass"},
		"organize":        {"attach_record|01.2|M2_20260101000000000_abcdef|bad target"},
	})

	outcome, err := p.Run(ctx, TaskIntegrateWorking)
	require.NoError(t, err)
	require.Equal(t, VerdictFailFatal, outcome.Verdict)
	require.Empty(t, outcome.Committed)

	_, err = g.ReadNode(ctx, "01.2")
	require.Error(t, err)
	_, err = r.Read(ctx, "M2_20260101000000000_abcdef")
	require.Error(t, err)
}

func TestPipelineCommitsWellFormedPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, g, _ := newTestPipeline(t, map[string][]string{
		"question_output": {"root"},
		"analysis":        {"root is sparse"},
		"review":          {"pass"},
		"organize":        {"create_node|root|a newly organized subtopic|70"},
	})

	outcome, err := p.Run(ctx, TaskReorganizeConcepts)
	require.NoError(t, err)
	require.Equal(t, VerdictPass, outcome.Verdict)
	require.Len(t, outcome.Committed, 1)

	root, err := g.ReadNode(ctx, graph.RootID)
	require.NoError(t, err)
	require.Len(t, root.ChildRefs, 1)
}

func TestPipelineRetriesOnFailMajorThenAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, _, _ := newTestPipeline(t, map[string][]string{
		"question_output": {"1", "1", "1"},
		"analysis":        {"a1", "a2", "a3"},
		"review":          {"fail-major", "fail-major", "fail-major"},
	})

	outcome, err := p.Run(ctx, TaskBiasAudit)
	require.NoError(t, err)
	require.Equal(t, VerdictFailMajor, outcome.Verdict)
	require.Equal(t, maxFailMajorRetries+1, outcome.Attempts)
}

func TestPipelineReportsAttemptsAsRounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	g, err := graph.New(graph.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)

	plan := planner.NewDeterministic(map[string][]string{
		"question_output": {"1", "1"},
		"analysis":        {"a1", "a2"},
		"review":          {"fail-major", "pass"},
		"organize":        {"create_node|root|a subtopic|70"},
	})
	reported := map[string]int{}
	p := New(g, r, plan, nil, nil, now, time.Second, func(stage string, rounds int) {
		reported[stage] = rounds
	})

	outcome, err := p.Run(ctx, TaskReorganizeConcepts)
	require.NoError(t, err)
	require.Equal(t, VerdictPass, outcome.Verdict)
	require.Equal(t, 2, reported[string(TaskReorganizeConcepts)])
}

func TestPipelineAbortsImmediatelyOnFailFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, _, _ := newTestPipeline(t, map[string][]string{
		"question_output": {"1"},
		"analysis":        {"a1"},
		"review":          {"fail-fatal", "unreachable"},
	})

	outcome, err := p.Run(ctx, TaskBiasAudit)
	require.NoError(t, err)
	require.Equal(t, VerdictFailFatal, outcome.Verdict)
	require.Equal(t, 1, outcome.Attempts)
}
