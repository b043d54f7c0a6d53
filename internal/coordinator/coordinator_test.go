package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/index"
	"github.com/abyssac/cogmem/internal/maintenance"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/record"
	"github.com/abyssac/cogmem/internal/retrieval"
	"github.com/abyssac/cogmem/internal/sandbox"
	cogstore "github.com/abyssac/cogmem/internal/store"
)

type testStack struct {
	coord   *Coordinator
	records *record.Store
	graph   *graph.Store
	idx     *index.Index
}

func newTestStack(t *testing.T, replyQueue []string, cfg Config) *testStack {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	return newTestStackWithClock(t, replyQueue, cfg, now)
}

func newTestStackWithClock(t *testing.T, replyQueue []string, cfg Config, now func() time.Time) *testStack {
	t.Helper()
	g, err := graph.New(graph.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)

	idx := index.New(0)
	engine := retrieval.New(r, idx, now, nil)

	sbPlan := planner.NewDeterministic(nil)
	var navFailCounterFn func()

	pipelinePlan := planner.NewDeterministic(nil)
	pipeline := maintenance.New(g, r, pipelinePlan, nil, nil, now, time.Second, nil)

	replyPlan := planner.Single(replyQueue...)

	var coord *Coordinator
	box := sandbox.New(g, r, sbPlan, sandbox.DefaultConfig(), nil, nil, now, func() {
		if navFailCounterFn != nil {
			navFailCounterFn()
		}
	}, nil)

	coord = New(r, g, idx, engine, box, pipeline, replyPlan, cfg, nil, nil, now)
	navFailCounterFn = coord.NavFailCounter

	return &testStack{coord: coord, records: r, graph: g, idx: idx}
}

func TestRunCycleFreeTextReplyAppendsWorkingMemory(t *testing.T) {
	t.Parallel()
	stack := newTestStack(t, []string{"sure, here's the answer"}, DefaultConfig())
	ctx := context.Background()

	res, err := stack.coord.RunCycle(ctx, "what is the project status?")
	require.NoError(t, err)
	require.Equal(t, "sure, here's the answer", res.Reply)
	require.Nil(t, res.Command)
	require.NotEmpty(t, res.WorkingRecordID)

	rec, err := stack.records.Read(ctx, res.WorkingRecordID)
	require.NoError(t, err)
	require.Equal(t, record.TierWorking, rec.Tier)
}

func TestRunCycleDispatchesStoreMemoryCommand(t *testing.T) {
	t.Parallel()
	stack := newTestStack(t, []string{`{"action":"store_memory","params":{"content":"remember this","tier":2}}`}, DefaultConfig())
	ctx := context.Background()

	res, err := stack.coord.RunCycle(ctx, "please remember this")
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	require.NotNil(t, res.CommandResponse)
	require.Equal(t, "ok", string(res.CommandResponse.Status))
}

func TestRunCycleSelfRatingTriggersMaintenanceOnBacklog(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SelfRatingEvery = 1
	cfg.Trigger.BacklogThreshold = 2
	stack := newTestStack(t, []string{"ack"}, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := stack.records.Create(ctx, "backlog filler", record.TierWorking, "", "", nil, "seed", 70)
		require.NoError(t, err)
		rec, err := stack.records.Read(ctx, id)
		require.NoError(t, err)
		stack.idx.Index(rec)
	}

	res, err := stack.coord.RunCycle(ctx, "hello")
	require.NoError(t, err)
	require.NotNil(t, res.SelfRating)
	require.NotNil(t, res.MaintenanceOutcome)
	require.Equal(t, maintenance.TaskIntegrateWorking, res.MaintenanceOutcome.Task)
}

func TestStatusReflectsCounters(t *testing.T) {
	t.Parallel()
	stack := newTestStack(t, []string{"ack", "ack"}, DefaultConfig())
	ctx := context.Background()

	_, err := stack.coord.RunCycle(ctx, "first")
	require.NoError(t, err)
	_, err = stack.coord.RunCycle(ctx, "second")
	require.NoError(t, err)

	status := stack.coord.Status()
	require.Equal(t, 2, status.SessionCount)
}

func TestFirstRunInitializationCreatesLayoutAndEmptyQuery(t *testing.T) {
	t.Parallel()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	recordRoot := t.TempDir()
	graphRoot := t.TempDir()

	r, err := record.New(record.Config{RootDir: recordRoot, Now: now})
	require.NoError(t, err)
	g, err := graph.New(graph.Config{RootDir: graphRoot, Now: now})
	require.NoError(t, err)

	for _, dir := range []string{"meta_cognitive", "integrated", "classified", "working"} {
		require.DirExists(t, filepath.Join(recordRoot, dir))
	}
	require.FileExists(t, filepath.Join(graphRoot, "graph", "root.json"))

	root, err := g.ReadNode(context.Background(), graph.RootID)
	require.NoError(t, err)
	require.Empty(t, root.ChildRefs)

	idx := index.New(0)
	engine := retrieval.New(r, idx, now, nil)
	hits, err := engine.Retrieve(context.Background(), retrieval.Query{Text: "anything"})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestStoreThenRetrieveReturnsExactMatchFirst(t *testing.T) {
	t.Parallel()
	stack := newTestStack(t, nil, DefaultConfig())
	ctx := context.Background()

	storeCmd, ok := tryParseCommand(`{"action":"store_memory","params":{"content":"The substrate guarantees at-most-one concurrent write per record id.","tier":2,"tags":["concurrency","invariant"]}}`)
	require.True(t, ok)
	storeResp := stack.coord.dispatch(ctx, storeCmd)
	require.Equal(t, "ok", string(storeResp.Status))
	data, ok := storeResp.Data.(map[string]string)
	require.True(t, ok)
	id := data["record_id"]
	require.NotEmpty(t, id)

	retrieveCmd, ok := tryParseCommand(`{"action":"retrieve_memory","params":{"query":"concurrency"}}`)
	require.True(t, ok)
	retrieveResp := stack.coord.dispatch(ctx, retrieveCmd)
	require.Equal(t, "ok", string(retrieveResp.Status))

	hits, ok := retrieveResp.Data.([]retrieval.Hit)
	require.True(t, ok)
	require.NotEmpty(t, hits)
	require.Equal(t, id, hits[0].Record.ID)
	require.Equal(t, retrieval.MatchExact, hits[0].MatchType)
	require.Equal(t, 1.0, hits[0].Score)
}

func TestWorkingMemoryExpirySweepDeletesAllThreeAndLogs(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WorkingMaxAge = time.Millisecond
	ctx := context.Background()

	root := t.TempDir()
	events := cogstore.NewEventLog(root, time.Now)
	g, err := graph.New(graph.Config{RootDir: root, Now: time.Now, EventLog: events})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: root, Now: time.Now, EventLog: events})
	require.NoError(t, err)
	idx := index.New(0)
	engine := retrieval.New(r, idx, time.Now, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := r.Create(ctx, fmt.Sprintf("stale memory %d", i), record.TierWorking, "", "", nil, "seed", 70)
		require.NoError(t, err)
		rec, err := r.Read(ctx, id)
		require.NoError(t, err)
		idx.Index(rec)
		ids = append(ids, id)
	}

	sbPlan := planner.NewDeterministic(nil)
	box := sandbox.New(g, r, sbPlan, sandbox.DefaultConfig(), nil, events, time.Now, nil, nil)
	pipeline := maintenance.New(g, r, sbPlan, nil, events, time.Now, time.Second, nil)
	coord := New(r, g, idx, engine, box, pipeline, sbPlan, cfg, nil, events, time.Now)

	time.Sleep(5 * time.Millisecond)

	cmd, ok := tryParseCommand(`{"action":"cleanup"}`)
	require.True(t, ok)
	resp := coord.Dispatch(ctx, cmd)
	require.Equal(t, "ok", string(resp.Status))
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 3, data["deleted_count"])

	for _, id := range ids {
		_, err := r.Read(ctx, id)
		require.Error(t, err)
	}
	require.Empty(t, idx.ByTier(record.TierWorking))

	logPath := filepath.Join(root, "logs", time.Now().Format("20060102")+".jsonl")
	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	deleteCount := 0
	for _, line := range strings.Split(strings.TrimSpace(string(logData)), "\n") {
		if strings.Contains(line, `"kind":"delete"`) {
			deleteCount++
		}
	}
	require.Equal(t, 3, deleteCount)
}

func TestMaintenancePromotesWorkingToClassifiedOnBacklogTrigger(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SelfRatingEvery = 1
	cfg.Trigger.BacklogThreshold = 12

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	g, err := graph.New(graph.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)
	r, err := record.New(record.Config{RootDir: t.TempDir(), Now: now})
	require.NoError(t, err)

	idx := index.New(0)
	engine := retrieval.New(r, idx, now, nil)

	var workingIDs []string
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		id, err := r.Create(ctx, fmt.Sprintf("working fact %d", i), record.TierWorking, "", "", nil, "seed", 70)
		require.NoError(t, err)
		rec, err := r.Read(ctx, id)
		require.NoError(t, err)
		idx.Index(rec)
		workingIDs = append(workingIDs, id)
	}

	pipelinePlan := planner.NewDeterministic(map[string][]string{
		"question_output": {workingIDs[0]},
		"analysis":        {"working memory backlog needs consolidation"},
		"review":          {"pass"},
		"organize":        {fmt.Sprintf("promote_record|%s|2", workingIDs[0])},
	})
	pipeline := maintenance.New(g, r, pipelinePlan, nil, nil, now, time.Second, nil)

	sbPlan := planner.NewDeterministic(nil)
	var coord *Coordinator
	box := sandbox.New(g, r, sbPlan, sandbox.DefaultConfig(), nil, nil, now, func() {
		if coord != nil {
			coord.NavFailCounter()
		}
	}, nil)

	replyPlan := planner.Single("noted")
	coord = New(r, g, idx, engine, box, pipeline, replyPlan, cfg, nil, nil, now)

	res, err := coord.RunCycle(ctx, "hello")
	require.NoError(t, err)
	require.NotNil(t, res.MaintenanceOutcome)
	require.Equal(t, maintenance.TaskIntegrateWorking, res.MaintenanceOutcome.Task)

	require.Eventually(t, func() bool {
		promoted, err := r.Read(ctx, workingIDs[0])
		return err == nil && promoted.Tier == record.TierClassified
	}, time.Second, time.Millisecond)

	promoted, err := r.Read(ctx, workingIDs[0])
	require.NoError(t, err)
	require.Contains(t, promoted.ContentPath, "classified")

	root, err := g.ReadNode(ctx, graph.RootID)
	require.NoError(t, err)
	require.Empty(t, root.ChildRefs)
}

func TestDispatchCleanupDeletesAgedUnaccessedWorkingRecords(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WorkingMaxAge = time.Millisecond
	// Cleanup compares file mtimes (real OS clock) against a cutoff, so
	// this test runs the store against the real clock rather than the
	// fixed clock the other coordinator tests use.
	stack := newTestStackWithClock(t, nil, cfg, time.Now)
	ctx := context.Background()

	id, err := stack.records.Create(ctx, "stale", record.TierWorking, "", "", nil, "seed", 70)
	require.NoError(t, err)
	rec, err := stack.records.Read(ctx, id)
	require.NoError(t, err)
	stack.idx.Index(rec)

	time.Sleep(5 * time.Millisecond)

	cmd, ok := tryParseCommand(`{"action":"cleanup"}`)
	require.True(t, ok)
	resp := stack.coord.dispatch(ctx, cmd)
	require.Equal(t, "ok", string(resp.Status))

	_, err = stack.records.Read(ctx, id)
	require.Error(t, err)
}
