// Package maintenance implements the Maintenance Pipeline: five tasks run
// opportunistically through a five-stage model-driven review chain
// (Question-Output / Analysis / Review / Organize / Format-Review).
// Adapted from the strategy-loop shape this module is grounded on — the
// consolidator's ShouldConsolidate/Consolidate pair generalizes here into
// a five-stage chain with its own retry and abort semantics, matching the
// stage-prompt/stage-output loop recovered from the retrieved review-chain
// reference for the exact fail-major/fail-fatal verdict handling.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abyssac/cogmem/internal/cogerr"
	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/record"
	cogstore "github.com/abyssac/cogmem/internal/store"
)

// maxFailMajorRetries bounds how many times Review's fail-major verdict
// sends the run back to Question-Output, per §4.6's retry policy.
const maxFailMajorRetries = 2

// Outcome is the result of one pipeline Run.
type Outcome struct {
	Task      TaskType
	Verdict   Verdict
	Attempts  int
	Committed []Mutation
	Reason    string
}

// Pipeline runs at most one maintenance task at a time (the Coordinator
// enforces the single-background-task discipline of §5).
type Pipeline struct {
	graph   *graph.Store
	records *record.Store
	plan    planner.ModelPlanner
	logger  *zap.Logger
	events  *cogstore.EventLog
	now     func() time.Time
	timeout time.Duration

	observeRounds func(stage string, rounds int)
}

// New constructs a Pipeline. observeRounds, if non-nil, is invoked once per
// Run call with the question_output/analysis/review attempt count the task
// took before Organize.
func New(g *graph.Store, r *record.Store, plan planner.ModelPlanner, logger *zap.Logger, events *cogstore.EventLog, now func() time.Time, modelTimeout time.Duration, observeRounds func(stage string, rounds int)) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if modelTimeout <= 0 {
		modelTimeout = 30 * time.Second
	}
	return &Pipeline{graph: g, records: r, plan: plan, logger: logger.With(zap.String("component", "maintenance")), events: events, now: now, timeout: modelTimeout, observeRounds: observeRounds}
}

// Run drives task through the five-stage chain.
func (p *Pipeline) Run(ctx context.Context, task TaskType) (Outcome, error) {
	p.logEvent(cogstore.EventMaintenanceBegin, map[string]interface{}{"task": string(task)})
	defer p.logEvent(cogstore.EventMaintenanceEnd, map[string]interface{}{"task": string(task)})

	var (
		analysis string
		verdict  Verdict
		reason   string
	)

	attempt := 0
	defer func() { p.reportRounds(string(task), attempt) }()
	for {
		attempt++

		qResp, err := p.callStage(ctx, "question_output", buildQuestionPrompt(task))
		if err != nil {
			return Outcome{Task: task, Verdict: VerdictFailFatal, Attempts: attempt, Reason: err.Error()}, nil
		}
		selected := splitNonEmpty(qResp)

		analysis, err = p.callStage(ctx, "analysis", buildAnalysisPrompt(task, selected))
		if err != nil {
			return Outcome{Task: task, Verdict: VerdictFailFatal, Attempts: attempt, Reason: err.Error()}, nil
		}

		rResp, err := p.callStage(ctx, "review", buildReviewPrompt(analysis))
		if err != nil {
			return Outcome{Task: task, Verdict: VerdictFailFatal, Attempts: attempt, Reason: err.Error()}, nil
		}
		verdict, reason = parseVerdict(rResp)

		if verdict == VerdictFailFatal {
			return Outcome{Task: task, Verdict: verdict, Attempts: attempt, Reason: reason}, nil
		}
		if verdict == VerdictFailMajor {
			if attempt > maxFailMajorRetries {
				return Outcome{Task: task, Verdict: verdict, Attempts: attempt, Reason: "exceeded fail-major retry limit"}, nil
			}
			continue
		}
		break // pass or fail-minor: proceed to Organize
	}

	oResp, err := p.callStage(ctx, "organize", buildOrganizePrompt(task, analysis))
	if err != nil {
		return Outcome{Task: task, Verdict: VerdictFailFatal, Attempts: attempt, Reason: err.Error()}, nil
	}
	proposed := ParsePlan(oResp)

	frVerdict, frReason := FormatReview(proposed, p.nodeExists(ctx), p.recordExists(ctx))
	if frVerdict != VerdictPass {
		return Outcome{Task: task, Verdict: frVerdict, Attempts: attempt, Reason: frReason}, nil
	}

	committed, err := p.commit(ctx, task, proposed)
	if err != nil {
		return Outcome{Task: task, Verdict: VerdictFailFatal, Attempts: attempt, Reason: err.Error()}, err
	}

	return Outcome{Task: task, Verdict: VerdictPass, Attempts: attempt, Committed: committed}, nil
}

func (p *Pipeline) callStage(ctx context.Context, stage, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.logEvent(cogstore.EventStageBegin, map[string]interface{}{"stage": stage})
	resp, err := p.plan.Plan(callCtx, planner.Request{Stage: stage, Prompt: prompt})
	p.logEvent(cogstore.EventStageEnd, map[string]interface{}{"stage": stage})
	if err != nil {
		if callCtx.Err() != nil {
			return "", nil
		}
		return "", cogerr.ModelProtocolError("maintenance.callStage", err)
	}
	return resp.Output, nil
}

func (p *Pipeline) nodeExists(ctx context.Context) NodeExistsFn {
	return func(id string) bool {
		_, err := p.graph.ReadNode(ctx, id)
		return err == nil
	}
}

func (p *Pipeline) recordExists(ctx context.Context) RecordExistsFn {
	return func(id string) bool {
		_, err := p.records.Read(ctx, id)
		return err == nil
	}
}

// commit applies every mutation in plan to the backing stores, now that
// Format-Review has authorized it.
func (p *Pipeline) commit(ctx context.Context, task TaskType, plan []Mutation) ([]Mutation, error) {
	var committed []Mutation
	for _, m := range plan {
		switch m.Kind {
		case MutationCreateNode:
			if _, err := p.graph.CreateNode(ctx, m.ParentID, m.Content, m.Confidence); err != nil {
				return committed, err
			}
		case MutationAttachRecord:
			rec, err := p.records.Read(ctx, m.RecordID)
			if err != nil {
				return committed, err
			}
			summary := graph.MemorySummary{
				RecordID: m.RecordID, Path: m.NodeID, Summary: m.Summary,
				Tier: int(rec.Tier), ValueLevel: string(rec.ValueLevel()), Confidence: rec.Confidence,
			}
			if err := p.graph.AttachRecord(ctx, m.NodeID, summary); err != nil {
				return committed, err
			}
			if err := p.records.AttachNodeRef(ctx, m.RecordID, m.NodeID); err != nil {
				return committed, err
			}
		case MutationPromoteRecord:
			rec, err := p.records.Read(ctx, m.RecordID)
			if err != nil {
				return committed, err
			}
			newConfidence := clampConfidence(rec.Confidence + 10)
			if err := p.records.UpdateMetadata(ctx, m.RecordID, record.MetadataPatch{Confidence: &newConfidence}); err != nil {
				return committed, err
			}
			if err := p.records.Relocate(ctx, m.RecordID, record.Tier(m.NewTier), ""); err != nil {
				return committed, err
			}
		case MutationCreateAssociation:
			if err := p.graph.AddAssociation(ctx, m.SourceID, m.TargetID, m.Relation, m.Weight); err != nil {
				return committed, err
			}
		}
		committed = append(committed, m)
	}
	return committed, nil
}

func clampConfidence(c int) int {
	if c > 100 {
		return 100
	}
	if c < 0 {
		return 0
	}
	return c
}

func buildQuestionPrompt(task TaskType) string {
	return fmt.Sprintf("task=%s: select record/node paths warranting attention", task)
}

func buildAnalysisPrompt(task TaskType, selected []string) string {
	return fmt.Sprintf("task=%s analyze: %s", task, strings.Join(selected, ","))
}

func buildReviewPrompt(analysis string) string {
	return "review finding: " + analysis
}

func buildOrganizePrompt(task TaskType, analysis string) string {
	return fmt.Sprintf("task=%s organize plan from: %s", task, analysis)
}

// parseVerdict reads the first line of resp as the review verdict; any
// remaining lines are the reason/annotation. An unparseable or missing
// verdict is treated as fail-fatal — an unreadable review result commits
// nothing, matching §7's "abort without partial effect" policy for
// integrity-sensitive decisions.
func parseVerdict(resp string) (Verdict, string) {
	lines := splitNonEmpty(resp)
	if len(lines) == 0 {
		return VerdictFailFatal, "empty review response"
	}
	v := Verdict(strings.TrimSpace(lines[0]))
	switch v {
	case VerdictPass, VerdictFailMinor, VerdictFailMajor, VerdictFailFatal:
		reason := ""
		if len(lines) > 1 {
			reason = strings.Join(lines[1:], " ")
		}
		return v, reason
	default:
		return VerdictFailFatal, fmt.Sprintf("unrecognized verdict %q", lines[0])
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (p *Pipeline) reportRounds(stage string, rounds int) {
	if p.observeRounds != nil {
		p.observeRounds(stage, rounds)
	}
}

func (p *Pipeline) logEvent(kind cogstore.EventKind, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	_ = p.events.Append(kind, data)
}
