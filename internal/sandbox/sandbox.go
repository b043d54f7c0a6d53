// Package sandbox implements the Concept Sandbox: a three-stage retrieval
// planner (concept-location, record-selection, bundle-assembly) driven by
// an external ModelPlanner for its first two stages. Adapted from the
// pluggable strategy-chain pattern this module is grounded on — a
// `ShouldX`/`X` pair per strategy generalizes here to a per-stage prompt
// builder plus response interpreter, looped under the same round/size caps
// used by the reference stage-prompt loop this behavior is grounded on.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abyssac/cogmem/internal/cogerr"
	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/record"
	cogstore "github.com/abyssac/cogmem/internal/store"
)

// State is one of the sandbox's five states.
type State string

const (
	StateS1Nav  State = "S1_NAV"
	StateS2Pick State = "S2_PICK"
	StateS3Asm  State = "S3_ASM"
	StateDone   State = "DONE"
	StateFailed State = "FAILED"
)

// LogEntry is one per-stage diagnostic record, per §4.5's logging contract.
type LogEntry struct {
	Stage     State     `json:"stage"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // input | output | system | error
	Paths     []string  `json:"paths,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Config bounds the sandbox's loops and total budget, per §6's configuration
// names.
type Config struct {
	MaxRoundsPerStage    int
	MaxNodesPerRequest   int
	MaxRecordsPerRequest int
	ModelTimeout         time.Duration
	Budget               time.Duration
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRoundsPerStage:    5,
		MaxNodesPerRequest:   200,
		MaxRecordsPerRequest: 100,
		ModelTimeout:         30 * time.Second,
		Budget:               60 * time.Second,
	}
}

// Sandbox runs one retrieval cycle at a time; it is not safe for concurrent
// Run calls (the Coordinator serializes at most one foreground cycle, §5).
type Sandbox struct {
	graph   *graph.Store
	records *record.Store
	plan    planner.ModelPlanner
	cfg     Config
	logger  *zap.Logger
	events  *cogstore.EventLog
	now     func() time.Time

	navFailCounter func()
	observeRounds  func(stage string, rounds int)
}

// New constructs a Sandbox. navFailCounter, if non-nil, is invoked once per
// unresolved path during S1 so the Coordinator's nav_fail_counter (§4.7)
// stays current. observeRounds, if non-nil, is invoked once per stage after
// that stage's loop exits, reporting how many rounds it took.
func New(g *graph.Store, r *record.Store, plan planner.ModelPlanner, cfg Config, logger *zap.Logger, events *cogstore.EventLog, now func() time.Time, navFailCounter func(), observeRounds func(stage string, rounds int)) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Sandbox{
		graph: g, records: r, plan: plan, cfg: cfg,
		logger: logger.With(zap.String("component", "sandbox")),
		events: events, now: now, navFailCounter: navFailCounter, observeRounds: observeRounds,
	}
}

func (s *Sandbox) reportRounds(stage string, rounds int) {
	if s.observeRounds != nil {
		s.observeRounds(stage, rounds)
	}
}

// Result is the outcome of one Run call.
type Result struct {
	State  State
	Bundle *Bundle
	Log    []LogEntry
}

// Run drives S1 → S2 → S3 for one user utterance.
func (s *Sandbox) Run(ctx context.Context, utterance string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	var diag []LogEntry
	log := func(e LogEntry) {
		e.Timestamp = s.now()
		diag = append(diag, e)
		s.logEvent(cogstore.EventStageBegin, e)
	}

	nodes, navFails, err := s.runS1(ctx, utterance, log)
	if err != nil {
		return Result{State: StateFailed, Log: diag}, err
	}
	// A single model call's own timeout is swallowed inside callModel as an
	// empty response, so runS1/runS2 never surface it as an error — check
	// the outer Budget deadline directly rather than relying on one.
	if ctx.Err() != nil {
		return Result{State: StateFailed, Log: diag}, cogerr.BudgetExceeded("sandbox.Run", ctx.Err())
	}

	recs, err := s.runS2(ctx, nodes, log)
	if err != nil {
		return Result{State: StateFailed, Log: diag}, err
	}
	if ctx.Err() != nil {
		return Result{State: StateFailed, Log: diag}, cogerr.BudgetExceeded("sandbox.Run", ctx.Err())
	}

	bundle := s.runS3(utterance, nodes, recs, navFails)
	log(LogEntry{Stage: StateS3Asm, Type: "output", Note: "bundle assembled"})

	return Result{State: StateDone, Bundle: bundle, Log: diag}, nil
}

// runS1 drives the concept-location loop.
func (s *Sandbox) runS1(ctx context.Context, utterance string, log func(LogEntry)) ([]*graph.Node, []string, error) {
	collected := make(map[string]*graph.Node)
	order := []string{}
	var navFails []string

	state := utterance
	round := 1
	for ; round <= s.cfg.MaxRoundsPerStage; round++ {
		if len(collected) >= s.cfg.MaxNodesPerRequest {
			break
		}

		log(LogEntry{Stage: StateS1Nav, Round: round, Type: "input", Note: state})

		resp, err := s.callModel(ctx, "s1_nav", state)
		if err != nil {
			log(LogEntry{Stage: StateS1Nav, Round: round, Type: "error", Note: err.Error()})
			break
		}

		paths := splitLines(resp.Output)
		if len(paths) == 0 {
			log(LogEntry{Stage: StateS1Nav, Round: round, Type: "output", Note: "no paths returned"})
			break
		}
		log(LogEntry{Stage: StateS1Nav, Round: round, Type: "output", Paths: paths})

		for _, p := range paths {
			if _, ok := collected[p]; ok {
				continue
			}
			node, err := s.graph.ReadNode(ctx, p)
			if err != nil {
				navFails = append(navFails, p)
				if s.navFailCounter != nil {
					s.navFailCounter()
				}
				log(LogEntry{Stage: StateS1Nav, Round: round, Type: "error", Paths: []string{p}, Note: "unresolved path"})
				continue
			}
			collected[p] = node
			order = append(order, p)
			if len(collected) >= s.cfg.MaxNodesPerRequest {
				break
			}
		}

		state = utterance + "\nvisited: " + strings.Join(order, ",")
	}

	nodes := make([]*graph.Node, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, collected[id])
	}
	s.reportRounds(string(StateS1Nav), min(round, s.cfg.MaxRoundsPerStage))
	return nodes, navFails, nil
}

// runS2 drives the record-selection loop over collected nodes' summaries.
func (s *Sandbox) runS2(ctx context.Context, nodes []*graph.Node, log func(LogEntry)) ([]*record.Record, error) {
	candidates := make(map[string]struct{})
	for _, n := range nodes {
		for _, ms := range n.MemorySummaries {
			candidates[ms.RecordID] = struct{}{}
		}
	}

	collected := make(map[string]*record.Record)
	order := []string{}
	prompt := summarizeCandidates(candidates)

	round := 1
	for ; round <= s.cfg.MaxRoundsPerStage; round++ {
		if len(collected) >= s.cfg.MaxRecordsPerRequest {
			break
		}

		log(LogEntry{Stage: StateS2Pick, Round: round, Type: "input", Note: prompt})

		resp, err := s.callModel(ctx, "s2_pick", prompt)
		if err != nil {
			log(LogEntry{Stage: StateS2Pick, Round: round, Type: "error", Note: err.Error()})
			break
		}

		paths := splitLines(resp.Output)
		if len(paths) == 0 {
			log(LogEntry{Stage: StateS2Pick, Round: round, Type: "output", Note: "no records returned"})
			break
		}
		log(LogEntry{Stage: StateS2Pick, Round: round, Type: "output", Paths: paths})

		for _, id := range paths {
			if _, ok := collected[id]; ok {
				continue
			}
			rec, err := s.records.Read(ctx, id)
			if err != nil {
				log(LogEntry{Stage: StateS2Pick, Round: round, Type: "error", Paths: []string{id}, Note: "unresolved record"})
				continue
			}
			collected[id] = rec
			order = append(order, id)
			if len(collected) >= s.cfg.MaxRecordsPerRequest {
				break
			}
		}
		prompt = "remaining candidates: " + strings.Join(keysMinus(candidates, order), ",")
	}

	recs := make([]*record.Record, 0, len(order))
	for _, id := range order {
		recs = append(recs, collected[id])
	}
	s.reportRounds(string(StateS2Pick), min(round, s.cfg.MaxRoundsPerStage))
	return recs, nil
}

// runS3 assembles the context bundle deterministically from collected state.
func (s *Sandbox) runS3(utterance string, nodes []*graph.Node, recs []*record.Record, navFails []string) *Bundle {
	path := make([]string, len(nodes))
	concepts := make([]string, 0, len(nodes))
	for i, n := range nodes {
		path[i] = n.ID
		if n.Content != "" {
			concepts = append(concepts, n.Content)
		}
	}

	// ContrastGroup holds records explicitly flagged conflicting (role
	// "conflict"), per §4.5. Nothing in the Record Store or Concept Graph
	// marks one record as conflicting with another — AssociationEdge links
	// concept nodes, not records, and carries no "conflict" relation of its
	// own — so S3 has no signal to sort a record into it; it is always
	// empty until a conflict-marking mechanism exists elsewhere.
	groups := MemoryGroups{}
	var sum float64
	for _, r := range recs {
		entry := MemoryGroupEntry{RecordID: r.ID, Confidence: r.Confidence, Summary: truncate(r.Content, 100)}
		if r.Confidence >= 80 {
			entry.Role = "directly-answers"
			groups.CoreGroup = append(groups.CoreGroup, entry)
		} else {
			entry.Role = "background"
			groups.SupportGroup = append(groups.SupportGroup, entry)
		}
		sum += float64(r.Confidence)
	}

	level := "low"
	basis := "no records loaded"
	if len(recs) > 0 {
		avg := sum / float64(len(recs))
		if len(groups.CoreGroup) >= 1 && avg >= 75 {
			level = "high"
			basis = fmt.Sprintf("%d core record(s), average confidence %.1f", len(groups.CoreGroup), avg)
		} else {
			level = "medium"
			basis = fmt.Sprintf("%d record(s), average confidence %.1f", len(recs), avg)
		}
	}

	var risks []string
	if len(navFails) > 0 {
		risks = append(risks, fmt.Sprintf("%d navigation path(s) could not be resolved", len(navFails)))
	}
	if len(recs) == 0 {
		risks = append(risks, "no supporting records were loaded")
	}

	pathNote := fmt.Sprintf("visited %d node(s)", len(nodes))

	return &Bundle{
		Intent:        classifyIntent(utterance),
		KeyConcepts:   dedup(append(extractDomainTerms(utterance), concepts...)),
		ImplicitNeeds: nil,
		Path:          path,
		PathNote:      pathNote,
		MemoryGroups:  groups,
		Gaps: Gaps{
			KnownButNotLoaded: navFails,
		},
		ConfidenceAssessment: ConfidenceAssessment{Level: level, Basis: basis, Risks: risks},
		ReplyStrategy:        defaultReplyStrategy(level),
	}
}

func (s *Sandbox) callModel(ctx context.Context, stage, prompt string) (planner.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.maxTimeout())
	defer cancel()

	resp, err := s.plan.Plan(callCtx, planner.Request{Stage: stage, Prompt: prompt})
	if err != nil {
		if callCtx.Err() != nil {
			return planner.Response{}, nil // treated as empty output, per §5
		}
		return planner.Response{}, cogerr.ModelProtocolError("sandbox.callModel", err)
	}
	return resp, nil
}

func (s *Sandbox) maxTimeout() time.Duration {
	if s.cfg.ModelTimeout <= 0 {
		return 30 * time.Second
	}
	return s.cfg.ModelTimeout
}

func (s *Sandbox) logEvent(kind cogstore.EventKind, e LogEntry) {
	if s.events == nil {
		return
	}
	_ = s.events.Append(kind, map[string]interface{}{
		"stage": string(e.Stage), "round": e.Round, "type": e.Type, "paths": e.Paths, "note": e.Note,
	})
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func summarizeCandidates(candidates map[string]struct{}) string {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "candidates: " + strings.Join(ids, ",")
}

func keysMinus(candidates map[string]struct{}, taken []string) []string {
	takenSet := make(map[string]struct{}, len(taken))
	for _, t := range taken {
		takenSet[t] = struct{}{}
	}
	var out []string
	for id := range candidates {
		if _, ok := takenSet[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// classifyIntent applies a small keyword rule set. Domain-term matching and
// intent classification are explicitly out of the NLU Non-goal's scope for
// anything beyond this literal rule table.
func classifyIntent(utterance string) string {
	u := strings.ToLower(utterance)
	switch {
	case strings.Contains(u, "what is") || strings.Contains(u, "define"):
		return "define"
	case strings.Contains(u, "why"):
		return "explain-why"
	case strings.Contains(u, "how"):
		return "how-to"
	case strings.Contains(u, "vs") || strings.Contains(u, "compare") || strings.Contains(u, "versus"):
		return "compare"
	default:
		return "fetch-info"
	}
}

// extractDomainTerms supplies the utterance side of key_concepts: it
// lowercases the utterance, splits it on whitespace, trims surrounding
// punctuation and keeps every word of 2+ bytes. It does not use the index
// package's tokenizer (no stopword filter, no top-K cut), and no
// domain-term dictionary applies: every such word counts as a term.
func extractDomainTerms(utterance string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(utterance)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) >= 2 {
			out = append(out, w)
		}
	}
	return out
}

func defaultReplyStrategy(level string) ReplyStrategy {
	switch level {
	case "high":
		return ReplyStrategy{
			RecommendedAngle: []string{"answer directly from core_group"},
			Emphasize:        []string{"high-confidence facts"},
		}
	case "medium":
		return ReplyStrategy{
			RecommendedAngle: []string{"answer with caveats from support_group"},
			BeCautious:       []string{"confidence is not high"},
		}
	default:
		return ReplyStrategy{
			RecommendedAngle: []string{"ask a clarifying question or say the answer is unknown"},
			BeCautious:       []string{"no supporting memory was found"},
		}
	}
}
