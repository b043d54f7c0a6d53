// Package coordinator implements the Coordinator: it owns the exchange
// counters and idle timer, sequences one foreground cycle at a time through
// the Concept Sandbox, dispatches the external model's tool commands
// against the Record Store / Retrieval Engine / Concept Graph Store, and
// feeds the Maintenance Pipeline's trigger rules every Nth cycle. Adapted
// from the top-level convenience-wrapper entry point this module is
// grounded on — a single struct that owns every subsystem and exposes one
// blocking call per exchange — generalized here to the six-step cycle of
// §4.7 and the single-foreground/single-background scheduling discipline
// of §5.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abyssac/cogmem/internal/cogerr"
	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/index"
	"github.com/abyssac/cogmem/internal/maintenance"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/protocol"
	"github.com/abyssac/cogmem/internal/record"
	"github.com/abyssac/cogmem/internal/retrieval"
	"github.com/abyssac/cogmem/internal/sandbox"
	cogstore "github.com/abyssac/cogmem/internal/store"
	"github.com/abyssac/cogmem/internal/telemetry"
)

// Config bounds the Coordinator's cycle cadence and defaults, per §6's
// configuration names that are the Coordinator's concern rather than any
// one store's.
type Config struct {
	// SelfRatingEvery is N in "every Nth cycle, compute the self-rating".
	SelfRatingEvery int
	// DefaultNewRecordConfidence seeds working-memory records created
	// for each exchange.
	DefaultNewRecordConfidence int
	// WorkingMaxAge bounds tier-3 record age before cleanup eligibility.
	WorkingMaxAge time.Duration
	Trigger       maintenance.TriggerConfig
	Picker        maintenance.Picker
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		SelfRatingEvery:            10,
		DefaultNewRecordConfidence: 70,
		WorkingMaxAge:              24 * time.Hour,
		Trigger:                    maintenance.DefaultTriggerConfig(),
		Picker:                     nil, // maintenance.SelectTask falls back to FirstPicker
	}
}

// CycleResult is everything one RunCycle call produced.
type CycleResult struct {
	Bundle             *sandbox.Bundle
	SandboxLog         []sandbox.LogEntry
	Reply              string
	Command            *protocol.Command
	CommandResponse    *protocol.Response
	WorkingRecordID    string
	SelfRating         *SelfRating
	MaintenanceOutcome *maintenance.Outcome
}

// Coordinator sequences exchanges and owns the counters named in §4.7.
type Coordinator struct {
	// cycleMu enforces "one foreground cycle at a time" (§5): the
	// Coordinator processes one exchange start-to-end before accepting
	// the next.
	cycleMu sync.Mutex

	records  *record.Store
	graph    *graph.Store
	idx      *index.Index
	engine   *retrieval.Engine
	box      *sandbox.Sandbox
	pipeline *maintenance.Pipeline
	reply    planner.ModelPlanner

	cfg    Config
	logger *zap.Logger
	events *cogstore.EventLog
	now    func() time.Time

	countersMu     sync.Mutex
	sessionCount   int
	navFailCounter int
	lastActivity   time.Time
	cycleCount     int

	maintMu      sync.Mutex
	maintRunning bool

	telemetry *telemetry.Collector
}

// SetTelemetry wires a metrics collector. Optional: a Coordinator with no
// collector attached records no metrics, matching §6's telemetry surface
// being ambient rather than required for correctness.
func (c *Coordinator) SetTelemetry(t *telemetry.Collector) {
	c.telemetry = t
}

// New wires a Coordinator over already-constructed stores and planners.
// replyModel drives cycle step 3 (hand the bundle + utterance to the
// external model); it is a distinct ModelPlanner from the one driving the
// Sandbox's S1/S2 loops and the Maintenance Pipeline's five stages,
// matching §4.7's "external model" being the chat-facing model rather than
// the Sandbox's internal navigation planner.
func New(
	records *record.Store,
	g *graph.Store,
	idx *index.Index,
	engine *retrieval.Engine,
	box *sandbox.Sandbox,
	pipeline *maintenance.Pipeline,
	replyModel planner.ModelPlanner,
	cfg Config,
	logger *zap.Logger,
	events *cogstore.EventLog,
	now func() time.Time,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.SelfRatingEvery <= 0 {
		cfg.SelfRatingEvery = 10
	}
	return &Coordinator{
		records: records, graph: g, idx: idx, engine: engine, box: box,
		pipeline: pipeline, reply: replyModel, cfg: cfg,
		logger: logger.With(zap.String("component", "coordinator")),
		events: events, now: now, lastActivity: now(),
	}
}

// NavFailCounter increments the Coordinator's nav_fail_counter. Passed to
// sandbox.New as the navFailCounter callback so S1's unresolved paths keep
// this counter current.
func (c *Coordinator) NavFailCounter() {
	c.countersMu.Lock()
	c.navFailCounter++
	c.countersMu.Unlock()
	if c.telemetry != nil {
		c.telemetry.IncNavFail()
	}
}

// ObserveStageRounds forwards a Sandbox or Maintenance stage's round count
// to the attached telemetry Collector, if any. Passed to sandbox.New and
// maintenance.New as their observeRounds callback.
func (c *Coordinator) ObserveStageRounds(stage string, rounds int) {
	if c.telemetry != nil {
		c.telemetry.ObserveStageRounds(stage, rounds)
	}
}

// RunCycle drives one exchange through the six steps of §4.7. Only one
// cycle runs at a time; a concurrent caller blocks until the active cycle
// finishes, matching §5's "new requests are queued" policy.
func (c *Coordinator) RunCycle(ctx context.Context, utterance string) (CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	cycleStart := c.now()
	outcome := "done"
	defer func() {
		if c.telemetry != nil {
			c.telemetry.ObserveCycle(outcome, c.now().Sub(cycleStart))
		}
	}()

	idle := c.touchActivity()
	c.countersMu.Lock()
	c.sessionCount++
	c.countersMu.Unlock()

	navFailsBefore := c.navFailSnapshot()

	result, err := c.box.Run(ctx, utterance)
	if err != nil {
		if cogerr.Is(err, cogerr.KindBudgetExceeded) {
			outcome = "budget_exceeded"
		} else {
			outcome = "failed"
		}
		return CycleResult{}, err
	}
	if result.State == sandbox.StateFailed {
		outcome = "failed"
	}

	cr := CycleResult{Bundle: result.Bundle, SandboxLog: result.Log}

	replyResp, err := c.reply.Plan(ctx, planner.Request{Stage: "reply", Prompt: buildReplyPrompt(result.Bundle, utterance)})
	if err != nil {
		outcome = "failed"
		return cr, cogerr.ModelProtocolError("coordinator.RunCycle", err)
	}

	if cmd, ok := tryParseCommand(replyResp.Output); ok {
		cr.Command = &cmd
		resp := c.dispatch(ctx, cmd)
		cr.CommandResponse = &resp
	} else {
		cr.Reply = replyResp.Output
	}

	recID, err := c.appendWorkingMemory(ctx, utterance, cr)
	if err != nil {
		return cr, err
	}
	cr.WorkingRecordID = recID

	c.countersMu.Lock()
	c.cycleCount++
	due := c.cycleCount%c.cfg.SelfRatingEvery == 0
	cycleNo := c.cycleCount
	c.countersMu.Unlock()

	if due {
		navFailsThisCycle := c.navFailSnapshot() - navFailsBefore
		rating := c.computeSelfRating(result, navFailsThisCycle)
		cr.SelfRating = &rating
		c.logger.Debug("self-rating computed", zap.Int("cycle", cycleNo), zap.Float64("score", rating.Score()))
		if c.telemetry != nil {
			c.telemetry.ObserveSelfRating(rating.Score())
			c.telemetry.SetIndexSize(record.TierWorking.String(), len(c.idx.ByTier(record.TierWorking)))
		}

		backlog := len(c.idx.ByTier(record.TierWorking))
		task, fire := maintenance.SelectTask(c.cfg.Trigger, int(idle.Seconds()), backlog, c.navFailSnapshot(), c.cfg.Picker)
		if fire {
			cr.MaintenanceOutcome = c.runMaintenanceAsync(task)
		}
	}

	return cr, nil
}

// touchActivity returns the idle duration since the previous activity and
// resets last_activity to now, per §4.7's "idle_ms resets on any activity".
func (c *Coordinator) touchActivity() time.Duration {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	now := c.now()
	idle := now.Sub(c.lastActivity)
	c.lastActivity = now
	return idle
}

func (c *Coordinator) navFailSnapshot() int {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	return c.navFailCounter
}

// runMaintenanceAsync fires task on a background goroutine, guarded so at
// most one maintenance task runs at a time (§5). If one is already
// running, the trigger is dropped — it will very likely fire again on the
// next Nth cycle.
func (c *Coordinator) runMaintenanceAsync(task maintenance.TaskType) *maintenance.Outcome {
	c.maintMu.Lock()
	if c.maintRunning {
		c.maintMu.Unlock()
		c.logger.Debug("maintenance trigger dropped, task already running", zap.String("task", string(task)))
		return nil
	}
	c.maintRunning = true
	c.maintMu.Unlock()

	go func() {
		start := c.now()
		defer func() {
			c.maintMu.Lock()
			c.maintRunning = false
			c.maintMu.Unlock()
		}()
		outcome, err := c.pipeline.Run(context.Background(), task)
		if err != nil {
			c.logger.Warn("maintenance run failed", zap.String("task", string(task)), zap.Error(err))
		}
		if c.telemetry != nil {
			c.telemetry.ObserveMaintenance(string(task), string(outcome.Verdict), c.now().Sub(start))
		}
	}()

	// The cycle does not block on maintenance completing (it runs as its
	// own background task per §5); report that it was triggered without
	// its eventual verdict.
	return &maintenance.Outcome{Task: task, Verdict: "" /* pending, runs async */}
}

// appendWorkingMemory records the exchange as a tier-3 record and indexes
// it, per §4.7 step 5.
func (c *Coordinator) appendWorkingMemory(ctx context.Context, utterance string, cr CycleResult) (string, error) {
	content := utterance
	if cr.Reply != "" {
		content = utterance + "\n" + cr.Reply
	}
	id, err := c.records.Create(ctx, content, record.TierWorking, "", "", nil, "exchange", c.cfg.DefaultNewRecordConfidence)
	if err != nil {
		return "", err
	}
	rec, err := c.records.Read(ctx, id)
	if err == nil {
		c.idx.Index(rec)
	}
	return id, nil
}

// computeSelfRating derives the seven dimensions from cycle observables.
// Grounded on §9's open question: the dimensions are intentionally simple,
// deterministic functions of the bundle and nav-fail delta rather than
// another model call — only Score() crosses the package boundary.
func (c *Coordinator) computeSelfRating(result sandbox.Result, navFailsThisCycle int) SelfRating {
	bundle := result.Bundle
	if bundle == nil {
		return SelfRating{}
	}

	levelScore := map[string]float64{"high": 1.0, "medium": 0.6, "low": 0.3}[bundle.ConfidenceAssessment.Level]

	coreCount := len(bundle.MemoryGroups.CoreGroup)
	supportCount := len(bundle.MemoryGroups.SupportGroup)
	totalGroups := coreCount + supportCount + len(bundle.MemoryGroups.ContrastGroup)

	completeness := clamp01(1 - float64(len(bundle.Gaps.KnownButNotLoaded))/float64(max1(totalGroups+1)))
	navQuality := clamp01(1 / float64(1+navFailsThisCycle))
	relevance := clamp01(float64(coreCount) / float64(max1(totalGroups)))
	consistency := clamp01(1 - float64(len(bundle.Gaps.NeedsClarification))/float64(max1(totalGroups+1)))

	return SelfRating{
		relevance:           relevance,
		completeness:        completeness,
		navigationQuality:   navQuality,
		confidenceAlignment: clamp01(levelScore),
		noveltyHandling:     clamp01(float64(supportCount) / float64(max1(totalGroups))),
		consistency:         consistency,
		userSignal:          0.5, // no chat-surface feedback channel exists yet; neutral.
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// dispatch executes one external command against the backing stores and
// returns the uniform {status, action, message?, data?} response.
// Dispatch runs a single protocol command outside the exchange cycle —
// the entry point the daemon's admin HTTP /backup and /cleanup handlers
// call directly (the CLI reaches them over HTTP).
func (c *Coordinator) Dispatch(ctx context.Context, cmd protocol.Command) protocol.Response {
	return c.dispatch(ctx, cmd)
}

func (c *Coordinator) dispatch(ctx context.Context, cmd protocol.Command) protocol.Response {
	switch cmd.Action {
	case protocol.ActionStoreMemory:
		return c.dispatchStoreMemory(ctx, cmd)
	case protocol.ActionRetrieveMemory:
		return c.dispatchRetrieveMemory(ctx, cmd)
	case protocol.ActionCreateAssociation:
		return c.dispatchCreateAssociation(ctx, cmd)
	case protocol.ActionGetStatus:
		return protocol.OK(cmd.Action, c.Status())
	case protocol.ActionCleanup:
		return c.dispatchCleanup(ctx, cmd)
	case protocol.ActionBackup:
		return c.dispatchBackup(ctx, cmd)
	default:
		return protocol.Err(cmd.Action, fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

func (c *Coordinator) dispatchStoreMemory(ctx context.Context, cmd protocol.Command) protocol.Response {
	p, err := cmd.DecodeStoreMemory()
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	tier := record.Tier(p.Tier)
	if !tier.Valid() {
		return protocol.Err(cmd.Action, "invalid tier")
	}
	id, err := c.records.Create(ctx, p.Content, tier, p.Category, p.Subcategory, p.Tags, "external", c.cfg.DefaultNewRecordConfidence)
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	rec, err := c.records.Read(ctx, id)
	if err == nil {
		c.idx.Index(rec)
	}
	return protocol.OK(cmd.Action, map[string]string{"record_id": id})
}

func (c *Coordinator) dispatchRetrieveMemory(ctx context.Context, cmd protocol.Command) protocol.Response {
	p, err := cmd.DecodeRetrieveMemory()
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	q := retrieval.Query{Text: p.Query, Category: p.Category, Limit: p.Limit}
	if p.Tier != nil {
		t := record.Tier(*p.Tier)
		q.Tier = &t
	}
	hits, err := c.engine.Retrieve(ctx, q)
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	return protocol.OK(cmd.Action, hits)
}

func (c *Coordinator) dispatchCreateAssociation(ctx context.Context, cmd protocol.Command) protocol.Response {
	p, err := cmd.DecodeCreateAssociation()
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	if err := c.graph.AddAssociation(ctx, p.SourceID, p.TargetID, p.Relation, p.Weight); err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	return protocol.OK(cmd.Action, nil)
}

// Status is the get_status response payload.
type Status struct {
	SessionCount   int   `json:"session_count"`
	NavFailCounter int   `json:"nav_fail_counter"`
	IdleMs         int64 `json:"idle_ms"`
	LastActivity   int64 `json:"last_activity"`
	RecordCount    int   `json:"record_count"`
}

// Status snapshots the Coordinator's owned counters, per §4.7.
func (c *Coordinator) Status() Status {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	return Status{
		SessionCount:   c.sessionCount,
		NavFailCounter: c.navFailCounter,
		IdleMs:         c.now().Sub(c.lastActivity).Milliseconds(),
		LastActivity:   c.lastActivity.Unix(),
		RecordCount:    c.idx.Count(),
	}
}

// dispatchCleanup runs the working-memory cleanup sweep: tier-3 records
// older than WorkingMaxAge and never accessed are deleted, per the
// lifecycle note in §3 and the "walk the file listing, not the index"
// policy of §5.
func (c *Coordinator) dispatchCleanup(ctx context.Context, cmd protocol.Command) protocol.Response {
	entries, err := c.records.WalkTierFiles(record.TierWorking)
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	cutoff := c.now().Add(-c.cfg.WorkingMaxAge)
	var deleted []string
	for _, e := range entries {
		rec, err := c.records.Read(ctx, e.ID)
		if err == nil && rec.LastAccessedAt != nil {
			continue // accessed records are never swept regardless of age
		}
		if e.ModTime.After(cutoff) {
			continue
		}
		if err := c.records.ForceDelete(ctx, e); err != nil {
			continue
		}
		c.idx.Unindex(e.ID)
		deleted = append(deleted, e.ID)
	}
	return protocol.OK(cmd.Action, map[string]interface{}{"deleted": deleted, "deleted_count": len(deleted)})
}

// dispatchBackup copies the Record Store's root (which, as the daemon wires
// it, also holds graph/) into backups/<timestamp>-<suffix>/ via BackupTree,
// per §6's on-disk layout. Adapted from the write-to-temp-then-rename
// atomic-write discipline used throughout the stores: each file is copied
// to a temp path in the destination tree and renamed into place.
func (c *Coordinator) dispatchBackup(ctx context.Context, cmd protocol.Command) protocol.Response {
	if err := ctx.Err(); err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	dest, err := BackupTree(c.records.RootDir(), c.now())
	if err != nil {
		return protocol.Err(cmd.Action, err.Error())
	}
	return protocol.OK(cmd.Action, map[string]string{"path": dest})
}

// BackupTree copies root into root/backups/<id>/, skipping the backups
// directory itself. The id is the backup's timestamp plus a short uuid
// suffix, so two backups triggered within the same second never collide.
// Exported so it can be called without a live Coordinator; within this
// module only dispatchBackup calls it.
func BackupTree(root string, now time.Time) (string, error) {
	id := now.Format("20060102150405") + "-" + uuid.NewString()[:8]
	dest := filepath.Join(root, "backups", id)
	if err := copyTree(root, dest, "backups"); err != nil {
		return "", err
	}
	return dest, nil
}

// RestoreTree overwrites root with the contents of root/backups/<id>/, the
// inverse of BackupTree. This must run before any Store/Coordinator opens
// root — it writes directly to disk and does not update any in-memory
// index, so cmd/cogmem's restore subcommand runs it against a stopped
// daemon, never a live one.
func RestoreTree(root, id string) error {
	src := filepath.Join(root, "backups", id)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return fmt.Errorf("no backup found at %s", src)
	}
	return copyTree(src, root, "backups")
}

// copyTree copies src into dst, skipping any top-level entry named skip
// (so a backup never recurses into its own backups/ directory).
func copyTree(src, dst, skip string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if parts := strings.Split(rel, string(filepath.Separator)); len(parts) > 0 && parts[0] == skip {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// buildReplyPrompt assembles the chat-model prompt from the context
// bundle and the raw utterance, per §6's "reply bundle" contract: the
// bundle is handed to the model verbatim alongside the utterance.
func buildReplyPrompt(bundle *sandbox.Bundle, utterance string) string {
	if bundle == nil {
		return utterance
	}
	return fmt.Sprintf("utterance: %s\nintent: %s\npath: %s", utterance, bundle.Intent, strings.Join(bundle.Path, "."))
}

// tryParseCommand reports whether output is a well-formed JSON command
// envelope; free text that happens to start with '{' but does not parse
// is treated as a reply, not an error, per §6's "tool-command or free
// text" contract.
func tryParseCommand(output string) (protocol.Command, bool) {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return protocol.Command{}, false
	}
	cmd, err := protocol.ParseCommand([]byte(trimmed))
	if err != nil {
		return protocol.Command{}, false
	}
	return cmd, true
}
