package maintenance

// TaskType is one of the five maintenance tasks, per §4.6. Exactly one
// runs per pipeline invocation.
type TaskType string

const (
	TaskIntegrateWorking    TaskType = "integrate_working"
	TaskDiscoverAssociations TaskType = "discover_associations"
	TaskBiasAudit           TaskType = "bias_audit"
	TaskRehearseStrategy    TaskType = "rehearse_strategy"
	TaskReorganizeConcepts  TaskType = "reorganize_concepts"
)

// AllTasks enumerates every task; it is the candidate list SelectTask
// hands to the Picker when only the idle trigger fired.
var AllTasks = []TaskType{
	TaskIntegrateWorking,
	TaskDiscoverAssociations,
	TaskBiasAudit,
	TaskRehearseStrategy,
	TaskReorganizeConcepts,
}

// Verdict is the Review stage's outcome.
type Verdict string

const (
	VerdictPass      Verdict = "pass"
	VerdictFailMinor Verdict = "fail-minor"
	VerdictFailMajor Verdict = "fail-major"
	VerdictFailFatal Verdict = "fail-fatal"
)

// TriggerConfig names the periodic trigger thresholds from §4.6/§6.
type TriggerConfig struct {
	IdleTrigger     int // seconds
	BacklogThreshold int
	NavFailThreshold int
}

// DefaultTriggerConfig returns spec-mandated defaults.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{IdleTrigger: 180, BacklogThreshold: 10, NavFailThreshold: 3}
}

// Picker selects a task from the candidates when only the idle trigger
// fired. The only Picker this module ships is FirstPicker, which is also
// the fallback for a nil Picker; no weighted-random picker exists, so an
// idle-only trigger always runs integrate_working unless the caller
// supplies its own Picker.
type Picker func(candidates []TaskType) TaskType

// FirstPicker always returns candidates[0]; used by tests and as a
// harmless deterministic default when no randomness source is wired.
func FirstPicker(candidates []TaskType) TaskType {
	return candidates[0]
}

// SelectTask evaluates §4.6's three trigger conditions in priority order
// (backlog and nav-fail are deterministic task choices; idle alone falls
// through to pick) and reports whether a maintenance run should start.
func SelectTask(cfg TriggerConfig, idleSeconds, workingBacklog, navFailCounter int, pick Picker) (TaskType, bool) {
	if workingBacklog >= cfg.BacklogThreshold {
		return TaskIntegrateWorking, true
	}
	if navFailCounter >= cfg.NavFailThreshold {
		return TaskBiasAudit, true
	}
	if idleSeconds >= cfg.IdleTrigger {
		if pick == nil {
			pick = FirstPicker
		}
		return pick(AllTasks), true
	}
	return "", false
}
