package maintenance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectTaskPrioritizesBacklogOverIdle(t *testing.T) {
	t.Parallel()
	cfg := DefaultTriggerConfig()
	task, fire := SelectTask(cfg, 200, 12, 0, nil)
	require.True(t, fire)
	require.Equal(t, TaskIntegrateWorking, task)
}

func TestSelectTaskPicksBiasAuditOnNavFail(t *testing.T) {
	t.Parallel()
	cfg := DefaultTriggerConfig()
	task, fire := SelectTask(cfg, 0, 0, 5, nil)
	require.True(t, fire)
	require.Equal(t, TaskBiasAudit, task)
}

func TestSelectTaskFallsThroughToIdlePick(t *testing.T) {
	t.Parallel()
	cfg := DefaultTriggerConfig()
	task, fire := SelectTask(cfg, 200, 0, 0, FirstPicker)
	require.True(t, fire)
	require.Equal(t, AllTasks[0], task)
}

func TestSelectTaskNoTriggerFires(t *testing.T) {
	t.Parallel()
	cfg := DefaultTriggerConfig()
	_, fire := SelectTask(cfg, 10, 0, 0, nil)
	require.False(t, fire)
}
