package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Sandbox.MaxRoundsPerStage)
	assert.Equal(t, 200, cfg.Sandbox.MaxNodesPerRequest)
	assert.Equal(t, 100, cfg.Sandbox.MaxRecordsPerRequest)
	assert.Equal(t, 30, cfg.Sandbox.ModelTimeoutSeconds)
	assert.Equal(t, 60, cfg.Sandbox.SandboxBudgetSeconds)

	assert.Equal(t, 86400, cfg.Maintenance.WorkingMaxAgeSeconds)
	assert.Equal(t, 180, cfg.Maintenance.IdleTriggerSeconds)
	assert.Equal(t, 10, cfg.Maintenance.BacklogThreshold)
	assert.Equal(t, 3, cfg.Maintenance.NavFailThreshold)

	assert.Equal(t, 30, cfg.Confidence.DisplayThreshold)
	assert.Equal(t, 10, cfg.Confidence.DeleteThreshold)
	assert.Equal(t, 70, cfg.Confidence.DefaultNew)

	assert.Equal(t, 10, cfg.Coordinator.SelfRatingEvery)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "", cfg.Planner.Endpoint)
}

func TestLoaderLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 5, cfg.Sandbox.MaxRoundsPerStage)
	assert.Equal(t, 10, cfg.Maintenance.BacklogThreshold)
}

func TestLoaderLoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
record_root: /var/lib/cogmem/records
sandbox:
  max_rounds_per_stage: 8
  max_nodes_per_request: 64
maintenance:
  backlog_threshold: 4
  navfail_threshold: 1
confidence:
  confidence_default_new: 50
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cogmem/records", cfg.RecordRoot)
	assert.Equal(t, 8, cfg.Sandbox.MaxRoundsPerStage)
	assert.Equal(t, 64, cfg.Sandbox.MaxNodesPerRequest)
	assert.Equal(t, 100, cfg.Sandbox.MaxRecordsPerRequest) // untouched, keeps default
	assert.Equal(t, 4, cfg.Maintenance.BacklogThreshold)
	assert.Equal(t, 1, cfg.Maintenance.NavFailThreshold)
	assert.Equal(t, 50, cfg.Confidence.DefaultNew)
}

func TestLoaderMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Sandbox.MaxRoundsPerStage)
}

func TestLoaderEnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
record_root: /var/lib/cogmem/records
sandbox:
  max_rounds_per_stage: 8
maintenance:
  backlog_threshold: 4
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	t.Setenv("COGMEM_SANDBOX_MAX_ROUNDS_PER_STAGE", "9")
	t.Setenv("COGMEM_MAINTENANCE_BACKLOG_THRESHOLD", "2")
	t.Setenv("COGMEM_RECORD_ROOT", "/tmp/cogmem")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Sandbox.MaxRoundsPerStage)
	assert.Equal(t, 2, cfg.Maintenance.BacklogThreshold)
	assert.Equal(t, "/tmp/cogmem", cfg.RecordRoot)
}

func TestLoaderCustomEnvPrefix(t *testing.T) {
	t.Setenv("MYPREFIX_SANDBOX_MAX_ROUNDS_PER_STAGE", "3")

	cfg, err := NewLoader().WithEnvPrefix("MYPREFIX").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sandbox.MaxRoundsPerStage)
}

func TestValidateRejectsInvertedConfidenceThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Confidence.DeleteThreshold = 40
	cfg.Confidence.DisplayThreshold = 30

	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestSandboxSettingsConvertsSecondsToDuration(t *testing.T) {
	cfg := DefaultConfig()
	settings := cfg.SandboxSettings()

	assert.Equal(t, 30*time.Second, settings.ModelTimeout)
	assert.Equal(t, 60*time.Second, settings.Budget)
	assert.Equal(t, cfg.Sandbox.MaxRoundsPerStage, settings.MaxRoundsPerStage)
}

func TestTriggerSettingsConvertsFieldNames(t *testing.T) {
	cfg := DefaultConfig()
	trigger := cfg.TriggerSettings()

	assert.Equal(t, cfg.Maintenance.IdleTriggerSeconds, trigger.IdleTrigger)
	assert.Equal(t, cfg.Maintenance.BacklogThreshold, trigger.BacklogThreshold)
	assert.Equal(t, cfg.Maintenance.NavFailThreshold, trigger.NavFailThreshold)
}

func TestCoordinatorSettingsConvertsWorkingMaxAge(t *testing.T) {
	cfg := DefaultConfig()
	coordCfg := cfg.CoordinatorSettings()

	assert.Equal(t, 24*time.Hour, coordCfg.WorkingMaxAge)
	assert.Equal(t, cfg.Confidence.DefaultNew, coordCfg.DefaultNewRecordConfidence)
	assert.Equal(t, cfg.Coordinator.SelfRatingEvery, coordCfg.SelfRatingEvery)
}

func TestLoadWithValidatorRejectsBadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("coordinator:\n  self_rating_every: 0\n"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).WithValidator((*Config).Validate).Load()
	require.Error(t, err)
}
