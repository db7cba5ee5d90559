package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/syncer"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, cfg.Project.Root)
	assert.Equal(t, DefaultManagedDir, cfg.Project.ManagedDir)
	assert.Equal(t, filepath.Base(wd), cfg.Project.ID)
	assert.Equal(t, string(syncer.StrategyLastWriteWins), cfg.Sync.Strategy)
	assert.Len(t, cfg.Sync.Files, 2)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Empty(t, cfg.Stages)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stagehand.yaml")
	content := `
project:
  id: demo
  root: ` + dir + `
agent:
  command: ["./agent.sh", "--fast"]
retry:
  max_retries: 4
  attempt_timeout: 30s
sync:
  strategy: manual
  files:
    - path: docs/memory.md
      kind: memory
prune:
  keep_per_slot: 3
  min_age: 24h
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.ID)
	assert.Equal(t, []string{"./agent.sh", "--fast"}, cfg.Agent.Command)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Retry.AttemptTimeout)
	assert.Equal(t, string(syncer.StrategyManual), cfg.Sync.Strategy)
	assert.Equal(t, 3, cfg.Prune.KeepPerSlot)
	assert.Equal(t, 24*time.Hour, cfg.Prune.MinAge)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	tracked := cfg.TrackedFiles()
	require.Len(t, tracked, 1)
	assert.Equal(t, filepath.Join(dir, "docs", "memory.md"), tracked[0].Path)
	assert.Equal(t, syncer.KindMemory, tracked[0].Kind)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_LOGGING_LEVEL", "warn")
	t.Setenv("STAGEHAND_SYNC_STRATEGY", "manual")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, string(syncer.StrategyManual), cfg.Sync.Strategy)
}

func TestLoadRootShorthand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STAGEHAND_ROOT", dir)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Project.Root)
	assert.Equal(t, filepath.Join(dir, DefaultManagedDir), cfg.ManagedRoot())
}

func TestLoadRejectsInvalidStrategy(t *testing.T) {
	t.Setenv("STAGEHAND_SYNC_STRATEGY", "coin-flip")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync strategy")
}

func TestLoadRejectsInvalidGateMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stagehand.yaml")
	content := `
stages:
  - name: build
    gate:
      mode: maybe
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate mode")
}

func TestStageSpecsCustomGraph(t *testing.T) {
	cfg := &Config{
		Stages: []StageConfig{
			{
				Name:     "build",
				Produces: "binary",
				Next:     []string{"verify"},
				Gate:     GateConfig{Mode: "soft"},
			},
			{
				Name:     "verify",
				Produces: "report",
				Rollback: "build",
				Gate: GateConfig{
					Mode: "hard",
					Criteria: []CriterionConfig{
						{Metric: "tests_passed", Min: 1, Required: true},
					},
				},
			},
		},
	}

	specs := cfg.StageSpecs()
	machine, err := workflow.NewStateMachine(specs)
	require.NoError(t, err)
	assert.Equal(t, workflow.Stage("build"), machine.First())
	assert.True(t, machine.CanTransition("build", "verify"))
	assert.True(t, machine.CanTransition("verify", "build"))
}

func TestStageSpecsDefaultGraph(t *testing.T) {
	cfg := &Config{}
	specs := cfg.StageSpecs()
	require.NotEmpty(t, specs)
	assert.Equal(t, workflow.StageRequirements, specs[0].Name)
}

func TestStageParams(t *testing.T) {
	cfg := &Config{
		Agent: AgentConfig{
			Params: map[string]map[string]string{
				"coding": {"linter": "golangci-lint"},
			},
		},
	}
	params := cfg.StageParams()
	require.Contains(t, params, workflow.StageCoding)
	assert.Equal(t, "golangci-lint", params[workflow.StageCoding]["linter"])
}
