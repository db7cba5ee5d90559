package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stagehand/internal/syncer"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// Config is the full stagehand configuration.
type Config struct {
	Project ProjectConfig `koanf:"project"`
	Agent   AgentConfig   `koanf:"agent"`
	Retry   RetryConfig   `koanf:"retry"`
	Sync    SyncConfig    `koanf:"sync"`
	Prune   PruneConfig   `koanf:"prune"`
	Logging LoggingConfig `koanf:"logging"`

	// Stages overrides the built-in stage graph when non-empty.
	Stages []StageConfig `koanf:"stages"`
}

// ProjectConfig identifies the project and its directories.
type ProjectConfig struct {
	// ID names the project in state and reports.
	ID string `koanf:"id"`

	// Root is the project root directory. Defaults to the working
	// directory; STAGEHAND_ROOT overrides it.
	Root string `koanf:"root"`

	// ManagedDir is the managed directory name under the root.
	ManagedDir string `koanf:"managed_dir"`
}

// AgentConfig configures the external stage agent process.
type AgentConfig struct {
	// Command is the agent executable and its fixed arguments.
	Command []string `koanf:"command"`

	// WorkDir is the agent's working directory. Empty inherits.
	WorkDir string `koanf:"work_dir"`

	// Env appends KEY=VALUE entries to the agent's environment.
	Env []string `koanf:"env"`

	// Params carries per-stage parameters handed to the agent.
	Params map[string]map[string]string `koanf:"params"`
}

// RetryConfig bounds agent calls.
type RetryConfig struct {
	MaxRetries        int           `koanf:"max_retries"`
	AttemptTimeout    time.Duration `koanf:"attempt_timeout"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// TrackedFileConfig declares one memory file to synchronize.
type TrackedFileConfig struct {
	// Path is relative to the project root unless absolute.
	Path string `koanf:"path"`

	// Kind is "memory" or "backlog".
	Kind string `koanf:"kind"`
}

// SyncConfig configures the memory-file synchronizer.
type SyncConfig struct {
	// Strategy resolves conflicts: "last_write_wins" or "manual".
	Strategy string `koanf:"strategy"`

	// Files lists the tracked memory documents.
	Files []TrackedFileConfig `koanf:"files"`
}

// PruneConfig configures artifact retention.
type PruneConfig struct {
	// KeepPerSlot retains the newest N versions per stage/story slot.
	// Zero disables pruning.
	KeepPerSlot int `koanf:"keep_per_slot"`

	// MinAge protects artifacts younger than this from pruning.
	MinAge time.Duration `koanf:"min_age"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "console" or "json".
	Format string `koanf:"format"`
}

// CriterionConfig is one gate threshold.
type CriterionConfig struct {
	Metric   string  `koanf:"metric"`
	Min      float64 `koanf:"min"`
	Required bool    `koanf:"required"`
}

// GateConfig declares a stage gate.
type GateConfig struct {
	Mode     string            `koanf:"mode"`
	Criteria []CriterionConfig `koanf:"criteria"`
}

// StageConfig declares one stage of a custom graph.
type StageConfig struct {
	Name     string     `koanf:"name"`
	Produces string     `koanf:"produces"`
	Next     []string   `koanf:"next"`
	Rollback string     `koanf:"rollback"`
	Gate     GateConfig `koanf:"gate"`
}

// StageSpecs converts the configured graph, falling back to the built-in
// sequence when no stages are configured.
func (c *Config) StageSpecs() []workflow.StageSpec {
	if len(c.Stages) == 0 {
		return workflow.DefaultStages()
	}
	specs := make([]workflow.StageSpec, 0, len(c.Stages))
	for _, sc := range c.Stages {
		spec := workflow.StageSpec{
			Name:     workflow.Stage(sc.Name),
			Produces: sc.Produces,
			Rollback: workflow.Stage(sc.Rollback),
			Gate: workflow.GateSpec{
				Mode: workflow.GateMode(sc.Gate.Mode),
			},
		}
		for _, next := range sc.Next {
			spec.Next = append(spec.Next, workflow.Stage(next))
		}
		for _, cr := range sc.Gate.Criteria {
			spec.Gate.Criteria = append(spec.Gate.Criteria, workflow.Criterion{
				Metric:   cr.Metric,
				Min:      cr.Min,
				Required: cr.Required,
			})
		}
		specs = append(specs, spec)
	}
	return specs
}

// StageParams converts the agent params map to stage-keyed form.
func (c *Config) StageParams() map[workflow.Stage]map[string]string {
	if len(c.Agent.Params) == 0 {
		return nil
	}
	out := make(map[workflow.Stage]map[string]string, len(c.Agent.Params))
	for stage, params := range c.Agent.Params {
		out[workflow.Stage(stage)] = params
	}
	return out
}

// Validate checks the configuration for values that cannot be defaulted
// away.
func (c *Config) Validate() error {
	switch syncer.Strategy(c.Sync.Strategy) {
	case syncer.StrategyLastWriteWins, syncer.StrategyManual:
	default:
		return fmt.Errorf("invalid sync strategy: %q", c.Sync.Strategy)
	}

	for _, f := range c.Sync.Files {
		if f.Path == "" {
			return fmt.Errorf("sync file with empty path")
		}
		switch syncer.FileKind(f.Kind) {
		case syncer.KindMemory, syncer.KindBacklog:
		default:
			return fmt.Errorf("invalid kind %q for sync file %s", f.Kind, f.Path)
		}
	}

	for _, sc := range c.Stages {
		if sc.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		switch workflow.GateMode(sc.Gate.Mode) {
		case workflow.GateModeHard, workflow.GateModeSoft:
		default:
			return fmt.Errorf("invalid gate mode %q for stage %s", sc.Gate.Mode, sc.Name)
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative")
	}
	if c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff_multiplier must be at least 1")
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	return nil
}
