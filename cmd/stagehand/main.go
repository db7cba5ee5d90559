// Package main implements the stagehand CLI, the command surface over the
// workflow orchestrator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/agent"
	"github.com/fyrsmithlabs/stagehand/internal/artifact"
	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/orchestrator"
	"github.com/fyrsmithlabs/stagehand/internal/state"
	"github.com/fyrsmithlabs/stagehand/internal/syncer"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	outputJSON bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		report := orchestrator.ReportFromError(err)
		if outputJSON {
			data, _ := json.Marshal(report)
			fmt.Fprintln(os.Stderr, string(data))
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", report.Message)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "V-Model workflow coordinator",
	Long: `stagehand drives a software delivery workflow through its V-Model stages.
Each advance invokes the configured agent for the next stage, checks the
returned metrics against the stage's quality gate, and on success stores the
artifact, updates state, synchronizes the memory files, and records a
checkpoint.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default stagehand.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results as JSON")
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// noAgent stands in when no agent command is configured. Only advance
// actually needs one.
type noAgent struct{}

func (noAgent) RunStage(context.Context, workflow.Stage, *orchestrator.StageContext) (*orchestrator.StageResult, error) {
	return nil, fmt.Errorf("no agent command configured; set agent.command in %s", config.DefaultFileName)
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	managed := cfg.ManagedRoot()
	if err := os.MkdirAll(managed, 0700); err != nil {
		return nil, fmt.Errorf("failed to create managed directory: %w", err)
	}

	machine, err := workflow.NewStateMachine(cfg.StageSpecs())
	if err != nil {
		return nil, err
	}

	states := state.NewStore(managed, logger)
	artifacts, err := artifact.NewStore(managed, logger)
	if err != nil {
		return nil, err
	}

	sync, err := syncer.New(syncer.Config{
		ManagedRoot: managed,
		Tracked:     cfg.TrackedFiles(),
		Strategy:    syncer.Strategy(cfg.Sync.Strategy),
	}, logger)
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewManager(cfg.Project.Root, managed, logger)
	if err != nil {
		return nil, err
	}

	var stageAgent orchestrator.Agent = noAgent{}
	if len(cfg.Agent.Command) > 0 {
		stageAgent, err = agent.NewExecAgent(cfg.Agent.Command,
			agent.WithWorkDir(cfg.Agent.WorkDir),
			agent.WithEnv(cfg.Agent.Env),
			agent.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Machine:      machine,
		States:       states,
		Artifacts:    artifacts,
		Synchronizer: sync,
		Checkpoints:  checkpoints,
		Agent:        stageAgent,
		Retry: orchestrator.RetryConfig{
			MaxRetries:        cfg.Retry.MaxRetries,
			AttemptTimeout:    cfg.Retry.AttemptTimeout,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		StageParams: cfg.StageParams(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, orch: orch, logger: logger}, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
