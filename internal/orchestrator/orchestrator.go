// Package orchestrator drives the workflow: it asks the state machine
// whether the next stage is reachable, invokes the external agent, evaluates
// the returned metrics through the stage gate, and on success persists the
// artifact, updates state, synchronizes the memory files, and checkpoints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/artifact"
	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/state"
	"github.com/fyrsmithlabs/stagehand/internal/syncer"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/stagehand/internal/orchestrator"

// Orchestrator composes the state machine, stores, synchronizer, checkpoint
// manager, and agent into the command surface.
type Orchestrator struct {
	machine     *workflow.StateMachine
	states      *state.Store
	artifacts   artifact.Store
	sync        *syncer.Synchronizer
	checkpoints checkpoint.Manager
	agent       Agent
	retry       RetryConfig
	params      map[workflow.Stage]map[string]string
	logger      *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	advanceCounter metric.Int64Counter
}

// Options configures a new Orchestrator.
type Options struct {
	Machine      *workflow.StateMachine
	States       *state.Store
	Artifacts    artifact.Store
	Synchronizer *syncer.Synchronizer
	Checkpoints  checkpoint.Manager
	Agent        Agent
	Retry        RetryConfig

	// StageParams are passed through to the agent per stage.
	StageParams map[workflow.Stage]map[string]string

	Logger *zap.Logger
}

// New creates an orchestrator. All collaborators except the logger are
// required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Machine == nil {
		return nil, errors.New("state machine is required")
	}
	if opts.States == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if opts.Synchronizer == nil {
		return nil, errors.New("synchronizer is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if opts.Agent == nil {
		return nil, errors.New("agent is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		machine:     opts.Machine,
		states:      opts.States,
		artifacts:   opts.Artifacts,
		sync:        opts.Synchronizer,
		checkpoints: opts.Checkpoints,
		agent:       opts.Agent,
		retry:       opts.Retry,
		params:      opts.StageParams,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}

	var err error
	o.advanceCounter, err = o.meter.Int64Counter(
		"stagehand.orchestrator.advances_total",
		metric.WithDescription("Total number of stage advances attempted"),
		metric.WithUnit("{advance}"),
	)
	if err != nil {
		logger.Warn("failed to create advance counter", zap.Error(err))
	}

	return o, nil
}

// Init creates the state document at the first stage, seeds the memory
// files, runs an initial sync, and records the baseline checkpoint.
func (o *Orchestrator) Init(ctx context.Context, projectID string) (*workflow.WorkflowState, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.init")
	defer span.End()

	st := workflow.NewWorkflowState(projectID, o.machine.First())
	if err := o.states.Init(st); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := o.seedMemoryFiles(); err != nil {
		return nil, err
	}
	if _, err := o.sync.Sync(ctx, st, syncer.DirectionAuto); err != nil {
		return nil, err
	}
	if err := o.states.Save(st); err != nil {
		return nil, err
	}

	if _, err := o.checkpoints.Create(ctx, "initialized project "+projectID, st.CurrentStage); err != nil {
		return nil, err
	}

	o.logger.Info("initialized workflow",
		zap.String("project_id", projectID),
		zap.String("stage", string(st.CurrentStage)),
	)
	return st, nil
}

// seedMemoryFiles writes starter memory documents for tracked files that do
// not exist yet, so operators have the fences in place.
func (o *Orchestrator) seedMemoryFiles() error {
	for _, tf := range o.sync.Tracked() {
		if _, err := os.Stat(tf.Path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		var content string
		switch tf.Kind {
		case syncer.KindBacklog:
			content = "# Backlog\n\n<!-- stagehand:backlog -->\n<!-- /stagehand:backlog -->\n"
		default:
			content = "# Project Memory\n\n<!-- stagehand:state -->\n<!-- /stagehand:state -->\n"
		}
		if err := os.WriteFile(tf.Path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to seed %s: %w", tf.Path, err)
		}
	}
	return nil
}

// Advance moves the workflow one stage forward for a story. On gate failure
// the state is untouched and no artifact is referenced.
func (o *Orchestrator) Advance(ctx context.Context, storyID string) (*AdvanceResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.advance")
	defer span.End()
	span.SetAttributes(attribute.String("story_id", storyID))

	st, err := o.states.Load()
	if err != nil {
		return nil, err
	}
	from := st.CurrentStage

	target, err := o.machine.NextStage(from)
	if err != nil {
		return nil, err
	}
	if !o.machine.CanTransition(from, target) {
		return nil, &workflow.InvalidTransitionError{From: from, To: target}
	}
	span.SetAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(target)),
	)

	if o.advanceCounter != nil {
		o.advanceCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(target)),
		))
	}

	// Pick up operator edits to the memory files before assembling the
	// agent's context. Story-table changes persist even if the gate later
	// fails; the stage does not.
	if _, err := o.sync.Sync(ctx, st, syncer.DirectionAuto); err != nil {
		return nil, err
	}
	if err := o.states.Save(st); err != nil {
		return nil, err
	}

	sc, priorID, err := o.assembleContext(ctx, st, target, storyID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("advancing stage",
		zap.String("phase", string(PhaseAwaitingAgent)),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("story_id", storyID),
	)
	result, err := o.callAgent(ctx, target, sc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.logger.Debug("evaluating gate", zap.String("phase", string(PhaseEvaluatingGate)))
	gate, err := o.machine.EvaluateGate(target, result.Metrics)
	if err != nil {
		return nil, err
	}
	if gate.Blocking {
		gerr := &GateFailureError{Stage: target, Result: gate}
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		o.logger.Warn("gate failed, workflow stays at current stage",
			zap.String("stage", string(target)),
			zap.String("violations", gate.Summary()),
		)
		return nil, gerr
	}
	if gate.Status == workflow.GateWarn {
		o.logger.Warn("soft gate violated, progressing with warning",
			zap.String("stage", string(target)),
			zap.String("violations", gate.Summary()),
		)
	}

	o.logger.Debug("committing stage result", zap.String("phase", string(PhaseCommitting)))

	var deps []string
	if priorID != "" {
		deps = append(deps, priorID)
	}
	meta, err := o.artifacts.Store(ctx, &artifact.StoreRequest{
		Content:      result.Content,
		Stage:        target,
		StoryID:      storyID,
		Dependencies: deps,
	})
	if err != nil {
		return nil, err
	}

	status := artifact.ValidationPassed
	if gate.Status == workflow.GateWarn {
		status = artifact.ValidationPending
	}
	if err := o.artifacts.SetValidationStatus(ctx, meta.ID, status); err != nil {
		return nil, err
	}

	st.CurrentStage = target
	o.markCompletion(st, target, storyID)

	if _, err := o.sync.Sync(ctx, st, syncer.DirectionStateToFile); err != nil {
		return nil, err
	}
	if err := o.states.Save(st); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("advance %s to %s", storyID, target)
	cp, err := o.checkpoints.Create(ctx, desc, target)
	if err != nil {
		return nil, err
	}

	o.logger.Info("stage advanced",
		zap.String("phase", string(PhaseIdle)),
		zap.String("stage", string(target)),
		zap.String("artifact_id", meta.ID),
		zap.String("checkpoint_id", cp.ID),
	)

	return &AdvanceResult{
		From:       from,
		To:         target,
		StoryID:    storyID,
		ArtifactID: meta.ID,
		Gate:       gate,
		Checkpoint: cp,
	}, nil
}

// assembleContext builds the agent's stage context from the latest prior
// artifact and the synchronized memory files.
func (o *Orchestrator) assembleContext(ctx context.Context, st *workflow.WorkflowState, target workflow.Stage, storyID string) (*StageContext, string, error) {
	sc := &StageContext{
		Stage:   target,
		StoryID: storyID,
		Memory:  make(map[string]string),
	}
	if p, ok := o.params[target]; ok {
		sc.Params = p
	}

	prior, err := o.artifacts.LatestVersion(ctx, st.CurrentStage, storyID)
	if err != nil {
		return nil, "", err
	}
	priorID := ""
	if prior != nil {
		content, _, err := o.artifacts.Retrieve(ctx, prior.ID)
		if err != nil {
			return nil, "", err
		}
		sc.PriorArtifact = content
		priorID = prior.ID
	}

	for _, tf := range o.sync.Tracked() {
		data, err := os.ReadFile(tf.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", err
		}
		sc.Memory[tf.Path] = string(data)
	}
	return sc, priorID, nil
}

// markCompletion flags the story complete for the stage in its sprint.
func (o *Orchestrator) markCompletion(st *workflow.WorkflowState, stage workflow.Stage, storyID string) {
	if storyID == "" || st.CurrentSprintID == "" {
		return
	}
	sprint, ok := st.Sprints[st.CurrentSprintID]
	if !ok {
		return
	}
	if sprint.Completion == nil {
		sprint.Completion = make(map[workflow.Stage]map[string]bool)
	}
	if sprint.Completion[stage] == nil {
		sprint.Completion[stage] = make(map[string]bool)
	}
	sprint.Completion[stage][storyID] = true
}

// Status returns the current workflow state, read-only.
func (o *Orchestrator) Status(ctx context.Context) (*workflow.WorkflowState, error) {
	return o.states.Load()
}

// Rollback restores a checkpoint and reloads the reverted state.
func (o *Orchestrator) Rollback(ctx context.Context, checkpointID string) (*workflow.WorkflowState, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", checkpointID))

	if err := o.checkpoints.Rollback(ctx, checkpointID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	st, err := o.states.Load()
	if err != nil {
		return nil, err
	}
	o.logger.Info("workflow rolled back",
		zap.String("checkpoint_id", checkpointID),
		zap.String("stage", string(st.CurrentStage)),
	)
	return st, nil
}

// Checkpoints lists recorded checkpoints.
func (o *Orchestrator) Checkpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	return o.checkpoints.List(ctx)
}

// SyncMemory runs one explicit synchronization pass and persists the
// resulting state.
func (o *Orchestrator) SyncMemory(ctx context.Context, direction syncer.Direction) (*syncer.SyncResult, error) {
	st, err := o.states.Load()
	if err != nil {
		return nil, err
	}
	res, syncErr := o.sync.Sync(ctx, st, direction)
	if res != nil {
		if err := o.states.Save(st); err != nil {
			return nil, err
		}
	}
	return res, syncErr
}

// Conflicts lists recorded sync conflicts.
func (o *Orchestrator) Conflicts() ([]*syncer.ConflictRecord, error) {
	return o.sync.Conflicts()
}

// AcknowledgeConflict marks a conflict resolved, unblocking its files.
func (o *Orchestrator) AcknowledgeConflict(ctx context.Context, conflictID string) error {
	st, err := o.states.Load()
	if err != nil {
		return err
	}
	return o.sync.Acknowledge(st, conflictID)
}

// ListArtifacts returns stored artifact metadata for a stage, newest first.
func (o *Orchestrator) ListArtifacts(ctx context.Context, stage workflow.Stage) ([]*artifact.Metadata, error) {
	return o.artifacts.ListByStage(ctx, stage)
}

// PruneArtifacts removes old artifact versions per the retention policy.
func (o *Orchestrator) PruneArtifacts(ctx context.Context, cfg artifact.PruneConfig) (int, error) {
	return o.artifacts.Prune(ctx, cfg)
}

// ReportFromError translates a typed failure into the machine-readable
// report the CLI prints.
func ReportFromError(err error) *FailureReport {
	var (
		invalid   *workflow.InvalidTransitionError
		gate      *GateFailureError
		integrity *artifact.IntegrityError
		storage   *artifact.StorageError
		conflict  *syncer.SyncConflictError
		cpErr     *checkpoint.CheckpointError
		timeout   *AgentTimeoutError
		agentErr  *AgentError
	)
	switch {
	case errors.As(err, &invalid):
		return &FailureReport{Kind: "invalid_transition", Message: invalid.Error()}
	case errors.As(err, &gate):
		criteria := make([]string, len(gate.Result.Violated))
		for i, v := range gate.Result.Violated {
			criteria[i] = v.String()
		}
		return &FailureReport{Kind: "gate_failure", Message: gate.Error(), Criteria: criteria}
	case errors.As(err, &integrity):
		return &FailureReport{Kind: "integrity_error", Message: integrity.Error()}
	case errors.As(err, &storage):
		return &FailureReport{Kind: "storage_error", Message: storage.Error(), Paths: []string{storage.Path}}
	case errors.As(err, &conflict):
		return &FailureReport{Kind: "sync_conflict", Message: conflict.Error(), Paths: []string{conflict.Path}}
	case errors.As(err, &cpErr):
		return &FailureReport{Kind: "checkpoint_error", Message: cpErr.Error()}
	case errors.As(err, &timeout):
		return &FailureReport{Kind: "agent_timeout", Message: timeout.Error()}
	case errors.As(err, &agentErr):
		return &FailureReport{Kind: "agent_error", Message: agentErr.Error()}
	case errors.Is(err, checkpoint.ErrNotFound):
		return &FailureReport{Kind: "checkpoint_not_found", Message: err.Error()}
	case errors.Is(err, state.ErrNotInitialized):
		return &FailureReport{Kind: "not_initialized", Message: err.Error()}
	case errors.Is(err, state.ErrAlreadyInitialized):
		return &FailureReport{Kind: "already_initialized", Message: err.Error()}
	default:
		return &FailureReport{Kind: "internal", Message: err.Error()}
	}
}
