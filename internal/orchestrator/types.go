package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// Phase tracks the orchestrator's own control flow during an advance. The
// agent call is the only suspension point.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAwaitingAgent  Phase = "awaiting_agent"
	PhaseEvaluatingGate Phase = "evaluating_gate"
	PhaseCommitting     Phase = "committing"
)

// StageContext bundles everything an agent gets for one stage attempt.
type StageContext struct {
	Stage   workflow.Stage `json:"stage"`
	StoryID string         `json:"story_id,omitempty"`

	// PriorArtifact is the content of the latest artifact from the
	// preceding stage for this story, empty when none exists.
	PriorArtifact []byte `json:"prior_artifact,omitempty"`

	// Memory holds the synchronized memory files, keyed by path.
	Memory map[string]string `json:"memory,omitempty"`

	// Params carries stage-specific parameters from configuration.
	Params map[string]string `json:"params,omitempty"`
}

// ResultStatus is the agent's own verdict on its attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultError   ResultStatus = "error"
)

// StageResult is what an agent returns. The orchestrator never inspects how
// it was produced; metrics are validated against the stage's declared gate.
type StageResult struct {
	Status  ResultStatus         `json:"status"`
	Content []byte               `json:"content"`
	Metrics workflow.GateMetrics `json:"metrics,omitempty"`
}

// Agent is the external stage-content producer. Implementations are
// interchangeable; the core sees only this contract.
type Agent interface {
	RunStage(ctx context.Context, stage workflow.Stage, sc *StageContext) (*StageResult, error)
}

// AdvanceResult reports a successful stage advance.
type AdvanceResult struct {
	From       workflow.Stage         `json:"from"`
	To         workflow.Stage         `json:"to"`
	StoryID    string                 `json:"story_id,omitempty"`
	ArtifactID string                 `json:"artifact_id"`
	Gate       workflow.GateResult    `json:"gate"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// GateFailureError reports metrics that did not meet a blocking gate. The
// workflow stays at its current stage for retry.
type GateFailureError struct {
	Stage  workflow.Stage
	Result workflow.GateResult
}

func (e *GateFailureError) Error() string {
	return fmt.Sprintf("gate for stage %s failed: %s", e.Stage, e.Result.Summary())
}

// AgentError reports an agent call that failed after all retries.
type AgentError struct {
	Stage    workflow.Stage
	Attempts int
	Err      error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent failed for stage %s after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// AgentTimeoutError reports an agent call that exceeded its time bound on
// every attempt.
type AgentTimeoutError struct {
	Stage    workflow.Stage
	Attempts int
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent timed out for stage %s after %d attempts", e.Stage, e.Attempts)
}

// FailureReport is the machine-readable failure surface: every failed
// operation produces one instead of a raw stack trace.
type FailureReport struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Criteria []string `json:"criteria,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}
