// Package workflow defines the V-Model stage graph, the workflow state
// document, and the pure transition/gate decision logic. It performs no I/O;
// callers persist decisions through the state store and checkpoint manager.
package workflow

import (
	"time"
)

// Stage is a named step in the delivery sequence.
type Stage string

const (
	StageRequirements       Stage = "requirements"
	StageDesign             Stage = "design"
	StageCoding             Stage = "coding"
	StageUnitTesting        Stage = "unit-testing"
	StageIntegrationTesting Stage = "integration-testing"
	StageValidation         Stage = "validation"
	StageIntegration        Stage = "integration"
)

// GateMode decides whether gate failures block progression.
type GateMode string

const (
	// GateModeHard refuses the transition when any criterion fails.
	GateModeHard GateMode = "hard"

	// GateModeSoft records failed criteria as warnings but allows
	// progression.
	GateModeSoft GateMode = "soft"
)

// Criterion is a single named threshold a stage gate checks.
type Criterion struct {
	// Metric is the name of the metric the agent reports (e.g. "coverage").
	Metric string `json:"metric"`

	// Min is the minimum acceptable value, higher is better. Pass/fail
	// flags are reported as 0 or 1 with Min 1.
	Min float64 `json:"min"`

	// Required makes a missing metric a violation. Optional criteria are
	// skipped when the metric is absent.
	Required bool `json:"required"`
}

// GateSpec declares the quality gate guarding entry to a stage.
type GateSpec struct {
	Mode     GateMode    `json:"mode"`
	Criteria []Criterion `json:"criteria,omitempty"`
}

// StageSpec declares one stage of the graph: what it produces, which stages
// may follow it, and the gate guarding it.
type StageSpec struct {
	Name Stage `json:"name"`

	// Produces is the artifact kind this stage emits.
	Produces string `json:"produces"`

	// Next lists the stages reachable from this one.
	Next []Stage `json:"next,omitempty"`

	// Rollback is the single backward edge. Empty means no rollback from
	// this stage.
	Rollback Stage `json:"rollback,omitempty"`

	Gate GateSpec `json:"gate"`
}

// StoryStatus tracks a backlog story through its life.
type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryActive  StoryStatus = "active"
	StoryDone    StoryStatus = "done"
)

// Story is a lightweight planning entity. Its ID is used as a foreign key by
// stored artifacts and is never mutated.
type Story struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Priority int         `json:"priority"`
	Status   StoryStatus `json:"status"`
}

// Sprint owns an ordered list of stories and a completion map per stage.
type Sprint struct {
	ID         string                     `json:"id"`
	StoryIDs   []string                   `json:"story_ids"`
	Completion map[Stage]map[string]bool  `json:"completion,omitempty"`
}

// StateVersion is the schema version written to the state file.
const StateVersion = 1

// WorkflowState is the singleton runtime state for a project. It is owned by
// the state store and mutated only through machine-approved transitions.
type WorkflowState struct {
	Version         int               `json:"version"`
	ProjectID       string            `json:"project_id"`
	CurrentStage    Stage             `json:"current_stage"`
	CurrentSprintID string            `json:"current_sprint_id,omitempty"`
	ActiveStoryIDs  []string          `json:"active_story_ids,omitempty"`
	ContextHash     string            `json:"context_hash,omitempty"`
	Sprints         map[string]*Sprint `json:"sprints,omitempty"`
	Stories         map[string]*Story  `json:"stories,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewWorkflowState creates the initial state at the first stage of the graph.
func NewWorkflowState(projectID string, first Stage) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		Version:      StateVersion,
		ProjectID:    projectID,
		CurrentStage: first,
		Sprints:      make(map[string]*Sprint),
		Stories:      make(map[string]*Story),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy, so callers can stage a mutation without touching
// the persisted value.
func (s *WorkflowState) Clone() *WorkflowState {
	out := *s
	out.ActiveStoryIDs = append([]string(nil), s.ActiveStoryIDs...)
	out.Sprints = make(map[string]*Sprint, len(s.Sprints))
	for id, sp := range s.Sprints {
		cp := *sp
		cp.StoryIDs = append([]string(nil), sp.StoryIDs...)
		cp.Completion = make(map[Stage]map[string]bool, len(sp.Completion))
		for st, m := range sp.Completion {
			mm := make(map[string]bool, len(m))
			for k, v := range m {
				mm[k] = v
			}
			cp.Completion[st] = mm
		}
		out.Sprints[id] = &cp
	}
	out.Stories = make(map[string]*Story, len(s.Stories))
	for id, st := range s.Stories {
		cp := *st
		out.Stories[id] = &cp
	}
	return &out
}

// DefaultStages returns the canonical V-Model sequence with one rollback edge
// per stage back to its predecessor. Requirements and design are gated softly
// (review metrics are advisory); test and validation stages gate hard.
func DefaultStages() []StageSpec {
	linear := []struct {
		name     Stage
		produces string
		gate     GateSpec
	}{
		{StageRequirements, "requirements-doc", GateSpec{Mode: GateModeSoft}},
		{StageDesign, "design-doc", GateSpec{Mode: GateModeSoft, Criteria: []Criterion{
			{Metric: "review_score", Min: 70, Required: false},
		}}},
		{StageCoding, "source-change", GateSpec{Mode: GateModeHard, Criteria: []Criterion{
			{Metric: "lint_pass", Min: 1, Required: true},
			{Metric: "typecheck_pass", Min: 1, Required: true},
		}}},
		{StageUnitTesting, "unit-test-report", GateSpec{Mode: GateModeHard, Criteria: []Criterion{
			{Metric: "coverage", Min: 80, Required: true},
			{Metric: "tests_passed", Min: 1, Required: false},
		}}},
		{StageIntegrationTesting, "integration-test-report", GateSpec{Mode: GateModeHard, Criteria: []Criterion{
			{Metric: "tests_passed", Min: 1, Required: true},
		}}},
		{StageValidation, "validation-report", GateSpec{Mode: GateModeHard, Criteria: []Criterion{
			{Metric: "acceptance_pass", Min: 1, Required: true},
		}}},
		{StageIntegration, "release-manifest", GateSpec{Mode: GateModeSoft}},
	}

	specs := make([]StageSpec, 0, len(linear))
	for i, s := range linear {
		spec := StageSpec{Name: s.name, Produces: s.produces, Gate: s.gate}
		if i+1 < len(linear) {
			spec.Next = []Stage{linear[i+1].name}
		}
		if i > 0 {
			spec.Rollback = linear[i-1].name
		}
		specs = append(specs, spec)
	}
	return specs
}
