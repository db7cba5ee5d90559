package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/artifact"
	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/state"
	"github.com/fyrsmithlabs/stagehand/internal/syncer"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// stubAgent returns scripted results per stage and records the context each
// stage was invoked with.
type stubAgent struct {
	mu      sync.Mutex
	results map[workflow.Stage]*StageResult
	seen    map[workflow.Stage]*StageContext
}

func (a *stubAgent) RunStage(_ context.Context, stage workflow.Stage, sc *StageContext) (*StageResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen == nil {
		a.seen = make(map[workflow.Stage]*StageContext)
	}
	a.seen[stage] = sc
	res, ok := a.results[stage]
	if !ok {
		return nil, fmt.Errorf("no scripted result for stage %s", stage)
	}
	return res, nil
}

func (a *stubAgent) script(stage workflow.Stage, content string, metrics workflow.GateMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[stage] = &StageResult{
		Status:  ResultSuccess,
		Content: []byte(content),
		Metrics: metrics,
	}
}

type fixture struct {
	orch      *Orchestrator
	agent     *stubAgent
	root      string
	managed   string
	backlog   string
	memory    string
	states    *state.Store
	artifacts artifact.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	managed := filepath.Join(root, ".stagehand")
	require.NoError(t, os.MkdirAll(managed, 0700))

	machine, err := workflow.NewStateMachine(workflow.DefaultStages())
	require.NoError(t, err)

	states := state.NewStore(managed, nil)
	artifacts, err := artifact.NewStore(managed, nil)
	require.NoError(t, err)

	backlog := filepath.Join(root, "backlog.md")
	memory := filepath.Join(root, "memory.md")
	sync, err := syncer.New(syncer.Config{
		ManagedRoot: managed,
		Tracked: []syncer.TrackedFile{
			{Path: memory, Kind: syncer.KindMemory},
			{Path: backlog, Kind: syncer.KindBacklog},
		},
	}, nil)
	require.NoError(t, err)

	checkpoints, err := checkpoint.NewManager(root, managed, nil)
	require.NoError(t, err)

	agent := &stubAgent{results: make(map[workflow.Stage]*StageResult)}
	orch, err := New(Options{
		Machine:      machine,
		States:       states,
		Artifacts:    artifacts,
		Synchronizer: sync,
		Checkpoints:  checkpoints,
		Agent:        agent,
		Retry:        RetryConfig{MaxRetries: 0, AttemptTimeout: 10 * time.Second},
	})
	require.NoError(t, err)

	return &fixture{
		orch:      orch,
		agent:     agent,
		root:      root,
		managed:   managed,
		backlog:   backlog,
		memory:    memory,
		states:    states,
		artifacts: artifacts,
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestInitSeedsProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageRequirements, st.CurrentStage)
	assert.Equal(t, "proj-1", st.ProjectID)

	// State document persisted.
	loaded, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageRequirements, loaded.CurrentStage)

	// Memory files exist with their fences.
	mem, err := os.ReadFile(f.memory)
	require.NoError(t, err)
	assert.Contains(t, string(mem), "<!-- stagehand:state -->")
	bl, err := os.ReadFile(f.backlog)
	require.NoError(t, err)
	assert.Contains(t, string(bl), "<!-- stagehand:backlog -->")

	// Baseline checkpoint recorded.
	cps, err := f.orch.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "stage-requirements-1", cps[0].ID)
}

func TestInitTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	_, err = f.orch.Init(ctx, "proj-1")
	require.ErrorIs(t, err, state.ErrAlreadyInitialized)
}

func TestAdvanceWithoutInit(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Advance(context.Background(), "STORY-1")
	require.ErrorIs(t, err, state.ErrNotInitialized)

	report := ReportFromError(err)
	assert.Equal(t, "not_initialized", report.Kind)
}

func TestAdvanceSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	f.agent.script(workflow.StageDesign, "design document", workflow.GateMetrics{"review_score": 90})

	res, err := f.orch.Advance(ctx, "STORY-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageRequirements, res.From)
	assert.Equal(t, workflow.StageDesign, res.To)
	assert.Equal(t, workflow.GatePass, res.Gate.Status)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, "stage-design-1", res.Checkpoint.ID)

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDesign, st.CurrentStage)

	// Artifact stored and marked passed.
	meta, err := f.artifacts.Get(ctx, res.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDesign, meta.Stage)
	assert.Equal(t, "STORY-1", meta.StoryID)
	assert.Equal(t, artifact.ValidationPassed, meta.ValidationStatus)
	content, _, err := f.artifacts.Retrieve(ctx, res.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "design document", string(content))

	// State block pushed to the memory document.
	mem, err := os.ReadFile(f.memory)
	require.NoError(t, err)
	assert.Contains(t, string(mem), "design")
}

func TestAdvancePassesPriorArtifactAndMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	f.agent.script(workflow.StageDesign, "design document", workflow.GateMetrics{"review_score": 90})
	_, err = f.orch.Advance(ctx, "STORY-1")
	require.NoError(t, err)

	f.agent.script(workflow.StageCoding, "diff", workflow.GateMetrics{
		"lint_pass": 1, "typecheck_pass": 1,
	})
	_, err = f.orch.Advance(ctx, "STORY-1")
	require.NoError(t, err)

	sc := f.agent.seen[workflow.StageCoding]
	require.NotNil(t, sc)
	assert.Equal(t, "design document", string(sc.PriorArtifact))
	assert.Equal(t, "STORY-1", sc.StoryID)
	require.Contains(t, sc.Memory, f.backlog)
	assert.Contains(t, sc.Memory[f.backlog], "stagehand:backlog")
}

func TestAdvanceGateFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	f.agent.script(workflow.StageDesign, "design document", workflow.GateMetrics{"review_score": 90})
	_, err = f.orch.Advance(ctx, "STORY-1")
	require.NoError(t, err)

	// Coding gate requires lint and typecheck to pass.
	f.agent.script(workflow.StageCoding, "diff", workflow.GateMetrics{"lint_pass": 0, "typecheck_pass": 1})
	_, err = f.orch.Advance(ctx, "STORY-1")

	var gateErr *GateFailureError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, workflow.StageCoding, gateErr.Stage)
	assert.True(t, gateErr.Result.Blocking)

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDesign, st.CurrentStage)

	// The failed attempt stored nothing.
	metas, err := f.artifacts.ListByStage(ctx, workflow.StageCoding)
	require.NoError(t, err)
	assert.Empty(t, metas)

	report := ReportFromError(gateErr)
	assert.Equal(t, "gate_failure", report.Kind)
	require.NotEmpty(t, report.Criteria)
	assert.Contains(t, report.Criteria[0], "lint_pass")
}

func TestAdvanceSoftGateWarns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	f.agent.script(workflow.StageDesign, "sketchy design", workflow.GateMetrics{"review_score": 10})

	res, err := f.orch.Advance(ctx, "STORY-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.GateWarn, res.Gate.Status)
	assert.False(t, res.Gate.Blocking)

	// A warned artifact stays pending validation.
	meta, err := f.artifacts.Get(ctx, res.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, artifact.ValidationPending, meta.ValidationStatus)

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDesign, st.CurrentStage)
}

func TestRollbackRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	f.agent.script(workflow.StageDesign, "design document", workflow.GateMetrics{"review_score": 90})
	_, err = f.orch.Advance(ctx, "STORY-1")
	require.NoError(t, err)

	st, err := f.orch.Rollback(ctx, "stage-requirements-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageRequirements, st.CurrentStage)
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	_, err = f.orch.Rollback(ctx, "stage-design-9")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.Equal(t, "checkpoint_not_found", ReportFromError(err).Kind)
}

func TestAdvanceAtTerminalStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	// Force the persisted state to the last stage.
	st, err := f.states.Load()
	require.NoError(t, err)
	st.CurrentStage = workflow.StageIntegration
	require.NoError(t, f.states.Save(st))

	_, err = f.orch.Advance(ctx, "STORY-1")
	var invalid *workflow.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "invalid_transition", ReportFromError(err).Kind)
}

func TestSyncMemoryPicksUpBacklogEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Init(ctx, "proj-1")
	require.NoError(t, err)

	edited := strings.Replace(mustRead(t, f.backlog),
		"<!-- stagehand:backlog -->",
		"<!-- stagehand:backlog -->\n- [>] STORY-7 !p1 Wire the gate",
		1)
	require.NoError(t, os.WriteFile(f.backlog, []byte(edited), 0644))

	res, err := f.orch.SyncMemory(ctx, syncer.DirectionAuto)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	st, err := f.orch.Status(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Stories, "STORY-7")
	assert.Equal(t, workflow.StoryActive, st.Stories["STORY-7"].Status)
	assert.Equal(t, []string{"STORY-7"}, st.ActiveStoryIDs)
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestReportFromErrorFallback(t *testing.T) {
	report := ReportFromError(errors.New("boom"))
	assert.Equal(t, "internal", report.Kind)
	assert.Equal(t, "boom", report.Message)
}
