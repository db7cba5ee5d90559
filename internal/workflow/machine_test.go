package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateMachine_Validation(t *testing.T) {
	_, err := NewStateMachine(nil)
	require.Error(t, err)

	_, err = NewStateMachine([]StageSpec{
		{Name: "a"},
		{Name: "a"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stage")

	_, err = NewStateMachine([]StageSpec{
		{Name: "a", Next: []Stage{"missing"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown next stage")

	_, err = NewStateMachine([]StageSpec{
		{Name: "a", Rollback: "missing"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rollback stage")
}

func TestDefaultStages_Wellformed(t *testing.T) {
	m, err := NewStateMachine(DefaultStages())
	require.NoError(t, err)

	assert.Equal(t, StageRequirements, m.First())
	assert.Len(t, m.Stages(), 7)
}

func TestCanTransition_ForwardAndRollback(t *testing.T) {
	m, err := NewStateMachine(DefaultStages())
	require.NoError(t, err)

	assert.True(t, m.CanTransition(StageRequirements, StageDesign))
	assert.True(t, m.CanTransition(StageDesign, StageCoding))
	// Rollback edge back to the predecessor.
	assert.True(t, m.CanTransition(StageDesign, StageRequirements))

	// Skipping stages is never legal.
	assert.False(t, m.CanTransition(StageRequirements, StageCoding))
	assert.False(t, m.CanTransition(StageRequirements, StageValidation))
	// Neither is standing still or going backwards two steps.
	assert.False(t, m.CanTransition(StageDesign, StageDesign))
	assert.False(t, m.CanTransition(StageCoding, StageRequirements))
	// Unknown stages.
	assert.False(t, m.CanTransition("nope", StageDesign))
	assert.False(t, m.CanTransition(StageDesign, "nope"))
}

func TestCanTransition_ExhaustiveIllegalPairs(t *testing.T) {
	m, err := NewStateMachine(DefaultStages())
	require.NoError(t, err)

	stages := m.Stages()
	for _, from := range stages {
		spec := m.Spec(from)
		legal := make(map[Stage]bool)
		for _, n := range spec.Next {
			legal[n] = true
		}
		if spec.Rollback != "" {
			legal[spec.Rollback] = true
		}
		for _, to := range stages {
			assert.Equal(t, legal[to], m.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNextStage(t *testing.T) {
	m, err := NewStateMachine(DefaultStages())
	require.NoError(t, err)

	next, err := m.NextStage(StageRequirements)
	require.NoError(t, err)
	assert.Equal(t, StageDesign, next)

	// Terminal stage has no forward edge.
	_, err = m.NextStage(StageIntegration)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StageIntegration, invalid.From)

	_, err = m.NextStage("nope")
	require.ErrorAs(t, err, &invalid)
}

func TestWorkflowState_Clone(t *testing.T) {
	s := NewWorkflowState("proj", StageRequirements)
	s.ActiveStoryIDs = []string{"STORY-1"}
	s.Stories["STORY-1"] = &Story{ID: "STORY-1", Title: "first", Status: StoryActive}
	s.Sprints["SPRINT-1"] = &Sprint{
		ID:       "SPRINT-1",
		StoryIDs: []string{"STORY-1"},
		Completion: map[Stage]map[string]bool{
			StageRequirements: {"STORY-1": true},
		},
	}

	c := s.Clone()
	c.ActiveStoryIDs[0] = "STORY-2"
	c.Stories["STORY-1"].Title = "changed"
	c.Sprints["SPRINT-1"].Completion[StageRequirements]["STORY-1"] = false

	assert.Equal(t, "STORY-1", s.ActiveStoryIDs[0])
	assert.Equal(t, "first", s.Stories["STORY-1"].Title)
	assert.True(t, s.Sprints["SPRINT-1"].Completion[StageRequirements]["STORY-1"])
}
