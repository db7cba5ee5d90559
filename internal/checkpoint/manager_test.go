package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

func newTestManager(t *testing.T) (Manager, string, string) {
	t.Helper()
	project := t.TempDir()
	managed := filepath.Join(project, ".stagehand")
	require.NoError(t, os.MkdirAll(managed, 0700))

	m, err := NewManager(project, managed, nil)
	require.NoError(t, err)
	return m, project, managed
}

func writeManaged(t *testing.T, managed, name, content string) {
	t.Helper()
	path := filepath.Join(managed, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestNewManager_RejectsOutsideDir(t *testing.T) {
	project := t.TempDir()
	other := t.TempDir()
	_, err := NewManager(project, other, nil)
	require.Error(t, err)
}

func TestCreate_TagEncodesStageAndSequence(t *testing.T) {
	m, _, managed := newTestManager(t)
	ctx := context.Background()

	writeManaged(t, managed, "state.json", `{"v":1}`)
	cp, err := m.Create(ctx, "after requirements", workflow.StageRequirements)
	require.NoError(t, err)

	assert.Equal(t, "stage-requirements-1", cp.ID)
	assert.Equal(t, 1, cp.Seq)
	assert.Equal(t, workflow.StageRequirements, cp.StageAtCreation)
	assert.NotEmpty(t, cp.VCSRef)

	// Sequence increments per stage.
	writeManaged(t, managed, "state.json", `{"v":2}`)
	cp2, err := m.Create(ctx, "again", workflow.StageRequirements)
	require.NoError(t, err)
	assert.Equal(t, "stage-requirements-2", cp2.ID)

	writeManaged(t, managed, "state.json", `{"v":3}`)
	cp3, err := m.Create(ctx, "design done", workflow.StageDesign)
	require.NoError(t, err)
	assert.Equal(t, "stage-design-1", cp3.ID)
}

func TestList(t *testing.T) {
	m, _, managed := newTestManager(t)
	ctx := context.Background()

	writeManaged(t, managed, "state.json", `{"v":1}`)
	_, err := m.Create(ctx, "first", workflow.StageRequirements)
	require.NoError(t, err)
	writeManaged(t, managed, "state.json", `{"v":2}`)
	_, err = m.Create(ctx, "second", workflow.StageDesign)
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "stage-requirements-1", list[0].ID)
	assert.Equal(t, "first", list[0].Description)
	assert.Equal(t, "stage-design-1", list[1].ID)
	assert.Equal(t, workflow.StageDesign, list[1].StageAtCreation)
}

func TestRollback_RestoresManagedPaths(t *testing.T) {
	m, project, managed := newTestManager(t)
	ctx := context.Background()

	writeManaged(t, managed, "state.json", `{"stage":"requirements"}`)
	writeManaged(t, managed, "artifacts/design/abc", "design v1")
	cp, err := m.Create(ctx, "baseline", workflow.StageRequirements)
	require.NoError(t, err)

	// Unrelated developer work outside the managed root.
	outside := filepath.Join(project, "main.go")
	require.NoError(t, os.WriteFile(outside, []byte("package main"), 0600))

	// Mutate and add managed content after the checkpoint.
	writeManaged(t, managed, "state.json", `{"stage":"design"}`)
	writeManaged(t, managed, "artifacts/coding/def", "later artifact")

	require.NoError(t, m.Rollback(ctx, cp.ID))

	data, err := os.ReadFile(filepath.Join(managed, "state.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"stage":"requirements"}`, string(data))

	restored, err := os.ReadFile(filepath.Join(managed, "artifacts", "design", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "design v1", string(restored))

	// Post-checkpoint artifact is gone from the restored tree.
	_, err = os.Stat(filepath.Join(managed, "artifacts", "coding", "def"))
	assert.True(t, os.IsNotExist(err))

	// Unrelated work survives.
	_, err = os.Stat(outside)
	assert.NoError(t, err)
}

func TestRollback_MissingTagFailsLoudly(t *testing.T) {
	m, _, managed := newTestManager(t)
	writeManaged(t, managed, "state.json", "{}")
	_, err := m.Create(context.Background(), "x", workflow.StageRequirements)
	require.NoError(t, err)

	err = m.Rollback(context.Background(), "stage-design-99")
	assert.ErrorIs(t, err, ErrNotFound)
}
