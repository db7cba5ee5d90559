package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// ErrNotFound indicates the requested checkpoint tag does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is a tagged, restorable snapshot of the managed root.
type Checkpoint struct {
	// ID is the tag name, encoding stage and sequence:
	// stage-<stage>-<seq>.
	ID string `json:"id"`

	Description     string         `json:"description"`
	StageAtCreation workflow.Stage `json:"stage_at_creation"`

	// VCSRef is the commit the tag points at.
	VCSRef string `json:"vcs_reference"`

	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointError reports a repository state that cannot be safely
// snapshotted or restored.
type CheckpointError struct {
	Op  string
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s failed: %v", e.Op, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }
