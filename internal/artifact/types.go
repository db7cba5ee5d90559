package artifact

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// ValidationStatus tracks whether an artifact passed its stage gate.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
)

// Metadata describes one stored artifact. Artifacts are immutable once
// stored; a re-run produces a new artifact with a new id linked to the same
// stage/story.
type Metadata struct {
	// ID is the hex sha256 of the content.
	ID string `json:"id"`

	Stage   workflow.Stage `json:"stage"`
	StoryID string         `json:"story_id,omitempty"`

	// ContentLocation is the path of the content relative to the managed
	// root.
	ContentLocation string `json:"content_location"`
	ContentHash     string `json:"content_hash"`

	// Dependencies are artifact ids this one logically depends on.
	Dependencies []string `json:"dependencies,omitempty"`

	ValidationStatus ValidationStatus `json:"validation_status"`

	// Seq orders artifacts within the index; later stores get higher
	// sequence numbers regardless of clock resolution.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// StoreRequest carries one artifact into the store.
type StoreRequest struct {
	Content      []byte
	Stage        workflow.Stage
	StoryID      string
	Dependencies []string
}

// StorageError reports a write that could not be performed safely: path
// traversal, permissions, or disk conditions.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IntegrityError reports a content-hash mismatch on read. The corrupted
// content is never returned to the caller.
type IntegrityError struct {
	ArtifactID string
	Expected   string
	Actual     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact %s failed integrity check: recorded %s, recomputed %s",
		e.ArtifactID, e.Expected, e.Actual)
}
