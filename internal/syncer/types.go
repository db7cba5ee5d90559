package syncer

import (
	"errors"
	"fmt"
	"time"
)

// Errors for synchronizer operations.
var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrUnknownFile      = errors.New("file is not tracked")
)

// Direction selects which side of a sync wins.
type Direction string

const (
	DirectionAuto        Direction = "auto"
	DirectionFileToState Direction = "file_to_state"
	DirectionStateToFile Direction = "state_to_file"
)

// Strategy decides how a true conflict (both sides changed) is resolved.
type Strategy string

const (
	// StrategyLastWriteWins picks whichever side changed most recently.
	StrategyLastWriteWins Strategy = "last_write_wins"

	// StrategyManual blocks further sync of the file until the conflict is
	// acknowledged.
	StrategyManual Strategy = "manual"
)

// FileKind selects the parser for a tracked file.
type FileKind string

const (
	// KindMemory is the free-form project-memory document. Only a managed
	// block is rewritten; the rest of the file is operator territory.
	KindMemory FileKind = "memory"

	// KindBacklog is the structured backlog document.
	KindBacklog FileKind = "backlog"
)

// TrackedFile declares one memory file (or directory tree) to keep in sync.
type TrackedFile struct {
	Path string   `json:"path"`
	Kind FileKind `json:"kind"`
}

// SyncRecord tracks the last successful sync of one file.
type SyncRecord struct {
	SourcePath      string    `json:"source_path"`
	Kind            FileKind  `json:"kind"`
	LastSyncedHash  string    `json:"last_synced_hash"`
	LastStateHash   string    `json:"last_state_hash"`
	LastSyncTime    time.Time `json:"last_sync_time"`
	SyncDirection   Direction `json:"sync_direction"`
}

// ConflictRecord is created when both sides of a file changed since the last
// sync. Both pre-conflict versions are backed up before any resolution.
type ConflictRecord struct {
	ID               string    `json:"id"`
	ConflictingPaths []string  `json:"conflicting_paths"`
	BackupPaths      []string  `json:"backup_paths"`
	Strategy         Strategy  `json:"resolution_strategy"`
	CreatedAt        time.Time `json:"created_at"`
	ResolvedAt       time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the conflict has been acknowledged or auto-resolved.
func (c *ConflictRecord) Resolved() bool {
	return !c.ResolvedAt.IsZero()
}

// FileAction is the outcome of a sync pass for one file.
type FileAction string

const (
	ActionNone        FileAction = "none"
	ActionFileToState FileAction = "file_to_state"
	ActionStateToFile FileAction = "state_to_file"
	ActionConflict    FileAction = "conflict"
	ActionBlocked     FileAction = "blocked"
)

// FileSync reports what happened to one tracked file.
type FileSync struct {
	Path       string     `json:"path"`
	Action     FileAction `json:"action"`
	ConflictID string     `json:"conflict_id,omitempty"`
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Direction   Direction  `json:"direction"`
	Files       []FileSync `json:"files"`
	ContextHash string     `json:"context_hash"`
	Changed     bool       `json:"changed"`
}

// ChangedFile names a tracked file whose content diverged from its record.
type ChangedFile struct {
	Path string   `json:"path"`
	Kind FileKind `json:"kind"`
	Hash string   `json:"hash"`
}

// SyncConflictError reports a manual-strategy conflict. The file stays
// blocked until the conflict is acknowledged.
type SyncConflictError struct {
	Path       string
	ConflictID string
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %s: both file and state changed since last sync (conflict %s)",
		e.Path, e.ConflictID)
}
