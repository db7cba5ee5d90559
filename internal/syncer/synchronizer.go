// Package syncer keeps the human-editable memory files (project memory and
// backlog documents) consistent with runtime workflow state, in both
// directions. Change detection is hash-based; true conflicts are backed up
// and resolved by a configurable strategy.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/fsutil"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// RecordsFileName is the sync-records document inside the managed root.
const RecordsFileName = "sync-records.json"

// backupsDirName holds pre-conflict backups inside the managed root.
const backupsDirName = "backups"

// Config configures the synchronizer.
type Config struct {
	// ManagedRoot is where sync records and backups live.
	ManagedRoot string

	// Tracked lists the memory files (or directory trees) to reconcile.
	Tracked []TrackedFile

	// Strategy resolves true conflicts. Defaults to last_write_wins.
	Strategy Strategy
}

// Synchronizer reconciles tracked memory files with workflow state.
type Synchronizer struct {
	cfg         Config
	recordsPath string
	backupsDir  string
	lock        *fsutil.FileLock
	logger      *zap.Logger
}

type recordsData struct {
	Version   int                    `json:"version"`
	Records   map[string]*SyncRecord `json:"records"`
	Conflicts []*ConflictRecord      `json:"conflicts,omitempty"`
}

// New creates a synchronizer. The managed root must already exist.
func New(cfg Config, logger *zap.Logger) (*Synchronizer, error) {
	if cfg.ManagedRoot == "" {
		return nil, errors.New("managed root is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLastWriteWins
	}
	if cfg.Strategy != StrategyLastWriteWins && cfg.Strategy != StrategyManual {
		return nil, fmt.Errorf("unknown conflict strategy: %s", cfg.Strategy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	recordsPath := filepath.Join(cfg.ManagedRoot, RecordsFileName)
	return &Synchronizer{
		cfg:         cfg,
		recordsPath: recordsPath,
		backupsDir:  filepath.Join(cfg.ManagedRoot, backupsDirName),
		lock:        fsutil.NewFileLock(recordsPath),
		logger:      logger,
	}, nil
}

// Tracked returns the configured memory files.
func (s *Synchronizer) Tracked() []TrackedFile {
	out := make([]TrackedFile, len(s.cfg.Tracked))
	copy(out, s.cfg.Tracked)
	return out
}

func (s *Synchronizer) loadRecords() (*recordsData, error) {
	data, err := os.ReadFile(s.recordsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &recordsData{Version: 1, Records: make(map[string]*SyncRecord)}, nil
		}
		return nil, fmt.Errorf("failed to read sync records: %w", err)
	}
	var rd recordsData
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, fmt.Errorf("sync records corrupted: %w", err)
	}
	if rd.Records == nil {
		rd.Records = make(map[string]*SyncRecord)
	}
	return &rd, nil
}

func (s *Synchronizer) saveRecords(rd *recordsData) error {
	data, err := json.MarshalIndent(rd, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync records: %w", err)
	}
	return fsutil.WriteFileAtomic(s.recordsPath, data, 0600)
}

// pathHash hashes a tracked path: single files by content, directories by
// recursive tree hash. A missing path hashes to a stable sentinel so its
// creation registers as a change.
func pathHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fsutil.HashBytes(nil), nil
		}
		return "", err
	}
	if info.IsDir() {
		return fsutil.HashTree(path)
	}
	return fsutil.HashFile(path)
}

// stateHash digests the state fields the memory files project: stage,
// sprint, active stories, and the story table. Timestamps and the context
// hash itself are excluded to keep sync idempotent.
func stateHash(st *workflow.WorkflowState) string {
	proj := struct {
		Stage    workflow.Stage             `json:"stage"`
		SprintID string                     `json:"sprint_id"`
		Active   []string                   `json:"active"`
		Stories  map[string]*workflow.Story `json:"stories"`
	}{st.CurrentStage, st.CurrentSprintID, st.ActiveStoryIDs, st.Stories}
	data, _ := json.Marshal(proj)
	return fsutil.HashBytes(data)
}

// blockedPaths returns tracked paths frozen by an unresolved manual conflict.
func blockedPaths(rd *recordsData) map[string]string {
	out := make(map[string]string)
	for _, c := range rd.Conflicts {
		if c.Resolved() {
			continue
		}
		for _, p := range c.ConflictingPaths {
			out[p] = c.ID
		}
	}
	return out
}

// DetectChanges compares each tracked file's current hash against its sync
// record and returns the divergent ones.
func (s *Synchronizer) DetectChanges() ([]ChangedFile, error) {
	rd, err := s.loadRecords()
	if err != nil {
		return nil, err
	}
	var changed []ChangedFile
	for _, tf := range s.cfg.Tracked {
		h, err := pathHash(tf.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", tf.Path, err)
		}
		rec := rd.Records[tf.Path]
		if rec == nil || rec.LastSyncedHash != h {
			changed = append(changed, ChangedFile{Path: tf.Path, Kind: tf.Kind, Hash: h})
		}
	}
	return changed, nil
}

// Sync reconciles every tracked file with st. The state value is mutated in
// place on file_to_state application; the caller persists it. Re-running with
// no underlying change is a no-op.
func (s *Synchronizer) Sync(ctx context.Context, st *workflow.WorkflowState, direction Direction) (*SyncResult, error) {
	if st == nil {
		return nil, errors.New("state is required")
	}
	if direction == "" {
		direction = DirectionAuto
	}

	if err := s.lock.Lock(); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()

	rd, err := s.loadRecords()
	if err != nil {
		return nil, err
	}

	blocked := blockedPaths(rd)
	result := &SyncResult{Direction: direction}
	var conflictErr error

	for _, tf := range s.cfg.Tracked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if id, isBlocked := blocked[tf.Path]; isBlocked {
			result.Files = append(result.Files, FileSync{Path: tf.Path, Action: ActionBlocked, ConflictID: id})
			continue
		}

		rec := rd.Records[tf.Path]
		if rec == nil {
			rec = &SyncRecord{SourcePath: tf.Path, Kind: tf.Kind}
			rd.Records[tf.Path] = rec
		}

		fileHash, err := pathHash(tf.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", tf.Path, err)
		}
		stHash := stateHash(st)
		fileChanged := fileHash != rec.LastSyncedHash
		stateChanged := stHash != rec.LastStateHash
		if rec.LastSyncTime.IsZero() {
			// First sync of a file baselines from the file side; a
			// conflict needs a prior agreed state to diverge from.
			stateChanged = false
		}

		action := ActionNone
		switch direction {
		case DirectionFileToState:
			if fileChanged {
				if err := s.applyFileToState(tf, st); err != nil {
					return nil, err
				}
				action = ActionFileToState
			}
		case DirectionStateToFile:
			if stateChanged || fileChanged {
				if err := s.applyStateToFile(tf, st); err != nil {
					return nil, err
				}
				action = ActionStateToFile
			}
		default: // auto
			switch {
			case fileChanged && stateChanged:
				conflict, err := s.recordConflict(tf, st)
				if err != nil {
					return nil, err
				}
				rd.Conflicts = append(rd.Conflicts, conflict)
				action = ActionConflict

				if s.cfg.Strategy == StrategyManual {
					result.Files = append(result.Files, FileSync{Path: tf.Path, Action: action, ConflictID: conflict.ID})
					conflictErr = &SyncConflictError{Path: tf.Path, ConflictID: conflict.ID}
					s.logger.Warn("sync conflict, blocking file until acknowledged",
						zap.String("path", tf.Path),
						zap.String("conflict_id", conflict.ID),
					)
					continue
				}

				// last_write_wins: newest side is applied, the loser
				// survives in the backup.
				if s.fileNewerThanState(tf.Path, st) {
					if err := s.applyFileToState(tf, st); err != nil {
						return nil, err
					}
				} else {
					if err := s.applyStateToFile(tf, st); err != nil {
						return nil, err
					}
				}
				conflict.ResolvedAt = time.Now().UTC()

			case fileChanged:
				if err := s.applyFileToState(tf, st); err != nil {
					return nil, err
				}
				action = ActionFileToState
			case stateChanged:
				if err := s.applyStateToFile(tf, st); err != nil {
					return nil, err
				}
				action = ActionStateToFile
			}
		}

		if action != ActionNone {
			result.Changed = true
		}

		// Re-hash after application so the record reflects what is now on
		// disk and in state.
		fileHash, err = pathHash(tf.Path)
		if err != nil {
			return nil, err
		}
		rec.LastSyncedHash = fileHash
		rec.LastStateHash = stateHash(st)
		rec.LastSyncTime = time.Now().UTC()
		rec.SyncDirection = direction

		entry := FileSync{Path: tf.Path, Action: action}
		if action == ActionConflict && len(rd.Conflicts) > 0 {
			entry.ConflictID = rd.Conflicts[len(rd.Conflicts)-1].ID
		}
		result.Files = append(result.Files, entry)
	}

	// Combined digest of every synchronized memory file, recorded on the
	// state for change detection.
	combined, err := s.contextHash()
	if err != nil {
		return nil, err
	}
	st.ContextHash = combined
	result.ContextHash = combined

	if err := s.saveRecords(rd); err != nil {
		return nil, err
	}
	return result, conflictErr
}

// contextHash folds the hashes of all tracked paths into one digest.
func (s *Synchronizer) contextHash() (string, error) {
	h := sha256.New()
	for _, tf := range s.cfg.Tracked {
		ph, err := pathHash(tf.Path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%s\x00", tf.Path, ph)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Synchronizer) applyFileToState(tf TrackedFile, st *workflow.WorkflowState) error {
	if tf.Kind != KindBacklog {
		// Free-form memory has no structured fields; it participates in
		// context hashing only.
		return nil
	}
	info, err := os.Stat(tf.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	data, err := os.ReadFile(tf.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", tf.Path, err)
	}
	entries, err := parseBacklog(string(data))
	if err != nil {
		return fmt.Errorf("failed to parse backlog %s: %w", tf.Path, err)
	}
	applyBacklogToState(st, entries)
	s.logger.Debug("applied backlog to state",
		zap.String("path", tf.Path),
		zap.Int("entries", len(entries)),
	)
	return nil
}

func (s *Synchronizer) applyStateToFile(tf TrackedFile, st *workflow.WorkflowState) error {
	if info, err := os.Stat(tf.Path); err == nil && info.IsDir() {
		// Directory roots are hash-tracked only; resolution inside them is
		// file-by-file through their own tracked entries.
		return nil
	}

	var current string
	if data, err := os.ReadFile(tf.Path); err == nil {
		current = string(data)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", tf.Path, err)
	}

	var updated string
	switch tf.Kind {
	case KindBacklog:
		updated = replaceBlock(current, backlogBegin, backlogEnd, renderBacklogBlock(st))
	default:
		updated = replaceBlock(current, stateBegin, stateEnd, renderStateBlock(st))
	}

	if updated == current {
		return nil
	}
	if err := fsutil.WriteFileAtomic(tf.Path, []byte(updated), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tf.Path, err)
	}
	s.logger.Debug("wrote state to file", zap.String("path", tf.Path))
	return nil
}

// recordConflict backs up both sides of a conflicted file before any
// resolution touches it.
func (s *Synchronizer) recordConflict(tf TrackedFile, st *workflow.WorkflowState) (*ConflictRecord, error) {
	if err := os.MkdirAll(s.backupsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backups dir: %w", err)
	}

	id := uuid.New().String()
	stamp := time.Now().UTC().Format("20060102T150405")
	base := filepath.Base(tf.Path)

	var backups []string

	// File side: current on-disk content.
	var fileContent []byte
	if data, err := os.ReadFile(tf.Path); err == nil {
		fileContent = data
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s for backup: %w", tf.Path, err)
	}
	fileBackup := filepath.Join(s.backupsDir, fmt.Sprintf("%s.%s.%s.file.bak", base, stamp, id[:8]))
	if err := fsutil.WriteFileAtomic(fileBackup, fileContent, 0600); err != nil {
		return nil, err
	}
	backups = append(backups, fileBackup)

	// State side: what a state_to_file pass would have written.
	var stateContent string
	switch tf.Kind {
	case KindBacklog:
		stateContent = replaceBlock(string(fileContent), backlogBegin, backlogEnd, renderBacklogBlock(st))
	default:
		stateContent = replaceBlock(string(fileContent), stateBegin, stateEnd, renderStateBlock(st))
	}
	stateBackup := filepath.Join(s.backupsDir, fmt.Sprintf("%s.%s.%s.state.bak", base, stamp, id[:8]))
	if err := fsutil.WriteFileAtomic(stateBackup, []byte(stateContent), 0600); err != nil {
		return nil, err
	}
	backups = append(backups, stateBackup)

	return &ConflictRecord{
		ID:               id,
		ConflictingPaths: []string{tf.Path},
		BackupPaths:      backups,
		Strategy:         s.cfg.Strategy,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// fileNewerThanState decides the last_write_wins winner by comparing the
// file's modification time against the state's update stamp.
func (s *Synchronizer) fileNewerThanState(path string, st *workflow.WorkflowState) bool {
	mt, err := latestModTime(path)
	if err != nil {
		return false
	}
	return mt.After(st.UpdatedAt)
}

func latestModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if !info.IsDir() {
		return info.ModTime(), nil
	}
	latest := info.ModTime()
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	return latest, err
}

// Conflicts returns all recorded conflicts, newest last.
func (s *Synchronizer) Conflicts() ([]*ConflictRecord, error) {
	rd, err := s.loadRecords()
	if err != nil {
		return nil, err
	}
	return rd.Conflicts, nil
}

// Acknowledge resolves a manual conflict after the operator has merged the
// file by hand. The current file content and state become the new sync
// baseline and the file is unblocked.
func (s *Synchronizer) Acknowledge(st *workflow.WorkflowState, conflictID string) error {
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	rd, err := s.loadRecords()
	if err != nil {
		return err
	}

	var conflict *ConflictRecord
	for _, c := range rd.Conflicts {
		if c.ID == conflictID {
			conflict = c
			break
		}
	}
	if conflict == nil {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if conflict.Resolved() {
		return nil
	}
	conflict.ResolvedAt = time.Now().UTC()

	for _, path := range conflict.ConflictingPaths {
		rec := rd.Records[path]
		if rec == nil {
			continue
		}
		h, err := pathHash(path)
		if err != nil {
			return err
		}
		rec.LastSyncedHash = h
		rec.LastStateHash = stateHash(st)
		rec.LastSyncTime = time.Now().UTC()
	}

	s.logger.Info("conflict acknowledged", zap.String("conflict_id", conflictID))
	return s.saveRecords(rd)
}
