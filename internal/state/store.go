// Package state persists the workflow state document. The store owns
// state.json under the managed root; all saves are atomic and guarded by an
// advisory lock scoped to the state file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/fsutil"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// Errors for state store operations.
var (
	ErrNotInitialized     = errors.New("workflow not initialized")
	ErrAlreadyInitialized = errors.New("workflow already initialized")
	ErrStateCorrupted     = errors.New("state file corrupted")
)

// FileName is the state document name inside the managed root.
const FileName = "state.json"

// Store reads and writes the WorkflowState document.
type Store struct {
	root   string
	path   string
	lock   *fsutil.FileLock
	logger *zap.Logger
}

// NewStore creates a store rooted at the managed root directory.
func NewStore(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(root, FileName)
	return &Store{
		root:   root,
		path:   path,
		lock:   fsutil.NewFileLock(path),
		logger: logger,
	}
}

// Path returns the absolute location of the state file.
func (s *Store) Path() string {
	return s.path
}

// Init writes the initial state document. Fails with ErrAlreadyInitialized
// when a state file already exists.
func (s *Store) Init(st *workflow.WorkflowState) error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return fmt.Errorf("failed to create managed root: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return ErrAlreadyInitialized
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat state file: %w", err)
	}
	return s.Save(st)
}

// Load reads and validates the state document.
func (s *Store) Load() (*workflow.WorkflowState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st workflow.WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupted, err)
	}
	if st.Version == 0 || st.CurrentStage == "" {
		return nil, fmt.Errorf("%w: missing version or stage", ErrStateCorrupted)
	}
	if st.Version > workflow.StateVersion {
		return nil, fmt.Errorf("%w: version %d newer than supported %d",
			ErrStateCorrupted, st.Version, workflow.StateVersion)
	}
	return &st, nil
}

// Save atomically persists the state document, stamping UpdatedAt.
func (s *Store) Save(st *workflow.WorkflowState) error {
	if st == nil {
		return errors.New("state is required")
	}
	st.Version = workflow.StateVersion
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if err := fsutil.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	s.logger.Debug("saved workflow state",
		zap.String("project_id", st.ProjectID),
		zap.String("stage", string(st.CurrentStage)),
	)
	return nil
}
