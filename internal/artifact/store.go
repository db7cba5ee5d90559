// Package artifact provides content-addressed, versioned storage for stage
// outputs with a JSON metadata index. Content lives under one subdirectory
// per stage, named by content hash; index updates are atomic and
// single-writer.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/fsutil"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/stagehand/internal/artifact"

// ErrNotFound indicates the requested artifact is not in the index.
var ErrNotFound = errors.New("artifact not found")

// DirName is the artifact directory inside the managed root.
const DirName = "artifacts"

// indexFile is the metadata index inside the artifact directory.
const indexFile = "index.json"

// PruneConfig bounds how much artifact history is retained.
type PruneConfig struct {
	// KeepPerSlot is the number of most-recent versions kept per
	// (stage, story) slot. Zero disables count-based pruning.
	KeepPerSlot int

	// MinAge protects recently-created artifacts from pruning.
	MinAge time.Duration
}

// Store is the artifact persistence service.
type Store interface {
	// Store writes content and merges a metadata index entry.
	Store(ctx context.Context, req *StoreRequest) (*Metadata, error)

	// Retrieve reads content and verifies it against the recorded hash.
	Retrieve(ctx context.Context, artifactID string) ([]byte, *Metadata, error)

	// Get returns metadata only.
	Get(ctx context.Context, artifactID string) (*Metadata, error)

	// ListByStage returns metadata for a stage, newest first.
	ListByStage(ctx context.Context, stage workflow.Stage) ([]*Metadata, error)

	// ListByStory returns metadata for a story, newest first.
	ListByStory(ctx context.Context, storyID string) ([]*Metadata, error)

	// LatestVersion resolves the most recent artifact for a slot, or nil.
	LatestVersion(ctx context.Context, stage workflow.Stage, storyID string) (*Metadata, error)

	// SetValidationStatus records the gate outcome for an artifact.
	SetValidationStatus(ctx context.Context, artifactID string, status ValidationStatus) error

	// Prune removes old versions per the config, never removing an
	// artifact still referenced as a dependency of a retained one.
	Prune(ctx context.Context, cfg PruneConfig) (int, error)
}

type indexData struct {
	Version   int                  `json:"version"`
	NextSeq   int64                `json:"next_seq"`
	Artifacts map[string]*Metadata `json:"artifacts"`
}

type store struct {
	root    string // managed root
	dir     string // root/artifacts
	idxPath string
	lock    *fsutil.FileLock
	logger  *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	storeCounter metric.Int64Counter
}

// NewStore creates an artifact store under the managed root.
func NewStore(root string, logger *zap.Logger) (Store, error) {
	if root == "" {
		return nil, errors.New("managed root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &StorageError{Op: "init", Path: dir, Err: err}
	}

	s := &store{
		root:    root,
		dir:     dir,
		idxPath: filepath.Join(dir, indexFile),
		lock:    fsutil.NewFileLock(filepath.Join(dir, indexFile)),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	var err error
	s.storeCounter, err = s.meter.Int64Counter(
		"stagehand.artifact.stores_total",
		metric.WithDescription("Total number of artifacts stored"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		s.logger.Warn("failed to create store counter", zap.Error(err))
	}

	return s, nil
}

func (s *store) loadIndex() (*indexData, error) {
	data, err := os.ReadFile(s.idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &indexData{Version: 1, NextSeq: 1, Artifacts: make(map[string]*Metadata)}, nil
		}
		return nil, &StorageError{Op: "read-index", Path: s.idxPath, Err: err}
	}
	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, &StorageError{Op: "parse-index", Path: s.idxPath, Err: err}
	}
	if idx.Artifacts == nil {
		idx.Artifacts = make(map[string]*Metadata)
	}
	if idx.NextSeq == 0 {
		idx.NextSeq = int64(len(idx.Artifacts)) + 1
	}
	return &idx, nil
}

func (s *store) saveIndex(idx *indexData) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.idxPath, data, 0600); err != nil {
		return &StorageError{Op: "write-index", Path: s.idxPath, Err: err}
	}
	return nil
}

func (s *store) Store(ctx context.Context, req *StoreRequest) (*Metadata, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.store")
	defer span.End()

	if req == nil || len(req.Content) == 0 {
		return nil, errors.New("content is required")
	}
	if req.Stage == "" {
		return nil, errors.New("stage is required")
	}

	span.SetAttributes(
		attribute.String("stage", string(req.Stage)),
		attribute.String("story_id", req.StoryID),
	)

	id := fsutil.HashBytes(req.Content)
	stageDir := filepath.Join(s.dir, string(req.Stage))
	contentPath := filepath.Join(stageDir, id)

	// Stage names come from config; refuse anything that resolves outside
	// the artifact directory.
	if err := fsutil.CheckWithin(s.dir, contentPath); err != nil {
		serr := &StorageError{Op: "store", Path: contentPath, Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}

	if err := os.MkdirAll(stageDir, 0700); err != nil {
		return nil, &StorageError{Op: "store", Path: stageDir, Err: err}
	}
	if err := fsutil.WriteFileAtomic(contentPath, req.Content, 0600); err != nil {
		serr := &StorageError{Op: "store", Path: contentPath, Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}

	if err := s.lock.Lock(); err != nil {
		return nil, &StorageError{Op: "lock-index", Path: s.idxPath, Err: err}
	}
	defer s.lock.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	// Content-addressed: storing identical content is a no-op that returns
	// the existing entry.
	if existing, ok := idx.Artifacts[id]; ok {
		return existing, nil
	}

	rel, err := filepath.Rel(s.root, contentPath)
	if err != nil {
		return nil, &StorageError{Op: "store", Path: contentPath, Err: err}
	}

	meta := &Metadata{
		ID:               id,
		Stage:            req.Stage,
		StoryID:          req.StoryID,
		ContentLocation:  filepath.ToSlash(rel),
		ContentHash:      id,
		Dependencies:     append([]string(nil), req.Dependencies...),
		ValidationStatus: ValidationPending,
		Seq:              idx.NextSeq,
		CreatedAt:        time.Now().UTC(),
	}
	idx.NextSeq++
	idx.Artifacts[id] = meta

	if err := s.saveIndex(idx); err != nil {
		return nil, err
	}

	if s.storeCounter != nil {
		s.storeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(req.Stage)),
		))
	}

	s.logger.Info("stored artifact",
		zap.String("id", id),
		zap.String("stage", string(req.Stage)),
		zap.String("story_id", req.StoryID),
		zap.Int("size", len(req.Content)),
	)

	span.SetAttributes(attribute.String("artifact_id", id))
	return meta, nil
}

func (s *store) Get(ctx context.Context, artifactID string) (*Metadata, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	meta, ok := idx.Artifacts[artifactID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}
	return meta, nil
}

func (s *store) Retrieve(ctx context.Context, artifactID string) ([]byte, *Metadata, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("artifact_id", artifactID))

	meta, err := s.Get(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}

	contentPath := filepath.Join(s.root, filepath.FromSlash(meta.ContentLocation))
	data, err := os.ReadFile(contentPath)
	if err != nil {
		return nil, nil, &StorageError{Op: "retrieve", Path: contentPath, Err: err}
	}

	actual := fsutil.HashBytes(data)
	if actual != meta.ContentHash {
		ierr := &IntegrityError{ArtifactID: artifactID, Expected: meta.ContentHash, Actual: actual}
		span.RecordError(ierr)
		span.SetStatus(codes.Error, ierr.Error())
		return nil, nil, ierr
	}

	return data, meta, nil
}

// sortNewest orders metadata newest first, by sequence.
func sortNewest(list []*Metadata) {
	sort.Slice(list, func(i, j int) bool { return list[i].Seq > list[j].Seq })
}

func (s *store) ListByStage(ctx context.Context, stage workflow.Stage) ([]*Metadata, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var out []*Metadata
	for _, m := range idx.Artifacts {
		if m.Stage == stage {
			out = append(out, m)
		}
	}
	sortNewest(out)
	return out, nil
}

func (s *store) ListByStory(ctx context.Context, storyID string) ([]*Metadata, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var out []*Metadata
	for _, m := range idx.Artifacts {
		if m.StoryID == storyID {
			out = append(out, m)
		}
	}
	sortNewest(out)
	return out, nil
}

func (s *store) LatestVersion(ctx context.Context, stage workflow.Stage, storyID string) (*Metadata, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var latest *Metadata
	for _, m := range idx.Artifacts {
		if m.Stage != stage || m.StoryID != storyID {
			continue
		}
		if latest == nil || m.Seq > latest.Seq {
			latest = m
		}
	}
	return latest, nil
}

func (s *store) SetValidationStatus(ctx context.Context, artifactID string, status ValidationStatus) error {
	if err := s.lock.Lock(); err != nil {
		return &StorageError{Op: "lock-index", Path: s.idxPath, Err: err}
	}
	defer s.lock.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	meta, ok := idx.Artifacts[artifactID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}
	meta.ValidationStatus = status
	return s.saveIndex(idx)
}

func (s *store) Prune(ctx context.Context, cfg PruneConfig) (int, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.prune")
	defer span.End()

	if cfg.KeepPerSlot <= 0 {
		return 0, nil
	}

	if err := s.lock.Lock(); err != nil {
		return 0, &StorageError{Op: "lock-index", Path: s.idxPath, Err: err}
	}
	defer s.lock.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return 0, err
	}

	// Group by (stage, story) slot and mark prune candidates beyond the
	// retention count.
	type slot struct {
		stage workflow.Stage
		story string
	}
	bySlot := make(map[slot][]*Metadata)
	for _, m := range idx.Artifacts {
		k := slot{m.Stage, m.StoryID}
		bySlot[k] = append(bySlot[k], m)
	}

	cutoff := time.Now().UTC().Add(-cfg.MinAge)
	candidates := make(map[string]*Metadata)
	for _, list := range bySlot {
		sortNewest(list)
		for _, m := range list[minInt(cfg.KeepPerSlot, len(list)):] {
			if m.CreatedAt.Before(cutoff) {
				candidates[m.ID] = m
			}
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	// Dependencies of retained artifacts are protected, transitively.
	protected := make(map[string]bool)
	var protect func(id string)
	protect = func(id string) {
		if protected[id] {
			return
		}
		protected[id] = true
		if m, ok := idx.Artifacts[id]; ok {
			for _, dep := range m.Dependencies {
				protect(dep)
			}
		}
	}
	for id, m := range idx.Artifacts {
		if _, isCandidate := candidates[id]; isCandidate {
			continue
		}
		for _, dep := range m.Dependencies {
			protect(dep)
		}
	}

	pruned := 0
	for id, m := range candidates {
		if protected[id] {
			continue
		}
		contentPath := filepath.Join(s.root, filepath.FromSlash(m.ContentLocation))
		if err := os.Remove(contentPath); err != nil && !os.IsNotExist(err) {
			return pruned, &StorageError{Op: "prune", Path: contentPath, Err: err}
		}
		delete(idx.Artifacts, id)
		pruned++
	}

	if pruned > 0 {
		if err := s.saveIndex(idx); err != nil {
			return pruned, err
		}
		s.logger.Info("pruned artifacts", zap.Int("count", pruned))
	}
	span.SetAttributes(attribute.Int("pruned", pruned))
	return pruned, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
