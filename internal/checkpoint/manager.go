// Package checkpoint snapshots the managed root into a local git repository
// and restores it on rollback. Snapshots are plain commits tagged
// stage-<stage>-<seq>; rollback is a scoped tree restore of the managed
// paths, never a history rewrite, so unrelated work in the repository is
// untouched.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/stagehand/internal/checkpoint"

// tagPattern parses checkpoint tag names: stage-<stage>-<seq>.
var tagPattern = regexp.MustCompile(`^stage-(.+)-(\d+)$`)

const (
	commitName  = "stagehand"
	commitEmail = "stagehand@localhost"
)

// Manager creates and restores checkpoints of the managed root.
type Manager interface {
	// Create snapshots the managed paths and tags the commit.
	Create(ctx context.Context, description string, stage workflow.Stage) (*Checkpoint, error)

	// Rollback restores the managed paths to the tagged commit.
	Rollback(ctx context.Context, checkpointID string) error

	// List returns all checkpoints, oldest first.
	List(ctx context.Context) ([]*Checkpoint, error)
}

type manager struct {
	projectRoot string // git repository root
	managedRel  string // managed root, relative to projectRoot, slash-separated
	logger      *zap.Logger

	// Create and Rollback are critical sections relative to each other.
	mu sync.Mutex

	tracer        trace.Tracer
	meter         metric.Meter
	createCounter metric.Int64Counter
}

// NewManager creates a checkpoint manager for the managed directory inside
// the project's git repository. The repository is initialized on first use
// when absent.
func NewManager(projectRoot, managedDir string, logger *zap.Logger) (Manager, error) {
	if projectRoot == "" {
		return nil, errors.New("project root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rel, err := filepath.Rel(projectRoot, managedDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("managed dir %s is not inside project root %s", managedDir, projectRoot)
	}

	m := &manager{
		projectRoot: projectRoot,
		managedRel:  filepath.ToSlash(rel),
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}

	m.createCounter, err = m.meter.Int64Counter(
		"stagehand.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		m.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}

	return m, nil
}

// repo opens the project repository, initializing it when absent.
func (m *manager) repo() (*git.Repository, error) {
	r, err := git.PlainOpen(m.projectRoot)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return git.PlainInit(m.projectRoot, false)
	}
	return nil, fmt.Errorf("failed to open repository: %w", err)
}

// checkSafe refuses to snapshot over an unresolved merge.
func checkSafe(wt *git.Worktree) error {
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}
	for path, st := range status {
		if st.Staging == git.UpdatedButUnmerged || st.Worktree == git.UpdatedButUnmerged {
			return fmt.Errorf("unresolved merge at %s", path)
		}
	}
	return nil
}

func (m *manager) Create(ctx context.Context, description string, stage workflow.Stage) (*Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.create")
	defer span.End()
	span.SetAttributes(attribute.String("stage", string(stage)))

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.repo()
	if err != nil {
		return nil, &CheckpointError{Op: "create", Err: err}
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, &CheckpointError{Op: "create", Err: err}
	}
	if err := checkSafe(wt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &CheckpointError{Op: "create", Err: err}
	}

	seq, err := m.nextSeq(r, stage)
	if err != nil {
		return nil, &CheckpointError{Op: "create", Err: err}
	}
	tagName := fmt.Sprintf("stage-%s-%d", stage, seq)

	if _, err := wt.Add(m.managedRel); err != nil {
		return nil, &CheckpointError{Op: "create", Err: fmt.Errorf("failed to stage %s: %w", m.managedRel, err)}
	}

	now := time.Now()
	message := fmt.Sprintf("checkpoint: %s\n\nstage: %s", description, stage)
	hash, err := wt.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  commitName,
			Email: commitEmail,
			When:  now,
		},
	})
	if err != nil {
		return nil, &CheckpointError{Op: "create", Err: fmt.Errorf("commit failed: %w", err)}
	}

	if _, err := r.CreateTag(tagName, hash, nil); err != nil {
		return nil, &CheckpointError{Op: "create", Err: fmt.Errorf("tag failed: %w", err)}
	}

	if m.createCounter != nil {
		m.createCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(stage)),
		))
	}

	cp := &Checkpoint{
		ID:              tagName,
		Description:     description,
		StageAtCreation: stage,
		VCSRef:          hash.String(),
		Seq:             seq,
		CreatedAt:       now.UTC(),
	}

	m.logger.Info("created checkpoint",
		zap.String("id", cp.ID),
		zap.String("commit", cp.VCSRef),
	)
	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))
	return cp, nil
}

// nextSeq returns one past the highest existing sequence for a stage.
func (m *manager) nextSeq(r *git.Repository, stage workflow.Stage) (int, error) {
	max := 0
	tags, err := r.Tags()
	if err != nil {
		return 0, err
	}
	prefix := fmt.Sprintf("stage-%s-", stage)
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil && n > max {
			max = n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (m *manager) Rollback(ctx context.Context, checkpointID string) error {
	_, span := m.tracer.Start(ctx, "checkpoint.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", checkpointID))

	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.repo()
	if err != nil {
		return &CheckpointError{Op: "rollback", Err: err}
	}

	ref, err := r.Tag(checkpointID)
	if err != nil {
		if errors.Is(err, git.ErrTagNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
		}
		return &CheckpointError{Op: "rollback", Err: err}
	}

	commit, err := r.CommitObject(ref.Hash())
	if err != nil {
		return &CheckpointError{Op: "rollback", Err: fmt.Errorf("failed to resolve commit: %w", err)}
	}
	tree, err := commit.Tree()
	if err != nil {
		return &CheckpointError{Op: "rollback", Err: err}
	}

	// Scoped restore: wipe the managed dir, then rewrite every file the
	// tagged commit holds under it. Nothing outside the managed root is
	// touched.
	managedAbs := filepath.Join(m.projectRoot, filepath.FromSlash(m.managedRel))
	if err := os.RemoveAll(managedAbs); err != nil {
		return &CheckpointError{Op: "rollback", Err: err}
	}

	prefix := m.managedRel + "/"
	restored := 0
	err = tree.Files().ForEach(func(f *object.File) error {
		if !strings.HasPrefix(f.Name, prefix) {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		dst := filepath.Join(m.projectRoot, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(content), 0600); err != nil {
			return err
		}
		restored++
		return nil
	})
	if err != nil {
		return &CheckpointError{Op: "rollback", Err: err}
	}

	m.logger.Info("rolled back to checkpoint",
		zap.String("id", checkpointID),
		zap.String("commit", ref.Hash().String()),
		zap.Int("files_restored", restored),
	)
	return nil
}

func (m *manager) List(ctx context.Context) ([]*Checkpoint, error) {
	r, err := m.repo()
	if err != nil {
		return nil, &CheckpointError{Op: "list", Err: err}
	}

	tags, err := r.Tags()
	if err != nil {
		return nil, &CheckpointError{Op: "list", Err: err}
	}

	var out []*Checkpoint
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		matches := tagPattern.FindStringSubmatch(name)
		if matches == nil {
			return nil
		}
		seq, err := strconv.Atoi(matches[2])
		if err != nil {
			return nil
		}
		commit, err := r.CommitObject(ref.Hash())
		if err != nil {
			return nil
		}
		cp := &Checkpoint{
			ID:              name,
			StageAtCreation: workflow.Stage(matches[1]),
			VCSRef:          ref.Hash().String(),
			Seq:             seq,
			CreatedAt:       commit.Author.When.UTC(),
		}
		// First commit-message line carries the description.
		first := strings.SplitN(commit.Message, "\n", 2)[0]
		cp.Description = strings.TrimPrefix(first, "checkpoint: ")
		out = append(out, cp)
		return nil
	})
	if err != nil {
		return nil, &CheckpointError{Op: "list", Err: err}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
