// Package agent adapts external stage executors to the orchestrator's agent
// contract. The exec adapter speaks JSON over pipes: the stage context goes
// to the child's stdin, the stage result comes back on stdout.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/orchestrator"
	"github.com/fyrsmithlabs/stagehand/internal/workflow"
)

// ErrEmptyCommand is returned when no agent command is configured.
var ErrEmptyCommand = errors.New("agent command is empty")

// stderrLimit caps how much child stderr is kept for error reporting.
const stderrLimit = 8 * 1024

// ExecError reports a failed agent process, including its captured stderr.
type ExecError struct {
	Stage  workflow.Stage
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent process failed for stage %s: %v: %s", e.Stage, e.Err, e.Stderr)
	}
	return fmt.Sprintf("agent process failed for stage %s: %v", e.Stage, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExecAgent runs an external command per stage attempt. The command receives
// the JSON-encoded stage context on stdin and must print a JSON-encoded
// stage result to stdout. The stage name is appended as the final argument.
type ExecAgent struct {
	command []string
	dir     string
	env     []string
	logger  *zap.Logger
}

// ExecOption customizes an ExecAgent.
type ExecOption func(*ExecAgent)

// WithWorkDir sets the child's working directory.
func WithWorkDir(dir string) ExecOption {
	return func(a *ExecAgent) { a.dir = dir }
}

// WithEnv appends extra environment entries in KEY=VALUE form.
func WithEnv(env []string) ExecOption {
	return func(a *ExecAgent) { a.env = env }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecOption {
	return func(a *ExecAgent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewExecAgent creates an exec-backed agent from a command and its fixed
// arguments.
func NewExecAgent(command []string, opts ...ExecOption) (*ExecAgent, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, ErrEmptyCommand
	}
	a := &ExecAgent{
		command: append([]string(nil), command...),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RunStage implements orchestrator.Agent.
func (a *ExecAgent) RunStage(ctx context.Context, stage workflow.Stage, sc *orchestrator.StageContext) (*orchestrator.StageResult, error) {
	input, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage context: %w", err)
	}

	args := append(append([]string(nil), a.command[1:]...), string(stage))
	cmd := exec.CommandContext(ctx, a.command[0], args...)
	cmd.Dir = a.dir
	if len(a.env) > 0 {
		cmd.Env = append(cmd.Environ(), a.env...)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("running agent command",
		zap.String("command", a.command[0]),
		zap.String("stage", string(stage)),
	)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecError{Stage: stage, Stderr: truncate(stderr.String()), Err: err}
	}

	var result orchestrator.StageResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, &ExecError{
			Stage:  stage,
			Stderr: truncate(stderr.String()),
			Err:    fmt.Errorf("failed to decode stage result: %w", err),
		}
	}
	if result.Status == "" {
		result.Status = orchestrator.ResultSuccess
	}
	return &result, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrLimit {
		return s[:stderrLimit]
	}
	return s
}
